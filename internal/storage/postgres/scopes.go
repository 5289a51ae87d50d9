package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/gudn/sdpremote/internal/checksum"
	"github.com/gudn/sdpremote/internal/storage"
)

func (s *Store) ListScopes(ctx context.Context, repo string, filter storage.ListFilter) ([]storage.Scope, error) {
	q := `
SELECT name, checksum, creator, "timestamp"
FROM scopes
WHERE repo = $1`
	args := []any{repo}
	if filter.Value != "" {
		if filter.IsPrefix {
			q += ` AND name LIKE $2 || '%'`
		} else {
			q += ` AND name = $2`
		}
		args = append(args, filter.Value)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query scopes: %w", err)
	}
	defer rows.Close()

	scopes := []storage.Scope{}
	for rows.Next() {
		var sc storage.Scope
		var cs, cr sql.NullString
		var ts sql.NullTime
		if err := rows.Scan(&sc.Name, &cs, &cr, &ts); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		sc.Checksum = fromNullString(cs)
		sc.Creator = fromNullString(cr)
		sc.Timestamp = fromNullTime(ts)
		scopes = append(scopes, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scopes: %w", err)
	}
	return scopes, nil
}

func (s *Store) CreateScope(ctx context.Context, repo, scope string, objects map[string]storage.DataRef, by storage.WriteInfo) (storage.Scope, error) {
	var creator *string
	var timestamp *time.Time
	if len(objects) > 0 {
		creator = &by.Creator
		timestamp = &by.Timestamp
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Scope{}, fmt.Errorf("begin create scope: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
INSERT INTO scopes (name, repo, creator, "timestamp")
VALUES ($1, $2, $3, $4)`,
		scope, repo, nullString(creator), nullTime(timestamp),
	)
	if isUniqueViolation(err) {
		return storage.Scope{}, storage.ErrConflict
	}
	if isForeignKeyViolation(err) {
		return storage.Scope{}, fmt.Errorf("repo %q: %w", repo, storage.ErrNotFound)
	}
	if err != nil {
		return storage.Scope{}, fmt.Errorf("insert scope: %w", err)
	}

	var agg *string
	if len(objects) > 0 {
		lines, err := setScopeObjects(ctx, tx, repo, scope, objects, by)
		if err != nil {
			return storage.Scope{}, err
		}
		sum := checksum.Aggregate(lines)
		agg = &sum
		if _, err := tx.ExecContext(ctx, `
UPDATE scopes SET checksum = $3 WHERE name = $1 AND repo = $2`,
			scope, repo, sum,
		); err != nil {
			return storage.Scope{}, fmt.Errorf("set scope checksum: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storage.Scope{}, fmt.Errorf("commit create scope: %w", err)
	}

	return storage.Scope{Name: scope, Checksum: agg, Creator: creator, Timestamp: timestamp}, nil
}

func (s *Store) ReplaceScope(ctx context.Context, repo, scope string, expected *string, objects map[string]storage.DataRef, by storage.WriteInfo) (storage.Scope, error) {
	var creator *string
	var timestamp *time.Time
	if len(objects) > 0 {
		creator = &by.Creator
		timestamp = &by.Timestamp
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Scope{}, fmt.Errorf("begin replace scope: %w", err)
	}
	defer tx.Rollback()

	// Precondition and claim in one statement: only the writer whose
	// expected checksum matches the live row takes it.
	res, err := tx.ExecContext(ctx, `
UPDATE scopes
SET creator = $3, "timestamp" = $4, checksum = NULL
WHERE name = $1
  AND repo = $2
  AND checksum IS NOT DISTINCT FROM $5`,
		scope, repo, nullString(creator), nullTime(timestamp), nullString(expected),
	)
	if err != nil {
		return storage.Scope{}, fmt.Errorf("guard replace scope: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return storage.Scope{}, fmt.Errorf("guard replace rows affected: %w", err)
	} else if n == 0 {
		return storage.Scope{}, storage.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
DELETE FROM objects WHERE scope = $1 AND repo = $2`,
		scope, repo,
	); err != nil {
		return storage.Scope{}, fmt.Errorf("clear scope objects: %w", err)
	}

	var agg *string
	if len(objects) > 0 {
		lines, err := setScopeObjects(ctx, tx, repo, scope, objects, by)
		if err != nil {
			return storage.Scope{}, err
		}
		sum := checksum.Aggregate(lines)
		agg = &sum
		if _, err := tx.ExecContext(ctx, `
UPDATE scopes SET checksum = $3 WHERE name = $1 AND repo = $2`,
			scope, repo, sum,
		); err != nil {
			return storage.Scope{}, fmt.Errorf("set scope checksum: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storage.Scope{}, fmt.Errorf("commit replace scope: %w", err)
	}

	return storage.Scope{Name: scope, Checksum: agg, Creator: creator, Timestamp: timestamp}, nil
}

// PatchScope applies a batch of per-key actions on top of the live object
// set. Order of operations: all deletions are validated against the initial
// set, then upserts run in ascending key order, then rows for deleted keys
// are removed, then the aggregate is recomputed over the surviving lines.
func (s *Store) PatchScope(ctx context.Context, repo, scope string, expected *string, changes map[string]storage.PatchAction, by storage.WriteInfo) (storage.Scope, error) {
	if len(changes) == 0 {
		return storage.Scope{}, storage.ErrNoChanges
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Scope{}, fmt.Errorf("begin patch scope: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
UPDATE scopes
SET creator = NULL, "timestamp" = NULL, checksum = NULL
WHERE name = $1
  AND repo = $2
  AND checksum IS NOT DISTINCT FROM $3`,
		scope, repo, nullString(expected),
	)
	if err != nil {
		return storage.Scope{}, fmt.Errorf("guard patch scope: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return storage.Scope{}, fmt.Errorf("guard patch rows affected: %w", err)
	} else if n == 0 {
		return storage.Scope{}, storage.ErrNotFound
	}

	lines, err := loadStatusLines(ctx, tx, repo, scope)
	if err != nil {
		return storage.Scope{}, err
	}

	keys := sortedKeys(changes)

	var toDelete []string
	for _, key := range keys {
		if !changes[key].Delete {
			continue
		}
		if _, ok := lines[key]; !ok {
			return storage.Scope{}, fmt.Errorf("object %q: %w", key, storage.ErrNotFound)
		}
		toDelete = append(toDelete, key)
		delete(lines, key)
	}

	for _, key := range keys {
		action := changes[key]
		if action.Delete {
			continue
		}
		line, err := upsertObject(ctx, tx, repo, scope, key, action.Data, by)
		if err != nil {
			return storage.Scope{}, err
		}
		lines[key] = line
	}

	if len(toDelete) > 0 {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM objects
WHERE scope = $1 AND repo = $2 AND key = ANY($3)`,
			scope, repo, toDelete,
		); err != nil {
			return storage.Scope{}, fmt.Errorf("delete patched objects: %w", err)
		}
	}

	result := storage.Scope{Name: scope}
	if len(lines) > 0 {
		sum := checksum.Aggregate(lines)
		result.Checksum = &sum
		result.Creator = &by.Creator
		result.Timestamp = &by.Timestamp
		if _, err := tx.ExecContext(ctx, `
UPDATE scopes
SET checksum = $3, creator = $4, "timestamp" = $5
WHERE name = $1 AND repo = $2`,
			scope, repo, sum, by.Creator, by.Timestamp,
		); err != nil {
			return storage.Scope{}, fmt.Errorf("set scope checksum: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storage.Scope{}, fmt.Errorf("commit patch scope: %w", err)
	}
	return result, nil
}

func (s *Store) DeleteScope(ctx context.Context, repo, scope string, expected *string) error {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM scopes
WHERE name = $1
  AND repo = $2
  AND checksum IS NOT DISTINCT FROM $3`,
		scope, repo, nullString(expected),
	)
	if err != nil {
		return fmt.Errorf("delete scope: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete scope rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// upsertObject writes one object row inside the transaction, claiming the
// referenced blob first when the payload is a blob reference, and returns the
// object's status line. A claim committed to the transaction stays claimed
// unless the whole transaction aborts.
func upsertObject(ctx context.Context, tx *sql.Tx, repo, scope, key string, data storage.DataRef, by storage.WriteInfo) (string, error) {
	var digest *string
	var sid *int64

	switch data.Kind() {
	case storage.RefNone:
	case storage.RefBlob:
		id := data.SID()
		d, err := claimBlob(ctx, tx, id, by.Creator)
		if err != nil {
			return "", err
		}
		digest = d
		sid = &id
	default:
		return "", fmt.Errorf("object %q: inline data not supported", key)
	}

	_, err := tx.ExecContext(ctx, `
INSERT INTO objects (key, scope, repo, checksum, creator, "timestamp", data)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (key, scope, repo) DO UPDATE
SET checksum = EXCLUDED.checksum,
    creator = EXCLUDED.creator,
    "timestamp" = EXCLUDED."timestamp",
    data = EXCLUDED.data`,
		key, scope, repo, nullString(digest), by.Creator, by.Timestamp, nullInt64(sid),
	)
	if err != nil {
		return "", fmt.Errorf("upsert object %q: %w", key, err)
	}

	return checksum.StatusLine(key, digest), nil
}

// setScopeObjects upserts the full object map in ascending key order and
// returns the status lines keyed by object key.
func setScopeObjects(ctx context.Context, tx *sql.Tx, repo, scope string, objects map[string]storage.DataRef, by storage.WriteInfo) (map[string]string, error) {
	lines := make(map[string]string, len(objects))
	for _, key := range sortedKeys(objects) {
		line, err := upsertObject(ctx, tx, repo, scope, key, objects[key], by)
		if err != nil {
			return nil, err
		}
		lines[key] = line
	}
	return lines, nil
}

func loadStatusLines(ctx context.Context, tx *sql.Tx, repo, scope string) (map[string]string, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT key, checksum FROM objects WHERE scope = $1 AND repo = $2`,
		scope, repo,
	)
	if err != nil {
		return nil, fmt.Errorf("query object checksums: %w", err)
	}
	defer rows.Close()

	lines := make(map[string]string)
	for rows.Next() {
		var key string
		var cs sql.NullString
		if err := rows.Scan(&key, &cs); err != nil {
			return nil, fmt.Errorf("scan object checksum: %w", err)
		}
		lines[key] = checksum.StatusLine(key, fromNullString(cs))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate object checksums: %w", err)
	}
	return lines, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func fromNullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
