package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gudn/sdpremote/internal/checksum"
	"github.com/gudn/sdpremote/internal/storage"
)

// UpsertMeta writes a meta entry attached to a scope (objectKey nil) or to an
// object. Blob references are claimed like object writes; inline values are
// digested directly. Meta entries do not feed the scope aggregate.
func (s *Store) UpsertMeta(ctx context.Context, repo, scope string, objectKey *string, key string, data storage.DataRef, actor string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin upsert meta: %w", err)
	}
	defer tx.Rollback()

	var digest *string
	var sid *int64
	var value []byte

	switch data.Kind() {
	case storage.RefNone:
	case storage.RefBlob:
		id := data.SID()
		d, err := claimBlob(ctx, tx, id, actor)
		if err != nil {
			return "", err
		}
		digest = d
		sid = &id
	case storage.RefInline:
		value = data.Inline()
		d := checksum.Bytes(value)
		digest = &d
	}

	// The partial unique indexes on metas cannot drive a single ON CONFLICT
	// clause for both the scope-level and object-level shapes, so update
	// first and insert when nothing matched.
	res, err := tx.ExecContext(ctx, `
UPDATE metas
SET checksum = $5, data = $6, value = $7
WHERE key = $1
  AND object_key IS NOT DISTINCT FROM $2
  AND scope = $3
  AND repo = $4`,
		key, nullString(objectKey), scope, repo, nullString(digest), nullInt64(sid), value,
	)
	if err != nil {
		return "", fmt.Errorf("update meta: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("update meta rows affected: %w", err)
	}

	if n == 0 {
		_, err := tx.ExecContext(ctx, `
INSERT INTO metas (key, object_key, scope, repo, checksum, data, value)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			key, nullString(objectKey), scope, repo, nullString(digest), nullInt64(sid), value,
		)
		if isForeignKeyViolation(err) {
			return "", storage.ErrNotFound
		}
		if err != nil {
			return "", fmt.Errorf("insert meta: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit upsert meta: %w", err)
	}

	return checksum.MetaStatusLine(key, objectKey, digest), nil
}

func (s *Store) ListMetas(ctx context.Context, repo, scope string) ([]storage.Meta, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT key, object_key, checksum
FROM metas
WHERE scope = $1 AND repo = $2`,
		scope, repo,
	)
	if err != nil {
		return nil, fmt.Errorf("query metas: %w", err)
	}
	defer rows.Close()

	metas := []storage.Meta{}
	for rows.Next() {
		var m storage.Meta
		var ok, cs sql.NullString
		if err := rows.Scan(&m.Key, &ok, &cs); err != nil {
			return nil, fmt.Errorf("scan meta: %w", err)
		}
		m.ObjectKey = fromNullString(ok)
		m.Checksum = fromNullString(cs)
		metas = append(metas, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metas: %w", err)
	}
	return metas, nil
}
