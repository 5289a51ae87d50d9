package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gudn/sdpremote/internal/storage"
)

func (s *Store) ListObjects(ctx context.Context, repo, scope string, filter storage.ListFilter) ([]storage.Object, error) {
	q := `
SELECT key, checksum, creator, "timestamp"
FROM objects
WHERE scope = $1 AND repo = $2`
	args := []any{scope, repo}
	if filter.Value != "" {
		if filter.IsPrefix {
			q += ` AND key LIKE $3 || '%'`
		} else {
			q += ` AND key = $3`
		}
		args = append(args, filter.Value)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query objects: %w", err)
	}
	defer rows.Close()

	objects := []storage.Object{}
	for rows.Next() {
		var o storage.Object
		var cs sql.NullString
		if err := rows.Scan(&o.Key, &cs, &o.Creator, &o.Timestamp); err != nil {
			return nil, fmt.Errorf("scan object: %w", err)
		}
		o.Checksum = fromNullString(cs)
		objects = append(objects, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate objects: %w", err)
	}
	return objects, nil
}

func (s *Store) ObjectData(ctx context.Context, repo, scope, key string) (*int64, error) {
	var sid sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
SELECT data FROM objects WHERE key = $1 AND scope = $2 AND repo = $3`,
		key, scope, repo,
	).Scan(&sid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query object data: %w", err)
	}
	if !sid.Valid {
		return nil, nil
	}
	v := sid.Int64
	return &v, nil
}
