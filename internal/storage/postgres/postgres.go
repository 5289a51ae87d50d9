// Package postgres implements the storage contracts over Postgres. Every
// scope mutation runs in one transaction; preconditions are expressed as
// conditional updates whose affected-row count decides success, so two racing
// writers serialize on the row instead of on a read-then-write.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gudn/sdpremote/internal/storage"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreateRepo(ctx context.Context, repo string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO repos (name) VALUES ($1)`, repo)
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert repo: %w", err)
	}
	return nil
}

func (s *Store) DeleteRepo(ctx context.Context, repo string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM repos WHERE name = $1`, repo)
	if err != nil {
		return false, fmt.Errorf("delete repo: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete repo rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) CreateBlob(ctx context.Context, owner string) (int64, error) {
	var sid int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO storage (owner)
VALUES ($1)
RETURNING id`,
		owner,
	).Scan(&sid)
	// No returned row means no id was allocated; any other failure is an
	// ordinary database error, not exhausted storage.
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrInsufficientStorage
	}
	if err != nil {
		return 0, fmt.Errorf("insert blob: %w", err)
	}
	return sid, nil
}

func (s *Store) SetBlobChecksum(ctx context.Context, sid int64, digest string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE storage SET checksum = $2 WHERE id = $1`, sid, digest)
	if err != nil {
		return fmt.Errorf("set blob checksum: %w", err)
	}
	return nil
}

func (s *Store) ExpiredBlobIDs(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM storage WHERE expire_at < $1`, now)
	if err != nil {
		return nil, fmt.Errorf("query expired blobs: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired blob id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired blobs: %w", err)
	}
	return ids, nil
}

func (s *Store) DeleteBlobRows(ctx context.Context, sids []int64) error {
	if len(sids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM storage WHERE id = ANY($1)`, sids)
	if err != nil {
		return fmt.Errorf("delete blob rows: %w", err)
	}
	return nil
}

// claimBlob clears the pending expiry on a blob inside the caller's
// transaction and returns the stored digest. The acting identity must match
// the uploader; ownership is fixed at upload time and a re-claim by the owner
// is idempotent.
func claimBlob(ctx context.Context, tx *sql.Tx, sid int64, actor string) (*string, error) {
	var digest sql.NullString
	var owner string
	err := tx.QueryRowContext(ctx, `
UPDATE storage
SET expire_at = NULL
WHERE id = $1
RETURNING checksum, owner`,
		sid,
	).Scan(&digest, &owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage object %d: %w", sid, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("claim blob: %w", err)
	}
	if owner != actor {
		return nil, storage.ErrForbidden
	}
	if !digest.Valid {
		return nil, nil
	}
	d := digest.String
	return &d, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
