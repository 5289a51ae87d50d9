package storage

import (
	"context"
	"time"
)

// Store is the persistence contract of the consistency engine. Every scope
// mutation runs in a single transaction: the precondition check, all object
// rows, all blob claims and the scope checksum commit together or not at all.
type Store interface {
	RepoStore
	ScopeStore
	ObjectStore
	MetaStore
	BlobStore
}

type RepoStore interface {
	// CreateRepo inserts a repo row. ErrConflict if the name is taken.
	CreateRepo(ctx context.Context, repo string) error
	// DeleteRepo removes a repo, cascading scopes, objects and metas.
	// Returns false if no such repo exists.
	DeleteRepo(ctx context.Context, repo string) (bool, error)
}

type ScopeStore interface {
	ListScopes(ctx context.Context, repo string, filter ListFilter) ([]Scope, error)

	// CreateScope inserts a new scope, optionally pre-populated with objects.
	// ErrConflict if the scope already exists. The returned scope carries the
	// freshly computed aggregate checksum (null trio when objects is empty).
	CreateScope(ctx context.Context, repo, scope string, objects map[string]DataRef, by WriteInfo) (Scope, error)

	// ReplaceScope swaps the full object set, guarded by the expected
	// checksum. ErrNotFound covers both a missing scope and a stale checksum.
	ReplaceScope(ctx context.Context, repo, scope string, expected *string, objects map[string]DataRef, by WriteInfo) (Scope, error)

	// PatchScope applies per-key upserts and deletes on top of the current
	// object set, guarded by the expected checksum. Deleting an absent key is
	// ErrNotFound; an empty change set is ErrNoChanges.
	PatchScope(ctx context.Context, repo, scope string, expected *string, changes map[string]PatchAction, by WriteInfo) (Scope, error)

	// DeleteScope removes the scope and its objects, guarded by the expected
	// checksum.
	DeleteScope(ctx context.Context, repo, scope string, expected *string) error
}

type ObjectStore interface {
	ListObjects(ctx context.Context, repo, scope string, filter ListFilter) ([]Object, error)

	// ObjectData returns the blob sid an object references, or nil when the
	// object has no payload. ErrNotFound if the object does not exist.
	ObjectData(ctx context.Context, repo, scope, key string) (*int64, error)
}

type MetaStore interface {
	// UpsertMeta writes a meta entry for a scope (objectKey nil) or an object
	// and returns its status line. A blob reference is claimed under the same
	// ownership rules as an object write; a missing parent object surfaces as
	// ErrNotFound.
	UpsertMeta(ctx context.Context, repo, scope string, objectKey *string, key string, data DataRef, actor string) (string, error)

	ListMetas(ctx context.Context, repo, scope string) ([]Meta, error)
}

type BlobStore interface {
	// CreateBlob allocates a pending blob row owned by owner with the default
	// expiry. ErrInsufficientStorage when no id can be allocated.
	CreateBlob(ctx context.Context, owner string) (int64, error)

	// SetBlobChecksum records the digest computed while streaming the upload.
	SetBlobChecksum(ctx context.Context, sid int64, digest string) error

	// ExpiredBlobIDs lists pending blobs whose expiry has passed.
	ExpiredBlobIDs(ctx context.Context, now time.Time) ([]int64, error)

	// DeleteBlobRows removes rows for blobs the backend confirmed deleted.
	DeleteBlobRows(ctx context.Context, sids []int64) error
}
