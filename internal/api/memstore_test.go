package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gudn/sdpremote/internal/blob"
	"github.com/gudn/sdpremote/internal/checksum"
	"github.com/gudn/sdpremote/internal/storage"
)

// memStore is an in-memory storage.Store with the same consistency semantics
// as the Postgres implementation, used to exercise the HTTP surface without a
// database.
type memStore struct {
	mu    sync.Mutex
	repos map[string]struct{}
	// scopes and metas are keyed by repo + "\x00" + scope.
	scopes map[string]*memScope
	metas  map[string]map[string]memMeta
	blobs  map[int64]*storage.Blob

	nextSID    int64
	failCreate bool

	now func() time.Time
}

type memScope struct {
	checksum  *string
	creator   *string
	timestamp *time.Time
	objects   map[string]memObject
}

type memObject struct {
	digest  *string
	sid     *int64
	creator string
	ts      time.Time
}

type memMeta struct {
	objectKey *string
	digest    *string
}

func newMemStore() *memStore {
	return &memStore{
		repos:  make(map[string]struct{}),
		scopes: make(map[string]*memScope),
		metas:  make(map[string]map[string]memMeta),
		blobs:  make(map[int64]*storage.Blob),
		now:    time.Now,
	}
}

func scopeKey(repo, scope string) string { return repo + "\x00" + scope }

func (m *memStore) CreateRepo(_ context.Context, repo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.repos[repo]; ok {
		return storage.ErrConflict
	}
	m.repos[repo] = struct{}{}
	return nil
}

func (m *memStore) DeleteRepo(_ context.Context, repo string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.repos[repo]; !ok {
		return false, nil
	}
	delete(m.repos, repo)
	for key := range m.scopes {
		if len(key) > len(repo) && key[:len(repo)+1] == repo+"\x00" {
			delete(m.scopes, key)
			delete(m.metas, key)
		}
	}
	return true, nil
}

func (m *memStore) ListScopes(_ context.Context, repo string, filter storage.ListFilter) ([]storage.Scope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	scopes := []storage.Scope{}
	prefix := repo + "\x00"
	for key, sc := range m.scopes {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		name := key[len(prefix):]
		if !filter.Matches(name) {
			continue
		}
		scopes = append(scopes, storage.Scope{
			Name:      name,
			Checksum:  sc.checksum,
			Creator:   sc.creator,
			Timestamp: sc.timestamp,
		})
	}
	return scopes, nil
}

// claim validates and applies a blob claim. Callers must hold the lock and
// must validate every claim before mutating scope state.
func (m *memStore) claim(sid int64, actor string) (*string, error) {
	b, ok := m.blobs[sid]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if b.Owner != actor {
		return nil, storage.ErrForbidden
	}
	b.ExpireAt = nil
	return b.Checksum, nil
}

func (m *memStore) buildObjects(objects map[string]storage.DataRef, by storage.WriteInfo) (map[string]memObject, error) {
	// Validate claims before mutating anything so a failed claim leaves no
	// partial state, mirroring transaction rollback.
	for _, ref := range objects {
		if ref.Kind() != storage.RefBlob {
			continue
		}
		b, ok := m.blobs[ref.SID()]
		if !ok {
			return nil, storage.ErrNotFound
		}
		if b.Owner != by.Creator {
			return nil, storage.ErrForbidden
		}
	}

	built := make(map[string]memObject, len(objects))
	for key, ref := range objects {
		obj := memObject{creator: by.Creator, ts: by.Timestamp}
		if ref.Kind() == storage.RefBlob {
			sid := ref.SID()
			digest, err := m.claim(sid, by.Creator)
			if err != nil {
				return nil, err
			}
			obj.digest = digest
			obj.sid = &sid
		}
		built[key] = obj
	}
	return built, nil
}

func statusLines(objects map[string]memObject) map[string]string {
	lines := make(map[string]string, len(objects))
	for key, obj := range objects {
		lines[key] = checksum.StatusLine(key, obj.digest)
	}
	return lines
}

func (m *memStore) finishScope(sc *memScope, by storage.WriteInfo) storage.Scope {
	if len(sc.objects) > 0 {
		sum := checksum.Aggregate(statusLines(sc.objects))
		sc.checksum = &sum
		creator := by.Creator
		ts := by.Timestamp
		sc.creator = &creator
		sc.timestamp = &ts
	} else {
		sc.checksum = nil
		sc.creator = nil
		sc.timestamp = nil
	}
	return storage.Scope{Checksum: sc.checksum, Creator: sc.creator, Timestamp: sc.timestamp}
}

func (m *memStore) CreateScope(_ context.Context, repo, scope string, objects map[string]storage.DataRef, by storage.WriteInfo) (storage.Scope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.repos[repo]; !ok {
		return storage.Scope{}, storage.ErrNotFound
	}
	key := scopeKey(repo, scope)
	if _, ok := m.scopes[key]; ok {
		return storage.Scope{}, storage.ErrConflict
	}

	built, err := m.buildObjects(objects, by)
	if err != nil {
		return storage.Scope{}, err
	}
	sc := &memScope{objects: built}
	m.scopes[key] = sc
	result := m.finishScope(sc, by)
	result.Name = scope
	return result, nil
}

func checksumMatches(current, expected *string) bool {
	if current == nil || expected == nil {
		return current == nil && expected == nil
	}
	return *current == *expected
}

func (m *memStore) ReplaceScope(_ context.Context, repo, scope string, expected *string, objects map[string]storage.DataRef, by storage.WriteInfo) (storage.Scope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.scopes[scopeKey(repo, scope)]
	if !ok || !checksumMatches(sc.checksum, expected) {
		return storage.Scope{}, storage.ErrNotFound
	}

	built, err := m.buildObjects(objects, by)
	if err != nil {
		return storage.Scope{}, err
	}
	sc.objects = built
	result := m.finishScope(sc, by)
	result.Name = scope
	return result, nil
}

func (m *memStore) PatchScope(_ context.Context, repo, scope string, expected *string, changes map[string]storage.PatchAction, by storage.WriteInfo) (storage.Scope, error) {
	if len(changes) == 0 {
		return storage.Scope{}, storage.ErrNoChanges
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.scopes[scopeKey(repo, scope)]
	if !ok || !checksumMatches(sc.checksum, expected) {
		return storage.Scope{}, storage.ErrNotFound
	}

	upserts := make(map[string]storage.DataRef)
	for key, action := range changes {
		if action.Delete {
			if _, ok := sc.objects[key]; !ok {
				return storage.Scope{}, storage.ErrNotFound
			}
		} else {
			upserts[key] = action.Data
		}
	}

	built, err := m.buildObjects(upserts, by)
	if err != nil {
		return storage.Scope{}, err
	}

	for key, action := range changes {
		if action.Delete {
			delete(sc.objects, key)
		}
	}
	for key, obj := range built {
		sc.objects[key] = obj
	}

	result := m.finishScope(sc, by)
	result.Name = scope
	return result, nil
}

func (m *memStore) DeleteScope(_ context.Context, repo, scope string, expected *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scopeKey(repo, scope)
	sc, ok := m.scopes[key]
	if !ok || !checksumMatches(sc.checksum, expected) {
		return storage.ErrNotFound
	}
	delete(m.scopes, key)
	delete(m.metas, key)
	return nil
}

func (m *memStore) ListObjects(_ context.Context, repo, scope string, filter storage.ListFilter) ([]storage.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	objects := []storage.Object{}
	sc, ok := m.scopes[scopeKey(repo, scope)]
	if !ok {
		return objects, nil
	}
	for key, obj := range sc.objects {
		if !filter.Matches(key) {
			continue
		}
		objects = append(objects, storage.Object{
			Key:       key,
			Checksum:  obj.digest,
			Creator:   obj.creator,
			Timestamp: obj.ts,
		})
	}
	return objects, nil
}

func (m *memStore) ObjectData(_ context.Context, repo, scope, key string) (*int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.scopes[scopeKey(repo, scope)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	obj, ok := sc.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return obj.sid, nil
}

func (m *memStore) UpsertMeta(_ context.Context, repo, scope string, objectKey *string, key string, data storage.DataRef, actor string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	skey := scopeKey(repo, scope)
	sc, ok := m.scopes[skey]
	if !ok {
		return "", storage.ErrNotFound
	}
	if objectKey != nil {
		if _, ok := sc.objects[*objectKey]; !ok {
			return "", storage.ErrNotFound
		}
	}

	var digest *string
	switch data.Kind() {
	case storage.RefBlob:
		d, err := m.claim(data.SID(), actor)
		if err != nil {
			return "", err
		}
		digest = d
	case storage.RefInline:
		d := checksum.Bytes(data.Inline())
		digest = &d
	}

	if m.metas[skey] == nil {
		m.metas[skey] = make(map[string]memMeta)
	}
	mkey := key
	if objectKey != nil {
		mkey = key + "\x00" + *objectKey
	}
	m.metas[skey][mkey] = memMeta{objectKey: objectKey, digest: digest}

	return checksum.MetaStatusLine(key, objectKey, digest), nil
}

func (m *memStore) ListMetas(_ context.Context, repo, scope string) ([]storage.Meta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	metas := []storage.Meta{}
	for mkey, mm := range m.metas[scopeKey(repo, scope)] {
		key := mkey
		if i := bytes.IndexByte([]byte(mkey), 0); i >= 0 {
			key = mkey[:i]
		}
		metas = append(metas, storage.Meta{Key: key, ObjectKey: mm.objectKey, Checksum: mm.digest})
	}
	return metas, nil
}

func (m *memStore) CreateBlob(_ context.Context, owner string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate {
		return 0, storage.ErrInsufficientStorage
	}
	m.nextSID++
	expire := m.now().Add(6 * time.Hour)
	m.blobs[m.nextSID] = &storage.Blob{ID: m.nextSID, Owner: owner, ExpireAt: &expire}
	return m.nextSID, nil
}

func (m *memStore) SetBlobChecksum(_ context.Context, sid int64, digest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[sid]
	if !ok {
		return storage.ErrNotFound
	}
	b.Checksum = &digest
	return nil
}

func (m *memStore) ExpiredBlobIDs(_ context.Context, now time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for sid, b := range m.blobs {
		if b.ExpireAt != nil && b.ExpireAt.Before(now) {
			ids = append(ids, sid)
		}
	}
	return ids, nil
}

func (m *memStore) DeleteBlobRows(_ context.Context, sids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sid := range sids {
		delete(m.blobs, sid)
	}
	return nil
}

// memBackend is an in-memory blob.Backend.
type memBackend struct {
	mu    sync.Mutex
	blobs map[int64][]byte
}

func newMemBackend() *memBackend {
	return &memBackend{blobs: make(map[int64][]byte)}
}

func (b *memBackend) Ensure(context.Context) error { return nil }

func (b *memBackend) Put(_ context.Context, sid int64, r io.Reader, _ int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[sid] = data
	return nil
}

func (b *memBackend) Open(_ context.Context, sid int64) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[sid]
	if !ok {
		return nil, fmt.Errorf("blob %d: %w", sid, blob.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *memBackend) PresignGet(_ context.Context, sid int64, ttl time.Duration) (string, error) {
	return fmt.Sprintf("http://blobs.test/%d?ttl=%d", sid, int64(ttl.Seconds())), nil
}

func (b *memBackend) BulkDelete(_ context.Context, sids []int64) ([]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sid := range sids {
		delete(b.blobs, sid)
	}
	return nil, nil
}
