package storage

import "time"

// Scope is a named, checksummed collection of objects inside a repo.
// Checksum, Creator and Timestamp are null together exactly when the scope
// holds zero objects.
type Scope struct {
	Name      string     `json:"name"`
	Checksum  *string    `json:"checksum"`
	Creator   *string    `json:"creator"`
	Timestamp *time.Time `json:"timestamp"`
}

// Object is a keyed entry of a scope. Checksum is null iff the object carries
// no data reference.
type Object struct {
	Key       string    `json:"key"`
	Checksum  *string   `json:"checksum"`
	Creator   string    `json:"creator"`
	Timestamp time.Time `json:"timestamp"`
}

// Meta is an auxiliary key/value attached to a scope or to one of its
// objects. It references a blob or holds inline bytes, never both.
type Meta struct {
	Key       string  `json:"key"`
	ObjectKey *string `json:"object_key"`
	Checksum  *string `json:"checksum"`
}

// Blob is a storage-table row backing uploaded bytes. ExpireAt is set while
// the blob is pending and cleared the first time a write claims it.
type Blob struct {
	ID       int64
	Owner    string
	Checksum *string
	ExpireAt *time.Time
}

// WriteInfo identifies a write: who performed it and when.
type WriteInfo struct {
	Creator   string
	Timestamp time.Time
}

// DataRefKind discriminates the payload variants of a write.
type DataRefKind int

const (
	// RefNone means the entry has no payload; its checksum becomes null.
	RefNone DataRefKind = iota
	// RefBlob references an uploaded blob by sid; the write claims it.
	RefBlob
	// RefInline carries the bytes directly (meta entries only).
	RefInline
)

// DataRef is the tagged payload of an object or meta write. The zero value
// is RefNone.
type DataRef struct {
	kind   DataRefKind
	sid    int64
	inline []byte
}

func NoData() DataRef              { return DataRef{} }
func BlobRef(sid int64) DataRef    { return DataRef{kind: RefBlob, sid: sid} }
func InlineData(b []byte) DataRef  { return DataRef{kind: RefInline, inline: b} }

func (d DataRef) Kind() DataRefKind { return d.kind }

// SID returns the referenced blob id. Valid only for RefBlob.
func (d DataRef) SID() int64 { return d.sid }

// Inline returns the inline bytes. Valid only for RefInline.
func (d DataRef) Inline() []byte { return d.inline }

// PatchAction is a single per-key instruction of a PATCH: either delete the
// key or upsert it with the given payload.
type PatchAction struct {
	Delete bool
	Data   DataRef
}

func DeleteAction() PatchAction         { return PatchAction{Delete: true} }
func UpsertAction(d DataRef) PatchAction { return PatchAction{Data: d} }

// ListFilter narrows listing by name: exact match or prefix match.
type ListFilter struct {
	Value    string
	IsPrefix bool
}

// Matches reports whether name passes the filter. An empty filter value
// matches everything.
func (f ListFilter) Matches(name string) bool {
	if f.Value == "" {
		return true
	}
	if f.IsPrefix {
		return len(name) >= len(f.Value) && name[:len(f.Value)] == f.Value
	}
	return name == f.Value
}
