// Package filestore is a filesystem blob backend. Blobs live in two-level
// sharded directories derived from the sid, are written through a temp file
// and renamed into place so a blob is either fully present or absent, and are
// zstd-compressed at rest. Digests are always computed over the uploaded
// plaintext, never the compressed form.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/gudn/sdpremote/internal/blob"
)

const (
	tempDirName = ".tmp"
	blobDirName = "blobs"

	bulkDeleteConcurrency = 8
)

type Store struct {
	root    string
	presign *Signer
}

// New creates a filestore rooted at root. The signer issues and verifies
// presigned GET URLs served back through the API server.
func New(root string, presign *Signer) *Store {
	return &Store{root: filepath.Clean(root), presign: presign}
}

func (s *Store) Ensure(_ context.Context) error {
	if err := os.MkdirAll(filepath.Join(s.root, blobDirName), 0o755); err != nil {
		return fmt.Errorf("creating blobs directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(s.root, tempDirName), 0o755); err != nil {
		return fmt.Errorf("creating temp directory: %w", err)
	}
	return nil
}

// Put streams r into a temp file through a zstd encoder, then renames the
// result into its sharded location. size is advisory and unused; the caller
// owns digest computation.
func (s *Store) Put(ctx context.Context, sid int64, r io.Reader, _ int64) error {
	tmp, err := os.CreateTemp(filepath.Join(s.root, tempDirName), "put-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("zstd writer: %w", err)
	}

	if _, err := io.Copy(enc, r); err != nil {
		enc.Close()
		tmp.Close()
		return fmt.Errorf("writing blob %d: %w", sid, err)
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing blob %d: %w", sid, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	dest := s.path(sid)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating shard directory: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("committing blob %d: %w", sid, err)
	}
	return nil
}

type decodeReadCloser struct {
	dec *zstd.Decoder
	f   *os.File
}

func (d *decodeReadCloser) Read(p []byte) (int, error) { return d.dec.Read(p) }

func (d *decodeReadCloser) Close() error {
	d.dec.Close()
	return d.f.Close()
}

func (s *Store) Open(_ context.Context, sid int64) (io.ReadCloser, error) {
	f, err := os.Open(s.path(sid))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("blob %d: %w", sid, blob.ErrNotFound)
		}
		return nil, fmt.Errorf("open blob %d: %w", sid, err)
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("zstd reader for blob %d: %w", sid, err)
	}
	return &decodeReadCloser{dec: dec, f: f}, nil
}

func (s *Store) PresignGet(_ context.Context, sid int64, ttl time.Duration) (string, error) {
	if s.presign == nil {
		return "", errors.New("filestore: no signer configured")
	}
	return s.presign.SignGet(sid, ttl), nil
}

// BulkDelete removes blobs with bounded concurrency and reports the sids that
// could not be removed. A missing file counts as deleted.
func (s *Store) BulkDelete(ctx context.Context, sids []int64) ([]int64, error) {
	var mu sync.Mutex
	var failed []int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkDeleteConcurrency)

	for _, sid := range sids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				mu.Lock()
				failed = append(failed, sid)
				mu.Unlock()
				return nil
			}
			err := os.Remove(s.path(sid))
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				mu.Lock()
				failed = append(failed, sid)
				mu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait()
	return failed, nil
}

// path shards by the low byte of the sid so directories stay small without
// needing to hash the id.
func (s *Store) path(sid int64) string {
	shard := fmt.Sprintf("%02x", byte(sid))
	return filepath.Join(s.root, blobDirName, shard, strconv.FormatInt(sid, 10)+".zst")
}
