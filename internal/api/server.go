package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gudn/sdpremote/internal/blob"
	"github.com/gudn/sdpremote/internal/blob/filestore"
	"github.com/gudn/sdpremote/internal/config"
	"github.com/gudn/sdpremote/internal/ratelimit"
	"github.com/gudn/sdpremote/internal/storage"
)

const writeTimeout = 30 * time.Second

type Server struct {
	cfg     config.Config
	store   storage.Store
	backend blob.Backend

	// signer verifies presigned blob URLs served through /blobs. nil when
	// the configured backend issues externally-served URLs.
	signer *filestore.Signer

	uploadLimiter *ratelimit.Limiter

	mux *http.ServeMux
}

func NewServer(cfg config.Config, store storage.Store, backend blob.Backend, signer *filestore.Signer) *Server {
	mux := http.NewServeMux()

	s := &Server{
		cfg:     cfg,
		store:   store,
		backend: backend,
		signer:  signer,
		// Uploads allocate storage rows before streaming; keep them behind
		// a per-identity bucket.
		uploadLimiter: ratelimit.New(2.0, 10),
		mux:           mux,
	}

	s.uploadLimiter.StartGC(2*time.Minute, 10*time.Minute)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /{$}", s.handleIndex)

	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /blobs/{sid}", s.handleServeBlob)

	mux.HandleFunc("POST /{user}/{repo}", s.handleCreateRepo)
	mux.HandleFunc("DELETE /{user}/{repo}", s.handleDeleteRepo)
	mux.HandleFunc("GET /{user}/{repo}", s.handleListScopes)

	mux.HandleFunc("POST /{user}/{repo}/{scope}", s.handleCreateScope)
	mux.HandleFunc("PUT /{user}/{repo}/{scope}", s.handleReplaceScope)
	mux.HandleFunc("PATCH /{user}/{repo}/{scope}", s.handlePatchScope)
	mux.HandleFunc("DELETE /{user}/{repo}/{scope}", s.handleDeleteScope)
	mux.HandleFunc("GET /{user}/{repo}/{scope}", s.handleListObjects)

	mux.HandleFunc("GET /{user}/{repo}/{scope}/meta", s.handleListMetas)
	mux.HandleFunc("PUT /{user}/{repo}/{scope}/meta/{key}", s.handlePutScopeMeta)
	mux.HandleFunc("PUT /{user}/{repo}/{scope}/{okey}/meta/{key}", s.handlePutObjectMeta)

	mux.HandleFunc("GET /{user}/{repo}/{scope}/{key}/data", s.handleObjectData)

	return s
}

func (s *Server) Handler() http.Handler {
	return withMiddleware(s.mux)
}

// Close stops background goroutines. Safe to call multiple times.
func (s *Server) Close() {
	s.uploadLimiter.Stop()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "sdpremote")
}

func (s *Server) handleCreateRepo(w http.ResponseWriter, r *http.Request) {
	if _, err := resolveIdentity(r); err != nil {
		authError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	defer cancel()

	if err := s.store.CreateRepo(ctx, repoName(r)); err != nil {
		storeError(w, err)
		return
	}
	writeText(w, http.StatusCreated, "created")
}

func (s *Server) handleDeleteRepo(w http.ResponseWriter, r *http.Request) {
	if _, err := resolveIdentity(r); err != nil {
		authError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	defer cancel()

	deleted, err := s.store.DeleteRepo(ctx, repoName(r))
	if err != nil {
		storeError(w, err)
		return
	}
	if !deleted {
		notFound(w)
		return
	}
	writeText(w, http.StatusOK, "deleted")
}

func (s *Server) handleListScopes(w http.ResponseWriter, r *http.Request) {
	if _, err := resolveIdentity(r); err != nil {
		authError(w, err)
		return
	}

	scopes, err := s.store.ListScopes(r.Context(), repoName(r), listFilter(r, "scope"))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scopes)
}

func (s *Server) handleCreateScope(w http.ResponseWriter, r *http.Request) {
	login, err := resolveIdentity(r)
	if err != nil {
		authError(w, err)
		return
	}

	var req scopeNew
	if !decodeBody(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	defer cancel()

	sc, err := s.store.CreateScope(ctx, repoName(r), r.PathValue("scope"), req.dataRefs(), storage.WriteInfo{
		Creator:   useSuffix(login, req.CreatorSuffix),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (s *Server) handleReplaceScope(w http.ResponseWriter, r *http.Request) {
	login, err := resolveIdentity(r)
	if err != nil {
		authError(w, err)
		return
	}

	var req scopeNew
	if !decodeBody(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	defer cancel()

	sc, err := s.store.ReplaceScope(ctx, repoName(r), r.PathValue("scope"), expectedChecksum(r), req.dataRefs(), storage.WriteInfo{
		Creator:   useSuffix(login, req.CreatorSuffix),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusResetContent, sc)
}

func (s *Server) handlePatchScope(w http.ResponseWriter, r *http.Request) {
	login, err := resolveIdentity(r)
	if err != nil {
		authError(w, err)
		return
	}

	var req scopePatch
	if !decodeBody(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	defer cancel()

	sc, err := s.store.PatchScope(ctx, repoName(r), r.PathValue("scope"), expectedChecksum(r), req.actions(), storage.WriteInfo{
		Creator:   useSuffix(login, req.CreatorSuffix),
		Timestamp: time.Now().UTC(),
	})
	if errors.Is(err, storage.ErrNoChanges) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sc)
}

func (s *Server) handleDeleteScope(w http.ResponseWriter, r *http.Request) {
	if _, err := resolveIdentity(r); err != nil {
		authError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	defer cancel()

	if err := s.store.DeleteScope(ctx, repoName(r), r.PathValue("scope"), expectedChecksum(r)); err != nil {
		storeError(w, err)
		return
	}
	writeText(w, http.StatusOK, "deleted")
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	if _, err := resolveIdentity(r); err != nil {
		authError(w, err)
		return
	}

	objects, err := s.store.ListObjects(r.Context(), repoName(r), r.PathValue("scope"), listFilter(r, "key"))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, objects)
}

func (s *Server) handleObjectData(w http.ResponseWriter, r *http.Request) {
	if _, err := resolveIdentity(r); err != nil {
		authError(w, err)
		return
	}

	sid, err := s.store.ObjectData(r.Context(), repoName(r), r.PathValue("scope"), r.PathValue("key"))
	if err != nil {
		storeError(w, err)
		return
	}
	if sid == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	url, err := s.backend.PresignGet(r.Context(), *sid, s.cfg.BlobPresignTTL)
	if err != nil {
		slog.Error("presign error", "err", err, "sid", *sid)
		internalServerError(w)
		return
	}
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

func (s *Server) handlePutScopeMeta(w http.ResponseWriter, r *http.Request) {
	s.putMeta(w, r, nil)
}

func (s *Server) handlePutObjectMeta(w http.ResponseWriter, r *http.Request) {
	okey := r.PathValue("okey")
	s.putMeta(w, r, &okey)
}

func (s *Server) putMeta(w http.ResponseWriter, r *http.Request, objectKey *string) {
	login, err := resolveIdentity(r)
	if err != nil {
		authError(w, err)
		return
	}

	var req metaPut
	if !decodeBody(w, r, &req) {
		return
	}
	data, err := req.dataRef()
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	defer cancel()

	line, err := s.store.UpsertMeta(ctx, repoName(r), r.PathValue("scope"), objectKey, r.PathValue("key"), data, login)
	if err != nil {
		storeError(w, err)
		return
	}
	writeText(w, http.StatusOK, line)
}

func (s *Server) handleListMetas(w http.ResponseWriter, r *http.Request) {
	if _, err := resolveIdentity(r); err != nil {
		authError(w, err)
		return
	}

	metas, err := s.store.ListMetas(r.Context(), repoName(r), r.PathValue("scope"))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metas)
}

// handleUpload allocates a storage row, streams the multipart payload to the
// backend while hashing it in one pass, and records the digest. The blob
// stays pending until a later object or meta write claims it; if nobody does,
// the sweeper reclaims it after expiry.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	login, err := resolveIdentity(r)
	if err != nil {
		authError(w, err)
		return
	}
	if !s.uploadLimiter.Allow(login) {
		rateLimited(w)
		return
	}

	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/form-data") {
		writeError(w, http.StatusUnsupportedMediaType, "multipart/form-data required")
		return
	}

	maxBytes := s.cfg.UploadMaxBytes
	if maxBytes <= 0 {
		maxBytes = 256 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	f, hdr, err := r.FormFile("obj")
	if err != nil {
		badRequest(w, "multipart field \"obj\" is required")
		return
	}
	defer f.Close()

	sid, err := s.store.CreateBlob(r.Context(), login)
	if err != nil {
		storeError(w, err)
		return
	}

	hasher := sha256.New()
	if err := s.backend.Put(r.Context(), sid, io.TeeReader(f, hasher), hdr.Size); err != nil {
		slog.Error("blob upload error", "err", err, "sid", sid)
		internalServerError(w)
		return
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if err := s.store.SetBlobChecksum(r.Context(), sid, digest); err != nil {
		storeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, uploadedResponse{SID: sid})
}

// handleServeBlob serves presigned blob URLs issued by the filestore
// backend. Possession of a valid, unexpired signature is the only credential.
func (s *Server) handleServeBlob(w http.ResponseWriter, r *http.Request) {
	if s.signer == nil {
		notFound(w)
		return
	}

	sid, err := strconv.ParseInt(r.PathValue("sid"), 10, 64)
	if err != nil {
		notFound(w)
		return
	}
	expires, err := strconv.ParseInt(r.URL.Query().Get("expires"), 10, 64)
	if err != nil || !s.signer.VerifyGet(sid, expires, r.URL.Query().Get("sig")) {
		forbidden(w)
		return
	}

	rc, err := s.backend.Open(r.Context(), sid)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			notFound(w)
			return
		}
		slog.Error("open blob error", "err", err, "sid", sid)
		internalServerError(w)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.Copy(w, rc)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if !isJSONContentType(r) {
		badRequest(w, "content-type must be application/json")
		return false
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	// Unknown body fields are ignored, not rejected.
	dec := json.NewDecoder(r.Body)

	if err := dec.Decode(v); err != nil {
		badRequest(w, mapDecodeError(err))
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		badRequest(w, "invalid json")
		return false
	}
	return true
}

// expectedChecksum reads the precondition checksum from the query string. An
// absent or empty parameter means the caller expects an empty scope.
func expectedChecksum(r *http.Request) *string {
	v := r.URL.Query().Get("checksum")
	if v == "" {
		return nil
	}
	return &v
}

func listFilter(r *http.Request, param string) storage.ListFilter {
	q := r.URL.Query()
	isPrefix := true
	if v := q.Get("is_prefix"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			isPrefix = b
		}
	}
	return storage.ListFilter{Value: q.Get(param), IsPrefix: isPrefix}
}
