package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gudn/sdpremote/internal/storage"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusBadRequest, msg)
}

func unauthorized(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func forbidden(w http.ResponseWriter) {
	writeError(w, http.StatusForbidden, "forbidden")
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

func conflict(w http.ResponseWriter) {
	writeError(w, http.StatusConflict, "already exists")
}

func internalServerError(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func rateLimited(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "10")
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded; please try again in a few seconds")
}

// authError maps identity-resolution failures to 401/403.
func authError(w http.ResponseWriter, err error) {
	if errors.Is(err, errForbidden) {
		forbidden(w)
		return
	}
	unauthorized(w)
}

// storeError translates the storage taxonomy into HTTP statuses. NoChanges is
// handled by callers because it is a distinct non-error signal, not a fault.
func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		notFound(w)
	case errors.Is(err, storage.ErrConflict):
		conflict(w)
	case errors.Is(err, storage.ErrForbidden):
		forbidden(w)
	case errors.Is(err, storage.ErrInsufficientStorage):
		writeError(w, http.StatusInsufficientStorage, "cannot create storage entry")
	default:
		slog.Error("store error", "err", err)
		internalServerError(w)
	}
}

func isJSONContentType(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return len(ct) >= len("application/json") && ct[:len("application/json")] == "application/json"
}

func mapDecodeError(err error) string {
	if err == nil {
		return "invalid json"
	}
	var synErr *json.SyntaxError
	if errors.As(err, &synErr) {
		return "invalid json"
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return "invalid json"
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return "invalid json field type"
	}
	return "invalid request body"
}
