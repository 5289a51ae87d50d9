package api

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"
)

// withMiddleware wraps the router with panic recovery and request logging.
// Responses are JSON or raw blob bytes, never rendered markup, so nosniff is
// the only response-header policy the service needs.
func withMiddleware(h http.Handler) http.Handler {
	// Recovery sits inside the logger so a panicked request still produces a
	// log line with its 500.
	return requestLogger(recoverer(h))
}

// responseTracker captures the status and byte count for the request log.
type responseTracker struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (t *responseTracker) WriteHeader(code int) {
	if t.status == 0 {
		t.status = code
	}
	t.ResponseWriter.WriteHeader(code)
}

func (t *responseTracker) Write(p []byte) (int, error) {
	if t.status == 0 {
		t.status = http.StatusOK
	}
	n, err := t.ResponseWriter.Write(p)
	t.bytes += n
	return n, err
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-Id")
		if rid == "" {
			rid = newRequestID()
		}
		w.Header().Set("X-Request-Id", rid)
		w.Header().Set("X-Content-Type-Options", "nosniff")

		tracker := &responseTracker{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(tracker, r)

		slog.Info("request",
			"rid", rid,
			"method", r.Method,
			"path", r.URL.Path,
			"status", tracker.status,
			"bytes", tracker.bytes,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	})
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("panic serving request",
					"method", r.Method,
					"path", r.URL.Path,
					"recover", rec,
				)
				internalServerError(w)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// newRequestID returns 8 random bytes hex encoded, enough to correlate log
// lines within one process's lifetime.
func newRequestID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b[:])
}
