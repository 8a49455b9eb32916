package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"stablecoin/observability"
	"stablecoin/services/stabled/storage"
)

const (
	idempotencyHeader = "Idempotency-Key"
	maxIdempotencyKey = 64
	// idempotencyLease bounds how long a crashed request can hold its key.
	idempotencyLease = 5 * time.Minute
)

// IdempotencyStore persists responses of mutating requests.
type IdempotencyStore interface {
	ReserveIdempotency(ctx context.Context, record *storage.IdempotencyKey, staleAfter time.Duration) (*storage.IdempotencyKey, bool, error)
	CompleteIdempotency(ctx context.Context, key string, status int, response string) error
	ReleaseIdempotency(ctx context.Context, key string) error
}

// withIdempotency executes a mutating request at most once per
// Idempotency-Key. The key is reserved before the handler runs; repeats
// replay the stored response, or get 409 while the first request is still
// executing. Keys are scoped to the authenticated caller. Server errors
// release the key so the request may be retried.
func withIdempotency(store IdempotencyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(idempotencyHeader)
			if key == "" || store == nil || r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKey {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", errIdempotencyKey)
				return
			}
			subject := ""
			if caller, ok := IdentityFromContext(r.Context()); ok {
				subject = caller.String()
			}
			scoped := subject + ":" + key

			record, reserved, err := store.ReserveIdempotency(r.Context(), &storage.IdempotencyKey{
				Key:     scoped,
				Subject: subject,
				Method:  r.Method,
				Path:    r.URL.Path,
			}, idempotencyLease)
			if errors.Is(err, storage.ErrIdempotencyBusy) {
				w.Header().Set("Retry-After", "1")
				writeJSONError(w, http.StatusConflict, "idempotency_in_progress", errIdempotencyPending)
				return
			}
			if err != nil {
				logger.Error("idempotency reserve failed", "error", err)
				writeJSONError(w, http.StatusInternalServerError, "internal", errInternal)
				return
			}
			if !reserved {
				switch {
				case record.Method != r.Method || record.Path != r.URL.Path:
					writeJSONError(w, http.StatusConflict, "idempotency_conflict", errIdempotencyReuse)
				case record.Status == 0:
					w.Header().Set("Retry-After", "1")
					writeJSONError(w, http.StatusConflict, "idempotency_in_progress", errIdempotencyPending)
				default:
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set("Idempotent-Replay", "true")
					w.WriteHeader(record.Status)
					_, _ = io.WriteString(w, record.Response)
				}
				return
			}

			ctx := context.WithoutCancel(r.Context())
			completed := false
			defer func() {
				if completed {
					return
				}
				if err := store.ReleaseIdempotency(ctx, scoped); err != nil {
					logger.Warn("idempotency release failed", "error", err)
				}
			}()

			recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			if recorder.status >= http.StatusInternalServerError {
				return
			}
			// The request has taken effect; an unsaved response leaves the key
			// pending until the lease expires rather than allowing a re-run.
			completed = true
			if err := store.CompleteIdempotency(ctx, scoped, recorder.status, recorder.buf.String()); err != nil {
				logger.Warn("idempotency save failed", "error", err)
			}
		})
	}
}

// responseRecorder captures the response for idempotent replays.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}

// observe records request metrics against the matched route pattern and
// writes one access log line per request.
func observe(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			elapsed := time.Since(start)
			observability.ModuleMetrics().Observe(serviceName, r.Method+" "+route, status, elapsed)
			logger.Info("request",
				"method", r.Method,
				"route", route,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", elapsed.Milliseconds(),
				"request_id", chimw.GetReqID(r.Context()),
			)
		})
	}
}
