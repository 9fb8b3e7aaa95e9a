package app

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/internal/core/constants"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDFromContext retrieves the request ID placed by the middleware
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// responseWriter captures status and size for the access log. Flush must be
// forwarded or event streams arrive in bursts.
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += int64(n)
	return n, err
}

func (rw *responseWriter) WriteHeader(s int) {
	rw.status = s
	rw.ResponseWriter.WriteHeader(s)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (a *App) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(constants.HeaderXRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
			r.Header.Set(constants.HeaderXRequestID, requestID)
		}
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set(constants.HeaderRequestIDEcho, requestID)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if rec := recover(); rec != nil {
				slog.Default().Error("handler panic",
					constants.ContextRequestIdKey, requestID,
					"path", r.URL.Path,
					"panic", rec,
					"stack", string(debug.Stack()))
				if wrapped.size == 0 {
					http.Error(wrapped, `{"error":{"message":"internal error"}}`, http.StatusInternalServerError)
				}
			}
		}()

		next.ServeHTTP(wrapped, r.WithContext(ctx))

		if a.cfg.Server.RequestLogging {
			a.log.GetUnderlying().Info("request completed",
				constants.ContextRequestIdKey, requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"response_bytes", wrapped.size,
				"duration_ms", time.Since(start).Milliseconds(),
				"user_agent", r.UserAgent())
		}
	})
}
