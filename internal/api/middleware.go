package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

const eventsPath = "/api/v1/events"

// requestLogger logs every request tagged with the session label. Health
// probes log at debug. Event streams log when they open, since they stay
// open for the client's lifetime.
func requestLogger(sessionLabel string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := middleware.GetReqID(r.Context())
			stream := r.URL.Path == eventsPath
			if stream {
				slog.Info("event stream opened",
					"session", sessionLabel,
					"kinds", r.URL.Query().Get("kinds"),
					"last_event_id", r.Header.Get("Last-Event-ID"),
					"remote", r.RemoteAddr,
					"request_id", reqID,
				)
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			level := slog.LevelInfo
			switch {
			case ww.Status() >= http.StatusInternalServerError:
				level = slog.LevelWarn
			case r.URL.Path == "/health":
				level = slog.LevelDebug
			}
			msg := "http request"
			if stream {
				msg = "event stream closed"
			}
			slog.Log(r.Context(), level, msg,
				"session", sessionLabel,
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"remote", r.RemoteAddr,
				"request_id", reqID,
			)
		})
	}
}
