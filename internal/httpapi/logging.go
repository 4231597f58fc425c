package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"inferd/internal/logging"
)

// zlog is the HTTP layer's logger; Nop until SetLogger is called.
var zlog = zerolog.Nop()

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l }

// requestLogLevel returns the level for this request's access log lines.
// A ?log= query parameter or X-Log-Level header raises or lowers it per request.
func requestLogLevel(r *http.Request) zerolog.Level {
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return zerolog.DebugLevel
		}
		return logging.ParseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return logging.ParseLevel(v)
	}
	return zerolog.InfoLevel
}

// AccessLog writes one start and one end line per request.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lvl := requestLogLevel(r)
		l := zlog.With().Str("path", r.URL.Path).Str("method", r.Method).Logger()
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			l = l.With().Str("request_id", rid).Logger()
		}
		l.WithLevel(zerolog.DebugLevel).Str("event", "request_start").Msg("request start")
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		end := l.WithLevel(lvl)
		if status >= http.StatusInternalServerError {
			end = l.Error()
		}
		end.Str("event", "request_end").Int("status", status).Dur("dur", time.Since(start)).Msg("request end")
	})
}
