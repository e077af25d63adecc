package log

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// NewHandler attaches a copy of the global logger to every request context.
func NewHandler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Copy so UpdateContext does not race across requests.
			l := logger.With().Logger()
			next.ServeHTTP(w, r.WithContext(l.WithContext(r.Context())))
		})
	}
}

// RequestFieldsHandler adds the chi request id and the remote host to the
// context logger. It is a no-op unless NewHandler ran first; run it after
// middleware.RequestID.
func RequestFieldsHandler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l := zerolog.Ctx(r.Context())
			if l == &logger {
				next.ServeHTTP(w, r)
				return
			}
			l.UpdateContext(func(c zerolog.Context) zerolog.Context {
				if id := middleware.GetReqID(r.Context()); id != "" {
					c = c.Str("request_id", id)
				}
				if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
					c = c.Str("ip", host)
				} else if r.RemoteAddr != "" {
					c = c.Str("ip", r.RemoteAddr)
				}
				return c
			})
			next.ServeHTTP(w, r)
		})
	}
}

// AccessHandler logs one line per request with method, path, status, size
// and duration.
func AccessHandler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			l := Ctx(r.Context())
			lvl := zerolog.InfoLevel
			if status >= http.StatusInternalServerError {
				lvl = zerolog.ErrorLevel
			}
			l.WithLevel(lvl).Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("size", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}
