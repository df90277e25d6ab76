package middleware

import (
	"net/http"
	"time"

	"github.com/felixgeelhaar/bolt/v3"
)

// statusWriter captures the status code and body size.
type statusWriter struct {
	http.ResponseWriter
	status  int
	size    int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

func wrap(w http.ResponseWriter) *statusWriter {
	if sw, ok := w.(*statusWriter); ok {
		return sw
	}
	return &statusWriter{ResponseWriter: w, status: http.StatusOK}
}

// Logger logs one line per request. Server errors log at error level.
func Logger(log *bolt.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := wrap(w)
			next.ServeHTTP(sw, r)

			ev := log.Info()
			if sw.status >= http.StatusInternalServerError {
				ev = log.Error()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", sw.status).
				Int("duration_ms", int(time.Since(start).Milliseconds())).
				Int("size", sw.size).
				Str("request_id", GetRequestID(r.Context())).
				Msg("http request")
		})
	}
}
