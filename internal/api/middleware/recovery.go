package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/felixgeelhaar/bolt/v3"

	"github.com/rcliao/tiered-memory/internal/api/response"
)

// Recovery turns a handler panic into a 500 response.
func Recovery(log *bolt.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error().
						Str("panic", fmt.Sprint(rec)).
						Str("method", r.Method).
						Str("path", r.URL.Path).
						Str("stack", string(debug.Stack())).
						Msg("panic recovered")

					response.Error(w,
						http.StatusInternalServerError,
						response.ErrCodeInternalServer,
						"internal server error",
						GetRequestID(r.Context()),
					)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
