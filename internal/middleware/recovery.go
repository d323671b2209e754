package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/perimeterhq/gateway/internal/errors"
	"github.com/perimeterhq/gateway/internal/logging"
)

// Recovery creates a panic recovery middleware. Panics become 500 JSON
// responses with the stack logged.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logging.Error("Panic recovered",
						zap.Any("error", err),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()),
					)
					errors.ErrInternal.WriteJSON(w)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
