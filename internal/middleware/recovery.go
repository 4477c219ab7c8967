package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/trac-platform/gateway/internal/errors"
	"github.com/trac-platform/gateway/internal/logging"
	"go.uber.org/zap"
)

// Recovery creates a panic recovery middleware. Panics become 500 responses;
// the stack goes to the log, never to the client.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logging.Error("Panic recovered",
						zap.Any("error", err),
						zap.ByteString("stack", debug.Stack()),
					)

					gwErr := errors.ErrInternal.WithDetails(fmt.Sprintf("panic: %v", err))
					if reqID := w.Header().Get(RequestIDHeader); reqID != "" {
						gwErr = gwErr.WithRequestID(reqID)
					}
					gwErr.WriteJSON(w)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
