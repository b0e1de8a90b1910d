package response

import (
	"fmt"
	"net/http"
	"runtime/debug"

	commonerrors "github.com/exchange/spotbot/pkg/errors"
	"github.com/exchange/spotbot/pkg/logger"
)

type statusWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

// RecoveryMiddleware turns handler panics into a 500 response.
func RecoveryMiddleware(log *logger.Logger) func(http.Handler) http.Handler {
	log = logger.OrNop(log)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &statusWriter{ResponseWriter: w}
			defer func() {
				if v := recover(); v != nil {
					log.Errorf("panic recovered", map[string]interface{}{
						"panic":      fmt.Sprint(v),
						"request_id": RequestIDFromRequest(r),
						"stack":      string(debug.Stack()),
					})
					if !wrapped.wroteHeader {
						WriteErrorCode(wrapped, r, commonerrors.CodeInternal, "internal server error")
					}
				}
			}()
			next.ServeHTTP(wrapped, r)
		})
	}
}
