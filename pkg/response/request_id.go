package response

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// RequestIDMiddleware 沿用调用方的 request id，没有则生成一个，同时写回请求头和响应头
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := RequestIDFromRequest(r)
		if id == "" {
			id = strings.ReplaceAll(uuid.NewString(), "-", "")
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}
