// Package response provides common HTTP response helpers.
package response

import (
	"encoding/json"
	"net/http"
	"strings"

	commonerrors "github.com/exchange/spotbot/pkg/errors"
)

const requestIDHeader = "X-Request-ID"

// RequestIDFromRequest 读取请求头中的 request id
func RequestIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Header.Get(requestIDHeader))
}

// WriteError writes a structured error response. Errors without a code are
// reported as INTERNAL and their text is not leaked.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	if w == nil || err == nil {
		return
	}
	ce, ok := commonerrors.As(err)
	if !ok {
		ce = commonerrors.New(commonerrors.CodeInternal, "internal server error")
	}
	payload := *ce
	if reqID := RequestIDFromRequest(r); reqID != "" {
		payload.RequestID = reqID
	}
	WriteJSON(w, payload.HTTPStatus(), &payload)
}

// WriteErrorCode writes an error response using error code and message.
func WriteErrorCode(w http.ResponseWriter, r *http.Request, code commonerrors.Code, message string) {
	WriteError(w, r, commonerrors.New(code, message))
}

// WriteJSON writes payload with status.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
