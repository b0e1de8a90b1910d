// Package errors 定义统一错误码
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

const (
	// 通用
	CodeInvalidParam Code = "INVALID_PARAM"
	CodeNotFound     Code = "NOT_FOUND"
	CodeInternal     Code = "INTERNAL"
	CodeUnavailable  Code = "UNAVAILABLE"

	// 下单校验
	CodeInvalidSymbol      Code = "INVALID_SYMBOL"
	CodeInvalidSide        Code = "INVALID_SIDE"
	CodeInvalidOrderType   Code = "INVALID_ORDER_TYPE"
	CodeInvalidTimeInForce Code = "INVALID_TIME_IN_FORCE"
	CodeInvalidPrice       Code = "INVALID_PRICE"
	CodeInvalidQuantity    Code = "INVALID_QUANTITY"

	// 幂等
	CodeIdempotencyConflict Code = "IDEMPOTENCY_CONFLICT"

	// 交易所
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"
	CodeProviderRejected    Code = "PROVIDER_REJECTED"

	// 持久化
	CodePersistenceFailure Code = "PERSISTENCE_FAILURE"

	// 风控
	CodeTradingHalted  Code = "TRADING_HALTED"
	CodeSymbolCooldown Code = "SYMBOL_COOLDOWN"
	CodeVelocityLimit  Code = "VELOCITY_LIMIT"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 包装底层错误
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

// WithRequestID 添加请求 ID
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// As 取出错误链上的 *Error
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether any *Error in err's chain carries code.
func Is(err error, code Code) bool {
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.cause
	}
	return false
}

// CodeOf returns the first code in the chain, or CodeInternal.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

func isRetryable(code Code) bool {
	switch code {
	case CodeUnavailable, CodeProviderUnavailable, CodePersistenceFailure:
		return true
	default:
		return false
	}
}

func httpStatus(code Code) int {
	switch code {
	case CodeInvalidParam, CodeInvalidSymbol, CodeInvalidSide, CodeInvalidOrderType,
		CodeInvalidTimeInForce, CodeInvalidPrice, CodeInvalidQuantity:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeIdempotencyConflict:
		return http.StatusConflict
	case CodeTradingHalted, CodeSymbolCooldown:
		return http.StatusForbidden
	case CodeVelocityLimit:
		return http.StatusTooManyRequests
	case CodeProviderRejected:
		return http.StatusBadGateway
	case CodeUnavailable, CodeProviderUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound     = New(CodeNotFound, "not found")
)
