// Package errors 定义统一错误码
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误
	CodeOK               Code = "OK"
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidParam     Code = "INVALID_PARAM"
	CodeInvalidRequest   Code = "INVALID_REQUEST"
	CodeNotFound         Code = "NOT_FOUND"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodeInternal         Code = "INTERNAL"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeTimeout          Code = "TIMEOUT"
	CodeRateLimited      Code = "RATE_LIMITED"

	// 签名
	CodeInvalidSignature Code = "INVALID_SIGNATURE"

	// 预订资源
	CodeBookingNotFound     Code = "BOOKING_NOT_FOUND"
	CodeProviderNotFound    Code = "PROVIDER_NOT_FOUND"
	CodeServiceTypeNotFound Code = "SERVICE_TYPE_NOT_FOUND"
	CodePaymentNotFound     Code = "PAYMENT_NOT_FOUND"

	// 状态冲突（guard 失败）
	CodeInvalidState        Code = "INVALID_STATE"
	CodeDeadlinePassed      Code = "DEADLINE_PASSED"
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"
	CodeNoAvailableSlot     Code = "NO_AVAILABLE_SLOT"
	CodeSlotUnavailable     Code = "SLOT_UNAVAILABLE"
	CodeConcurrentUpdate    Code = "CONCURRENT_UPDATE"
	CodeAlreadyPaid         Code = "ALREADY_PAID"

	// 外部依赖
	CodeUpstream Code = "UPSTREAM_ERROR"

	// 幂等重放，不对调用方暴露
	CodeIdempotentReplay Code = "IDEMPOTENT_REPLAY"
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

// Unwrap 返回底层错误
func (e *Error) Unwrap() error {
	return e.cause
}

// Is 按错误码比较，便于 errors.Is(err, ErrBookingNotFound)
func (e *Error) Is(target error) bool {
	var t *Error
	if !stderrors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
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

// NewWithDefault uses the code itself as the message when message is empty.
func NewWithDefault(code Code, message string) *Error {
	if message == "" {
		message = string(code)
	}
	return New(code, message)
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

// From 把任意错误转换为 *Error；未知错误视为 INTERNAL。
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return Wrap(CodeInternal, "internal error", err)
}

// CodeOf returns the code carried by err, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

func IsNotFound(err error) bool {
	switch CodeOf(err) {
	case CodeNotFound, CodeBookingNotFound, CodeProviderNotFound,
		CodeServiceTypeNotFound, CodePaymentNotFound:
		return true
	}
	return false
}

func IsStateConflict(err error) bool {
	switch CodeOf(err) {
	case CodeInvalidState, CodeDeadlinePassed, CodeProviderUnavailable,
		CodeNoAvailableSlot, CodeSlotUnavailable, CodeConcurrentUpdate, CodeAlreadyPaid:
		return true
	}
	return false
}

func IsAuthorization(err error) bool {
	c := CodeOf(err)
	return c == CodePermissionDenied || c == CodeUnauthenticated
}

func IsIdempotentReplay(err error) bool {
	return CodeOf(err) == CodeIdempotentReplay
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeUpstream, CodeTimeout, CodeUnavailable, CodeConcurrentUpdate, CodeRateLimited:
		return true
	default:
		return false
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK, CodeIdempotentReplay:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidRequest, CodeInvalidSignature,
		CodeInvalidState, CodeDeadlinePassed, CodeProviderUnavailable,
		CodeNoAvailableSlot, CodeAlreadyPaid:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound, CodeBookingNotFound, CodeProviderNotFound,
		CodeServiceTypeNotFound, CodePaymentNotFound:
		return http.StatusNotFound
	case CodeSlotUnavailable, CodeConcurrentUpdate:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUpstream:
		return http.StatusBadGateway
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam     = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound         = New(CodeNotFound, "not found")
	ErrBookingNotFound  = New(CodeBookingNotFound, "booking not found")
	ErrUnauthenticated  = New(CodeUnauthenticated, "unauthenticated")
	ErrPermissionDenied = New(CodePermissionDenied, "permission denied")
	ErrSlotUnavailable  = New(CodeSlotUnavailable, "slot is temporarily held by another booking")
	ErrConcurrentUpdate = New(CodeConcurrentUpdate, "booking was modified concurrently")
	ErrInvalidSignature = New(CodeInvalidSignature, "invalid payment signature")
)
