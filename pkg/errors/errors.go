package errors

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeAccessDenied       Code = "ACCESS_DENIED"
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodeLimitExceeded      Code = "LIMIT_EXCEEDED"
	CodeWindowExpired      Code = "WINDOW_EXPIRED"
	CodeAlreadyConsumed    Code = "ALREADY_CONSUMED"
	CodeTimeout            Code = "TIMEOUT"
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
	CodeMaxRetriesExceeded Code = "MAX_RETRIES_EXCEEDED"
	CodeInternal           Code = "INTERNAL"
)

var (
	ErrNotFound            = New(CodeNotFound, "not found")
	ErrUnauthorized        = New(CodeUnauthenticated, "unauthorized")
	ErrForbidden           = New(CodeAccessDenied, "forbidden")
	ErrBadRequest          = New(CodeInvalidArgument, "bad request")
	ErrInternalServer      = New(CodeInternal, "internal server error")
	ErrConversationGone    = New(CodeNotFound, "conversation not found")
	ErrMessageNotFound     = New(CodeNotFound, "message not found")
	ErrEditWindowExpired   = New(CodeWindowExpired, "edit window has expired")
	ErrUndoExpired         = New(CodeWindowExpired, "undo window has expired")
	ErrUndoConsumed        = New(CodeAlreadyConsumed, "undo token already used")
	ErrInvalidUndoToken    = New(CodeAccessDenied, "invalid undo token")
	ErrStorageUnavailable  = New(CodeStorageUnavailable, "attachment storage unavailable")
	ErrMaxRetriesExceeded  = New(CodeMaxRetriesExceeded, "maximum retry attempts reached")
	ErrEmptyMessage        = New(CodeInvalidArgument, "message must have content or at least one attachment")
	ErrNotParticipant      = New(CodeAccessDenied, "you are not a participant of this conversation")
)

// AppError - ошибка с кодом, который однозначно маппится на HTTP статус
type AppError struct {
	Code    Code                   `json:"code"`
	Message string                 `json:"error"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
	Cause   error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is сравнивает по коду и сообщению, чтобы sentinel-ошибки работали через errors.Is
// даже после WithMeta/Wrap.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Newf(code Code, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func InvalidArgument(format string, args ...interface{}) *AppError {
	return Newf(CodeInvalidArgument, format, args...)
}

func NotFound(format string, args ...interface{}) *AppError {
	return Newf(CodeNotFound, format, args...)
}

func AccessDenied(format string, args ...interface{}) *AppError {
	return Newf(CodeAccessDenied, format, args...)
}

func LimitExceeded(format string, args ...interface{}) *AppError {
	return Newf(CodeLimitExceeded, format, args...)
}

func Internal(message string, cause error) *AppError {
	return Wrap(CodeInternal, message, cause)
}

// WithMeta возвращает копию ошибки с дополнительным полем
func (e *AppError) WithMeta(key string, value interface{}) *AppError {
	cp := *e
	cp.Meta = make(map[string]interface{}, len(e.Meta)+1)
	for k, v := range e.Meta {
		cp.Meta[k] = v
	}
	cp.Meta[key] = value
	return &cp
}

func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

func As(err error) (*AppError, bool) {
	var appErr *AppError
	ok := errors.As(err, &appErr)
	return appErr, ok
}

func HTTPStatusFromError(err error) int {
	switch CodeOf(err) {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeAccessDenied:
		return http.StatusForbidden
	case CodeLimitExceeded:
		return http.StatusTooManyRequests
	case CodeWindowExpired:
		return http.StatusGone
	case CodeAlreadyConsumed:
		return http.StatusConflict
	case CodeMaxRetriesExceeded:
		return http.StatusUnprocessableEntity
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
