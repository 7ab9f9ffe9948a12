package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for sync operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeNotRunning      ErrorCode = 1001
	ErrCodeClosed          ErrorCode = 1002

	// Recoverable failures
	ErrCodeTimeout     ErrorCode = 2000
	ErrCodeRemote      ErrorCode = 2001
	ErrCodeApplyFailed ErrorCode = 2002
	ErrCodeNotReady    ErrorCode = 2003

	// Fatal failures
	ErrCodeInternal   ErrorCode = 3000
	ErrCodeInitFailed ErrorCode = 3001
	ErrCodeTransport  ErrorCode = 3002
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:              "OK",
	ErrCodeInvalidArgument: "INVALID_ARGUMENT",
	ErrCodeNotRunning:      "NOT_RUNNING",
	ErrCodeClosed:          "CLOSED",
	ErrCodeTimeout:         "TIMEOUT",
	ErrCodeRemote:          "REMOTE_ERROR",
	ErrCodeApplyFailed:     "APPLY_FAILED",
	ErrCodeNotReady:        "NOT_READY",
	ErrCodeInternal:        "INTERNAL",
	ErrCodeInitFailed:      "INIT_FAILED",
	ErrCodeTransport:       "TRANSPORT_FAILED",
}

// String returns the symbolic name of the code.
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// SyncError represents a structured error with code and context
type SyncError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Sentinels for errors.Is comparisons. Matching is by code.
var (
	ErrTimeout    = &SyncError{Code: ErrCodeTimeout, Message: "request timed out"}
	ErrClosed     = &SyncError{Code: ErrCodeClosed, Message: "closed"}
	ErrNotRunning = &SyncError{Code: ErrCodeNotRunning, Message: "not running"}
	ErrNotReady   = &SyncError{Code: ErrCodeNotReady, Message: "not ready"}
)

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is matches any SyncError carrying the same code.
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	return ok && t.Code == e.Code
}

// ToGRPCStatus converts SyncError to gRPC status
func (e *SyncError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *SyncError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeTimeout:
		return codes.DeadlineExceeded
	case ErrCodeNotRunning, ErrCodeNotReady:
		return codes.FailedPrecondition
	case ErrCodeClosed:
		return codes.Canceled
	case ErrCodeTransport:
		return codes.Unavailable
	case ErrCodeRemote, ErrCodeApplyFailed:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// HTTPStatus maps the code onto an HTTP status for the tab API.
func (e *SyncError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeNotRunning, ErrCodeNotReady, ErrCodeClosed, ErrCodeTransport:
		return http.StatusServiceUnavailable
	case ErrCodeRemote, ErrCodeApplyFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// NewSyncError creates a new SyncError
func NewSyncError(code ErrorCode, message string, cause error) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *SyncError) WithDetail(key string, value interface{}) *SyncError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInvalidArgument, message, cause)
}

func Timeout(requestID string) *SyncError {
	return NewSyncError(ErrCodeTimeout, fmt.Sprintf("request %s timed out", requestID), nil).
		WithDetail("request_id", requestID)
}

// Remote wraps an error message reported by the worker.
func Remote(message, requestID string) *SyncError {
	e := NewSyncError(ErrCodeRemote, message, nil)
	if requestID != "" {
		e.WithDetail("request_id", requestID)
	}
	return e
}

func ApplyFailed(table string, cause error) *SyncError {
	return NewSyncError(ErrCodeApplyFailed, "failed to apply changes", cause).
		WithDetail("table", table)
}

func InitFailed(step string, cause error) *SyncError {
	return NewSyncError(ErrCodeInitFailed, fmt.Sprintf("initialization failed at %s", step), cause).
		WithDetail("step", step)
}

func TransportFailed(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeTransport, message, cause)
}

func Closed(what string) *SyncError {
	return NewSyncError(ErrCodeClosed, fmt.Sprintf("%s is closed", what), nil)
}

func NotRunning(state string) *SyncError {
	return NewSyncError(ErrCodeNotRunning, fmt.Sprintf("sync client is %s", state), nil).
		WithDetail("state", state)
}

func NotReady(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeNotReady, message, cause)
}

func InternalError(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInternal, message, cause)
}

// IsSyncError checks if an error is (or wraps) a SyncError
func IsSyncError(err error) bool {
	var se *SyncError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error chain
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *SyncError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool {
	return GetCode(err) == ErrCodeTimeout
}

// IsFatal reports whether err should tear down the owning instance.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case ErrCodeInitFailed, ErrCodeTransport:
		return true
	}
	return false
}

// AsSyncError returns the first SyncError in err's chain.
func AsSyncError(err error) (*SyncError, bool) {
	var se *SyncError
	ok := stderrors.As(err, &se)
	return se, ok
}
