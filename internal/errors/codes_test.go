package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

func TestSyncError_IsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("execute: %w", Timeout("req-1"))

	assert.True(t, stderrors.Is(err, ErrTimeout))
	assert.False(t, stderrors.Is(err, ErrClosed))
	assert.True(t, IsTimeout(err))
	assert.Equal(t, ErrCodeTimeout, GetCode(err))
}

func TestSyncError_Unwrap(t *testing.T) {
	cause := stderrors.New("disk I/O error")
	err := InitFailed("site id", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.Equal(t, "site id", err.Details["step"])
	assert.True(t, IsFatal(err))
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, ErrCodeOK, GetCode(nil))
	assert.Equal(t, ErrCodeInternal, GetCode(stderrors.New("plain")))
	assert.Equal(t, ErrCodeRemote, GetCode(Remote("no such table: x", "r1")))
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      *SyncError
		grpcCode codes.Code
		httpCode int
	}{
		{"invalid argument", InvalidArgument("bad sql", nil), codes.InvalidArgument, http.StatusBadRequest},
		{"timeout", Timeout("r"), codes.DeadlineExceeded, http.StatusGatewayTimeout},
		{"remote", Remote("boom", ""), codes.Aborted, http.StatusUnprocessableEntity},
		{"transport", TransportFailed("closed", nil), codes.Unavailable, http.StatusServiceUnavailable},
		{"not running", NotRunning("stopped"), codes.FailedPrecondition, http.StatusServiceUnavailable},
		{"internal", InternalError("x", nil), codes.Internal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.grpcCode, tt.err.ToGRPCStatus().Code())
			assert.Equal(t, tt.httpCode, tt.err.HTTPStatus())
		})
	}
}

func TestErrorCode_String(t *testing.T) {
	assert.Equal(t, "TIMEOUT", ErrCodeTimeout.String())
	assert.Equal(t, "ErrorCode(42)", ErrorCode(42).String())
}
