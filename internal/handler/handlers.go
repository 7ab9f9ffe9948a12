// Package handler provides HTTP request handlers for the tab API.
package handler

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/tabsync/internal/errors"
	"github.com/devrev/tabsync/internal/middleware"
	"github.com/devrev/tabsync/internal/model"
	"github.com/devrev/tabsync/internal/service"
	"github.com/devrev/tabsync/internal/store"
)

// SyncClient is the part of the sync client the API exposes.
type SyncClient interface {
	Execute(ctx context.Context, sql string, args ...any) (model.ExecResult, error)
	ExecuteLocal(ctx context.Context, sql string, args ...any) (model.ExecResult, error)
	Query(ctx context.Context, sql string, args ...any) ([]store.Row, error)
	RequestSync(ctx context.Context) error
	TriggerSync(ctx context.Context) error
	Status() service.Status
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	client  SyncClient
	logger  *zap.Logger
	timeout time.Duration
}

// NewHandlers creates a new Handlers instance. timeout bounds each call
// into the sync client.
func NewHandlers(client SyncClient, logger *zap.Logger, timeout time.Duration) *Handlers {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handlers{client: client, logger: logger, timeout: timeout}
}

// StatementRequest is the body of /v1/exec and /v1/query.
type StatementRequest struct {
	SQL  string `json:"sql"`
	Args []any  `json:"args,omitempty"`
	// Local runs the statement against this tab's replica only.
	Local bool `json:"local,omitempty"`
}

// ExecResponse is returned by /v1/exec.
type ExecResponse struct {
	Status       string `json:"status"`
	RowsAffected int64  `json:"rows_affected"`
	LastInsertID int64  `json:"last_insert_id"`
}

// QueryResponse is returned by /v1/query.
type QueryResponse struct {
	Status string      `json:"status"`
	Rows   []store.Row `json:"rows"`
}

// StatusResponse is returned by /v1/status and the sync endpoints.
type StatusResponse struct {
	Status string         `json:"status"`
	Client service.Status `json:"client"`
}

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Exec handles POST /v1/exec.
func (h *Handlers) Exec(w http.ResponseWriter, r *http.Request) {
	req, err := decodeStatement(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run := h.client.Execute
	if req.Local {
		run = h.client.ExecuteLocal
	}
	res, err := run(ctx, req.SQL, req.Args...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ExecResponse{
		Status:       "ok",
		RowsAffected: res.RowsAffected,
		LastInsertID: res.LastInsertID,
	})
}

// Query handles POST /v1/query. Reads are served by the local replica.
func (h *Handlers) Query(w http.ResponseWriter, r *http.Request) {
	req, err := decodeStatement(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	rows, err := h.client.Query(ctx, req.SQL, req.Args...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []store.Row{}
	}
	h.writeJSON(w, http.StatusOK, QueryResponse{Status: "ok", Rows: rows})
}

// Sync handles POST /v1/sync: pull the worker's full change log.
func (h *Handlers) Sync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.client.RequestSync(ctx); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, StatusResponse{Status: "ok", Client: h.client.Status()})
}

// TriggerSync handles POST /v1/trigger-sync: publish unsent local changes.
func (h *Handlers) TriggerSync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.client.TriggerSync(ctx); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, StatusResponse{Status: "ok", Client: h.client.Status()})
}

// Status handles GET /v1/status.
func (h *Handlers) Status(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, StatusResponse{Status: "ok", Client: h.client.Status()})
}

// NotFound answers unknown routes in the API's error format.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeErrorResponse(w, r, http.StatusNotFound, "NOT_FOUND", "endpoint not found")
}

// MethodNotAllowed answers known routes hit with the wrong method.
func (h *Handlers) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeErrorResponse(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
}

func decodeStatement(r *http.Request) (StatementRequest, error) {
	var req StatementRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return req, errors.InvalidArgument("malformed request body", err)
	}
	if req.SQL == "" {
		return req, errors.InvalidArgument("sql is required", nil)
	}
	for i, arg := range req.Args {
		v, err := scalarArg(arg)
		if err != nil {
			return req, errors.InvalidArgument(fmt.Sprintf("argument %d", i), err)
		}
		req.Args[i] = v
	}
	return req, nil
}

// scalarArg turns a decoded JSON value into a statement argument.
// Integral numbers stay integers so they bind as INTEGER.
func scalarArg(v any) (any, error) {
	switch n := v.(type) {
	case nil, bool, string:
		return n, nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		return n.Float64()
	default:
		return nil, fmt.Errorf("unsupported argument type %T", v)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, errors.ErrCodeInternal.String()
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, errors.ErrCodeTimeout.String()
	case stderrors.Is(err, context.Canceled):
		status, code = http.StatusServiceUnavailable, errors.ErrCodeClosed.String()
	default:
		if se, ok := errors.AsSyncError(err); ok {
			status, code = se.HTTPStatus(), se.Code.String()
		}
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.RequestIDFrom(r.Context())),
			zap.Error(err))
	}
	h.writeErrorResponse(w, r, status, code, err.Error())
}

func (h *Handlers) writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Status:    "error",
		ErrorCode: code,
		Message:   message,
		RequestID: r.Header.Get(middleware.HeaderRequestID),
	})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}
