package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/opencode-ai/toolstream/internal/eventlog"
	"github.com/opencode-ai/toolstream/internal/mcp"
	"github.com/opencode-ai/toolstream/internal/session"
	"github.com/opencode-ai/toolstream/pkg/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse = types.ErrorResponse

// ErrorDetail contains error details.
type ErrorDetail = types.ErrorDetail

// Error codes
const (
	ErrCodeInvalidRequest  = types.ErrCodeInvalidRequest
	ErrCodeSessionNotFound = types.ErrCodeSessionNotFound
	ErrCodeReplayGap       = types.ErrCodeReplayGap
	ErrCodeAttachConflict  = types.ErrCodeAttachConflict
	ErrCodeAuthExpired     = types.ErrCodeAuthExpired
	ErrCodeDuplicate       = types.ErrCodeDuplicate
	ErrCodeUnknownChannel  = types.ErrCodeUnknownChannel
	ErrCodeShuttingDown    = types.ErrCodeShuttingDown
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeInternalError   = types.ErrCodeInternal
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeSessionError maps session layer errors to HTTP responses.
func writeSessionError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrAuthExpired):
		return http.StatusUnauthorized, ErrCodeAuthExpired
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, ErrCodeSessionNotFound
	case errors.Is(err, eventlog.ErrReplayGap):
		return http.StatusGone, ErrCodeReplayGap
	case errors.Is(err, session.ErrChannelAttachConflict):
		return http.StatusConflict, ErrCodeAttachConflict
	case errors.Is(err, session.ErrDuplicateRequest):
		return http.StatusConflict, ErrCodeDuplicate
	case errors.Is(err, session.ErrUnknownChannel), errors.Is(err, eventlog.ErrUnknownChannel):
		return http.StatusNotFound, ErrCodeUnknownChannel
	case errors.Is(err, session.ErrShuttingDown):
		return http.StatusServiceUnavailable, ErrCodeShuttingDown
	case errors.Is(err, mcp.ErrInvalidMessage), errors.Is(err, eventlog.ErrMalformedID):
		return http.StatusBadRequest, ErrCodeInvalidRequest
	default:
		return http.StatusInternalServerError, ErrCodeInternalError
	}
}
