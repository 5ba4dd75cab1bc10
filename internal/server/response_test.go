package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opencode-ai/toolstream/internal/eventlog"
	"github.com/opencode-ai/toolstream/internal/mcp"
	"github.com/opencode-ai/toolstream/internal/session"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: %w", session.ErrAuthExpired, errors.New("bad token")), http.StatusUnauthorized, ErrCodeAuthExpired},
		{session.ErrSessionNotFound, http.StatusNotFound, ErrCodeSessionNotFound},
		{fmt.Errorf("%w: evicted", eventlog.ErrReplayGap), http.StatusGone, ErrCodeReplayGap},
		{session.ErrChannelAttachConflict, http.StatusConflict, ErrCodeAttachConflict},
		{session.ErrDuplicateRequest, http.StatusConflict, ErrCodeDuplicate},
		{session.ErrUnknownChannel, http.StatusNotFound, ErrCodeUnknownChannel},
		{eventlog.ErrUnknownChannel, http.StatusNotFound, ErrCodeUnknownChannel},
		{session.ErrShuttingDown, http.StatusServiceUnavailable, ErrCodeShuttingDown},
		{mcp.ErrInvalidMessage, http.StatusBadRequest, ErrCodeInvalidRequest},
		{eventlog.ErrMalformedID, http.StatusBadRequest, ErrCodeInvalidRequest},
		{errors.New("boom"), http.StatusInternalServerError, ErrCodeInternalError},
	}

	for _, tt := range tests {
		status, code := classify(tt.err)
		if status != tt.status || code != tt.code {
			t.Errorf("classify(%v) = %d %s, want %d %s", tt.err, status, code, tt.status, tt.code)
		}
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Test error message")

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %s", ct)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if resp.Error.Code != ErrCodeInvalidRequest {
		t.Errorf("Expected code %s, got %s", ErrCodeInvalidRequest, resp.Error.Code)
	}
	if resp.Error.Message != "Test error message" {
		t.Errorf("Unexpected message: %s", resp.Error.Message)
	}
}

func TestWriteSessionError(t *testing.T) {
	w := httptest.NewRecorder()
	writeSessionError(w, fmt.Errorf("%w: s1-B-3", eventlog.ErrReplayGap))

	if w.Code != http.StatusGone {
		t.Errorf("Expected 410, got %d", w.Code)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if resp.Error.Code != ErrCodeReplayGap {
		t.Errorf("Expected code %s, got %s", ErrCodeReplayGap, resp.Error.Code)
	}
}
