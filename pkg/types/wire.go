package types

import "encoding/json"

// Error codes returned in ErrorResponse.
const (
	ErrCodeInvalidRequest  = "INVALID_REQUEST"
	ErrCodeSessionNotFound = "SESSION_NOT_FOUND"
	ErrCodeReplayGap       = "REPLAY_GAP"
	ErrCodeAttachConflict  = "CHANNEL_ATTACH_CONFLICT"
	ErrCodeAuthExpired     = "AUTH_EXPIRED"
	ErrCodeDuplicate       = "DUPLICATE_REQUEST"
	ErrCodeUnknownChannel  = "UNKNOWN_CHANNEL"
	ErrCodeShuttingDown    = "SHUTTING_DOWN"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// HTTP headers used by the MCP transport.
const (
	HeaderSessionID   = "Mcp-Session-Id"
	HeaderLastEventID = "Last-Event-ID"
	HeaderChannelID   = "X-Toolstream-Channel"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionFrame is the first event on a newly created session's stream. It
// carries no event id, so it is never replayed.
type SessionFrame struct {
	SessionID string `json:"sessionID"`
	ChannelID string `json:"channelID"`
}

// NotifyRequest is the body of POST /session/{id}/notify.
type NotifyRequest struct {
	ChannelID        string `json:"channelID,omitempty"`
	Payload          any    `json:"payload"`
	RelatedRequestID string `json:"relatedRequestID,omitempty"`
}

// NotifyResponse reports how an injected event was routed.
type NotifyResponse struct {
	EventID     string `json:"eventID"`
	Disposition string `json:"disposition"`
	RedirectID  string `json:"redirectID,omitempty"`
}

// ReplayedEvent is one entry of GET /session/{id}/channel/{channelID}/events.
type ReplayedEvent struct {
	ID               string `json:"id"`
	Seq              uint64 `json:"seq"`
	Kind             string `json:"kind"`
	RelatedRequestID string `json:"relatedRequestID,omitempty"`
	Payload          any    `json:"payload"`
	CreatedAt        int64  `json:"createdAt"`
}

// WebSocket frame types.
const (
	WSFrameSession = "session"
	WSFrameEvent   = "event"
	WSFrameClose   = "close"
	WSFrameError   = "error"
)

// WSFrame is one server-to-client WebSocket message. Event frames carry the
// event id and the raw event payload.
type WSFrame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorDetail    `json:"error,omitempty"`
}
