package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MethodInitialize is the only request accepted without a session.
const MethodInitialize = "initialize"

var ErrInvalidMessage = errors.New("invalid JSON-RPC message")

// Message is the envelope of an inbound JSON-RPC message. Only the fields
// needed for routing are decoded; the raw bytes go to the MCP server as-is.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ParseMessage decodes the routing envelope of a single JSON-RPC message.
// Batches are not supported.
func ParseMessage(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if m.JSONRPC != "2.0" {
		return Message{}, fmt.Errorf("%w: jsonrpc must be \"2.0\"", ErrInvalidMessage)
	}
	if m.Method == "" && !m.hasID() {
		return Message{}, fmt.Errorf("%w: neither method nor id", ErrInvalidMessage)
	}
	m.Raw = append(json.RawMessage(nil), raw...)
	return m, nil
}

func (m Message) hasID() bool {
	return len(m.ID) > 0 && string(m.ID) != "null"
}

// IsRequest reports whether the message expects a response.
func (m Message) IsRequest() bool { return m.Method != "" && m.hasID() }

// IsNotification reports whether the message is a client notification.
func (m Message) IsNotification() bool { return m.Method != "" && !m.hasID() }

// IsResponse reports whether the message answers a server request.
func (m Message) IsResponse() bool { return m.Method == "" && m.hasID() }

// RequestID returns the id in its JSON form, so 1 and "1" stay distinct.
func (m Message) RequestID() string { return string(m.ID) }
