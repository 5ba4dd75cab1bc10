package client

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// Event is one Server-Sent Event as read off a stream.
type Event struct {
	// ID is the event id. Frames without one (session, close) leave it empty.
	ID   string
	Type string
	Data json.RawMessage
}

// Reader decodes an SSE stream into events. Comments (heartbeats) and retry
// fields are skipped.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps an SSE response body.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next complete event. A stream that ends mid-event
// returns io.ErrUnexpectedEOF; a clean end returns io.EOF.
func (r *Reader) Next() (Event, error) {
	var (
		ev      Event
		data    strings.Builder
		hasData bool
		partial bool
	)

	for {
		line, err := r.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && (partial || line != "") {
				return Event{}, io.ErrUnexpectedEOF
			}
			return Event{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		// Empty line = event complete
		if line == "" {
			if hasData {
				if ev.Type == "" {
					ev.Type = "message"
				}
				ev.Data = json.RawMessage(data.String())
				return ev, nil
			}
			ev, partial = Event{}, false
			continue
		}

		// Comment (heartbeat)
		if strings.HasPrefix(line, ":") {
			continue
		}

		partial = true
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			ev.ID = value
		case "event":
			ev.Type = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		}
	}
}
