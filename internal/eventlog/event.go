// Package eventlog provides the per-session, per-channel bounded event buffer
// that makes a delivery channel resumable.
package eventlog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind tags both channels and events. An event is RequestScoped when it is
// tied to one request/response exchange, Broadcast otherwise.
type Kind uint8

const (
	Broadcast Kind = iota + 1
	RequestScoped
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case Broadcast:
		return "broadcast"
	case RequestScoped:
		return "request"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

var (
	// ErrReplayGap is returned when a resume position is older than the oldest
	// retained event. Callers must treat it as "full resync needed".
	ErrReplayGap = errors.New("replay gap: requested events are no longer retained")

	ErrUnknownChannel = errors.New("unknown channel")
	ErrChannelExists  = errors.New("channel already exists")
	ErrMalformedID    = errors.New("malformed event id")
	ErrUnknownEvent   = errors.New("event id was never issued")
	ErrClosed         = errors.New("event log closed")
)

// Event is one immutable, sequence-numbered message appended to a channel.
type Event struct {
	ID               string    `json:"id"`
	ChannelID        string    `json:"channelID"`
	Seq              uint64    `json:"seq"`
	Kind             Kind      `json:"kind"`
	RelatedRequestID string    `json:"relatedRequestID,omitempty"`
	Payload          []byte    `json:"-"`
	CreatedAt        time.Time `json:"createdAt"`
}

// FormatID renders the opaque event id for a channel sequence.
func FormatID(sessionID, channelID string, seq uint64) string {
	return sessionID + "-" + channelID + "-" + strconv.FormatUint(seq, 10)
}

// ParseID splits an event id issued for sessionID into its channel and
// sequence. Ids minted for another session are rejected.
func ParseID(sessionID, id string) (string, uint64, error) {
	prefix := sessionID + "-"
	if !strings.HasPrefix(id, prefix) {
		return "", 0, fmt.Errorf("%w: %q", ErrMalformedID, id)
	}
	rest := id[len(prefix):]
	i := strings.LastIndexByte(rest, '-')
	if i <= 0 || i == len(rest)-1 {
		return "", 0, fmt.Errorf("%w: %q", ErrMalformedID, id)
	}
	seq, err := strconv.ParseUint(rest[i+1:], 10, 64)
	if err != nil || seq == 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrMalformedID, id)
	}
	return rest[:i], seq, nil
}
