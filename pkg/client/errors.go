package client

import (
	"errors"
	"fmt"

	"github.com/opencode-ai/toolstream/pkg/types"
)

var (
	// ErrNoSession is returned by calls that need a session before Initialize
	// or Follow established one.
	ErrNoSession = errors.New("no session")
	// ErrRequestLost is returned by Call when the stream broke before any
	// event arrived, so there is no position to resume from.
	ErrRequestLost = errors.New("request stream lost before first event")
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// StreamClosedError reports that the server ended a stream on purpose, for
// example because the session expired or another client took the channel.
type StreamClosedError struct {
	Reason string
}

func (e *StreamClosedError) Error() string {
	return "stream closed by server: " + e.Reason
}

func hasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// IsReplayGap reports whether the server could not resume from the given
// event id because it is no longer retained.
func IsReplayGap(err error) bool { return hasCode(err, types.ErrCodeReplayGap) }

// IsSessionNotFound reports whether the session is gone.
func IsSessionNotFound(err error) bool { return hasCode(err, types.ErrCodeSessionNotFound) }

// IsAttachConflict reports whether another connection holds the channel.
func IsAttachConflict(err error) bool { return hasCode(err, types.ErrCodeAttachConflict) }

// IsAuthExpired reports whether the credentials were rejected.
func IsAuthExpired(err error) bool { return hasCode(err, types.ErrCodeAuthExpired) }
