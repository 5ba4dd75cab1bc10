package client

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opencode-ai/toolstream/pkg/types"
)

// FollowOptions tunes Follow.
type FollowOptions struct {
	// LastEventID resumes after this event instead of the channel's
	// undelivered tail.
	LastEventID string
	// OnSession is called when the server announces a new session.
	OnSession func(types.SessionFrame)
	// OnGap is called when events after lastEventID were evicted. Follow
	// then resumes from the oldest retained event; whatever fell in the gap
	// is lost.
	OnGap func(lastEventID string, err error)
	// OnReconnect is called before each reconnection attempt.
	OnReconnect func(err error, wait time.Duration)
}

// Follow streams the session's broadcast channel to handler until ctx ends,
// the server closes the stream on purpose, or reconnection gives up. It
// creates a session when the client has none. Broken streams are resumed
// from the last event id seen, so handler observes each event once.
func (c *Client) Follow(ctx context.Context, handler func(Event), opts FollowOptions) error {
	lastEventID := opts.LastEventID
	b := backoff.WithContext(c.newBackOff(), ctx)

	op := func() error {
		resp, err := c.openStream(ctx, lastEventID)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if IsReplayGap(err) && lastEventID != "" {
				if opts.OnGap != nil {
					opts.OnGap(lastEventID, err)
				}
				lastEventID = ""
				return err
			}
			return permanentUnlessTransient(err)
		}
		defer resp.Body.Close()
		b.Reset()

		reader := NewReader(resp.Body)
		for {
			ev, err := reader.Next()
			if err != nil {
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				return err
			}
			switch ev.Type {
			case "session":
				var frame types.SessionFrame
				if err := json.Unmarshal(ev.Data, &frame); err == nil {
					c.setSessionID(frame.SessionID)
					if opts.OnSession != nil {
						opts.OnSession(frame)
					}
				}
				continue
			case "close":
				return backoff.Permanent(closeError(ev))
			}
			if ev.ID != "" {
				lastEventID = ev.ID
			}
			handler(ev)
		}
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Debug().Err(err).Dur("wait", wait).Str("lastEventID", lastEventID).Msg("reconnecting")
		if opts.OnReconnect != nil {
			opts.OnReconnect(err, wait)
		}
	}

	err := backoff.RetryNotify(op, b, notify)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return ctx.Err()
	}
	return err
}
