package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/toolstream/internal/auth"
	"github.com/opencode-ai/toolstream/internal/eventlog"
)

var errWriteFailed = errors.New("broken pipe")

// recordingConn is a Conn that keeps every event it was sent.
type recordingConn struct {
	id string

	mu     sync.Mutex
	events []eventlog.Event
	// failAt makes the n-th send (1-based) and every later one fail.
	failAt int
	sends  int

	closeOnce sync.Once
	closed    chan struct{}
	cause     error
}

func newConn(id string) *recordingConn {
	return &recordingConn{id: id, closed: make(chan struct{})}
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(ctx context.Context, ev eventlog.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends++
	if c.failAt > 0 && c.sends >= c.failAt {
		return errWriteFailed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *recordingConn) Close(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cause = cause
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *recordingConn) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, len(c.events))
	for i, ev := range c.events {
		ids[i] = ev.ID
	}
	return ids
}

func (c *recordingConn) Payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = string(ev.Payload)
	}
	return out
}

func (c *recordingConn) Last() string {
	ids := c.IDs()
	if len(ids) == 0 {
		return ""
	}
	return ids[len(ids)-1]
}

func (c *recordingConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *recordingConn) Cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// sequentialIDs yields S1, S2, ... so the first session is S1.
func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("S%d", n.Add(1))
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.GracePeriod = time.Minute
	cfg.SendTimeout = time.Second
	return cfg
}

func newTestRegistry(t *testing.T, cfg Config, opts ...Option) *Registry {
	t.Helper()
	opts = append([]Option{WithIDGenerator(sequentialIDs())}, opts...)
	reg := NewRegistry(cfg, auth.NewManager(auth.WithAnonymous(true)), nil, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	return reg
}

func mustCreate(t *testing.T, reg *Registry) *Session {
	t.Helper()
	s, err := reg.Create(context.Background(), auth.Credentials{})
	require.NoError(t, err)
	return s
}

func enqueue(t *testing.T, s *Session, channelID, payload, related string) Receipt {
	t.Helper()
	rcpt, err := s.Enqueue(context.Background(), channelID, []byte(payload), related)
	require.NoError(t, err)
	return rcpt
}
