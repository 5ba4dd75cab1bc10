package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/toolstream/internal/auth"
	"github.com/opencode-ai/toolstream/internal/eventlog"
	"github.com/opencode-ai/toolstream/internal/session"
	"github.com/opencode-ai/toolstream/pkg/mcpserver/calculator"
)

type memConn struct {
	id string

	mu     sync.Mutex
	events []eventlog.Event
	closed bool
}

func (c *memConn) ID() string { return c.id }

func (c *memConn) Send(_ context.Context, ev eventlog.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *memConn) Close(error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *memConn) methods() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		var m struct {
			Method string          `json:"method"`
			ID     json.RawMessage `json:"id"`
		}
		_ = json.Unmarshal(ev.Payload, &m)
		if m.Method == "" {
			out = append(out, "response:"+string(m.ID))
			continue
		}
		out = append(out, m.Method)
	}
	return out
}

func (c *memConn) payload(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[i].Payload
}

func (c *memConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	reg := session.NewRegistry(session.DefaultConfig(), nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	s, err := reg.Create(context.Background(), auth.Credentials{})
	require.NoError(t, err)
	return s
}

func mustParse(t *testing.T, raw string) Message {
	t.Helper()
	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)
	return msg
}

func TestHost_ResponseCompletesRequestChannel(t *testing.T) {
	host := NewHost(calculator.NewServer())
	s := newTestSession(t)

	msg := mustParse(t, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"sum","arguments":{"numbers":[1,2,3,4,5]}}}`)
	conn := &memConn{id: "req"}
	ch, err := s.OpenRequest(msg.RequestID(), conn)
	require.NoError(t, err)
	require.NoError(t, host.Start(s, ch.ID(), msg))

	require.Eventually(t, conn.isClosed, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"response:7"}, conn.methods())
	assert.Contains(t, string(conn.payload(0)), `15`)

	_, pending := s.PendingRequest(msg.RequestID())
	assert.False(t, pending)
}

func TestHost_NotificationsPrecedeResponse(t *testing.T) {
	host := NewHost(calculator.NewServer())
	s := newTestSession(t)

	msg := mustParse(t, `{"jsonrpc":"2.0","id":"c1","method":"tools/call","params":{"name":"count","arguments":{"to":3,"interval_ms":1},"_meta":{"progressToken":"p1"}}}`)
	conn := &memConn{id: "req"}
	ch, err := s.OpenRequest(msg.RequestID(), conn)
	require.NoError(t, err)
	require.NoError(t, host.Start(s, ch.ID(), msg))

	require.Eventually(t, conn.isClosed, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{
		"notifications/progress",
		"notifications/progress",
		"notifications/progress",
		`response:"c1"`,
	}, conn.methods())
}

func TestHost_DetachedRequestRedirectsNotifications(t *testing.T) {
	host := NewHost(calculator.NewServer())
	s := newTestSession(t)

	broadcast := &memConn{id: "b"}
	require.NoError(t, s.Attach(session.BroadcastChannelID, broadcast))

	msg := mustParse(t, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"count","arguments":{"to":2,"interval_ms":1},"_meta":{"progressToken":"p2"}}}`)
	ch, err := s.OpenRequest(msg.RequestID(), nil)
	require.NoError(t, err)
	require.NoError(t, host.Start(s, ch.ID(), msg))

	require.Eventually(t, func() bool {
		_, pending := s.PendingRequest(msg.RequestID())
		return !pending
	}, 2*time.Second, 5*time.Millisecond)

	// The response has nowhere to go; only the progress reaches the client.
	require.Eventually(t, func() bool { return len(broadcast.methods()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"notifications/progress", "notifications/progress"}, broadcast.methods())
}

func TestHost_SessionCloseCancelsTool(t *testing.T) {
	host := NewHost(calculator.NewServer())
	s := newTestSession(t)

	msg := mustParse(t, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"count","arguments":{"to":10000,"interval_ms":10}}}`)
	conn := &memConn{id: "req"}
	ch, err := s.OpenRequest(msg.RequestID(), conn)
	require.NoError(t, err)
	require.NoError(t, host.Start(s, ch.ID(), msg))

	assert.True(t, s.Close())
	require.Eventually(t, conn.isClosed, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, host.Start(s, ch.ID(), msg), session.ErrSessionNotFound)
}

func TestHost_StartRejectsNotifications(t *testing.T) {
	host := NewHost(calculator.NewServer())
	s := newTestSession(t)

	msg := mustParse(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.ErrorIs(t, host.Start(s, session.BroadcastChannelID, msg), ErrInvalidMessage)
	host.Notify(context.Background(), s, msg)
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		request      bool
		notification bool
		response     bool
		wantErr      bool
	}{
		{name: "request", raw: `{"jsonrpc":"2.0","id":1,"method":"ping"}`, request: true},
		{name: "string id", raw: `{"jsonrpc":"2.0","id":"a","method":"ping"}`, request: true},
		{name: "notification", raw: `{"jsonrpc":"2.0","method":"notifications/initialized"}`, notification: true},
		{name: "null id notification", raw: `{"jsonrpc":"2.0","id":null,"method":"x"}`, notification: true},
		{name: "response", raw: `{"jsonrpc":"2.0","id":1,"result":{}}`, response: true},
		{name: "wrong version", raw: `{"jsonrpc":"1.0","id":1,"method":"ping"}`, wantErr: true},
		{name: "empty", raw: `{"jsonrpc":"2.0"}`, wantErr: true},
		{name: "not json", raw: `nope`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.raw))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMessage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.request, msg.IsRequest())
			assert.Equal(t, tt.notification, msg.IsNotification())
			assert.Equal(t, tt.response, msg.IsResponse())
			assert.JSONEq(t, tt.raw, string(msg.Raw))
		})
	}

	a, _ := ParseMessage([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	b, _ := ParseMessage([]byte(`{"jsonrpc":"2.0","id":"1","method":"ping"}`))
	assert.NotEqual(t, a.RequestID(), b.RequestID())
}
