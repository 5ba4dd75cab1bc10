// Package client is a Go client for a toolstream server. It speaks the
// streamable HTTP transport: JSON-RPC requests are POSTed and their
// notifications and response stream back as SSE, and the session's
// broadcast channel can be followed with automatic resumption.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/toolstream/pkg/types"
)

// ProtocolVersion is the MCP protocol version sent by Initialize.
const ProtocolVersion = "2025-03-26"

// Client talks to one toolstream server on behalf of one session.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	newBackOff func() backoff.BackOff
	logger     zerolog.Logger

	mu        sync.Mutex
	sessionID string

	nextID atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. It must not impose an overall
// timeout, as streams stay open indefinitely.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sends a bearer token with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithBackOff sets the policy used between reconnection attempts.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = fn }
}

// WithLogger sets the logger used for reconnection diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithSessionID resumes an existing session.
func WithSessionID(id string) Option {
	return func(c *Client) { c.sessionID = id }
}

// DefaultBackOff retries quickly at first and gives up after two minutes.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return b
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		newBackOff: DefaultBackOff,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SessionID returns the current session id, empty before one exists.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) setSessionID(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == "" {
		c.sessionID = id
	}
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Initialize creates a session with an MCP initialize handshake and returns
// the server's initialize result.
func (c *Client) Initialize(ctx context.Context, clientName string) (json.RawMessage, error) {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]string{"name": clientName, "version": "1.0.0"},
	}
	result, err := c.Call(ctx, "initialize", params, nil)
	if err != nil {
		return nil, err
	}
	if err := c.Notify(ctx, "notifications/initialized", nil); err != nil {
		return nil, err
	}
	return result, nil
}

// Call sends a request and waits for its response. Every other event on the
// request's stream (progress, logging) goes to onEvent, which may be nil.
// If the stream breaks after the first event, Call resumes it from the
// last event it saw.
func (c *Client) Call(ctx context.Context, method string, params any, onEvent func(Event)) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	wantID := strconv.FormatInt(id, 10)

	resp, err := c.do(ctx, http.MethodPost, "/mcp", bytes.NewReader(body), nil)
	if err != nil {
		return nil, err
	}
	c.setSessionID(resp.Header.Get(types.HeaderSessionID))

	var lastEventID string
	result, done, err := c.readResponse(resp.Body, wantID, &lastEventID, onEvent)
	resp.Body.Close()
	if done || ctx.Err() != nil {
		return result, err
	}
	if lastEventID == "" {
		return nil, fmt.Errorf("%w: %w", ErrRequestLost, err)
	}

	c.logger.Debug().Err(err).Str("lastEventID", lastEventID).Msg("request stream broke, resuming")
	b := backoff.WithContext(c.newBackOff(), ctx)
	op := func() error {
		resp, err := c.openStream(ctx, lastEventID)
		if err != nil {
			return permanentUnlessTransient(err)
		}
		defer resp.Body.Close()
		b.Reset()
		result, done, err = c.readResponse(resp.Body, wantID, &lastEventID, onEvent)
		if done {
			return nil
		}
		return err
	}
	if rerr := backoff.Retry(op, b); rerr != nil {
		return nil, rerr
	}
	return result, err
}

// readResponse consumes a request stream until the response with wantID.
// done reports that the response (or a final error) was reached.
func (c *Client) readResponse(body io.Reader, wantID string, lastEventID *string, onEvent func(Event)) (json.RawMessage, bool, error) {
	reader := NewReader(body)
	for {
		ev, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, false, err
		}
		if ev.Type == "close" {
			return nil, true, closeError(ev)
		}
		if ev.ID != "" {
			*lastEventID = ev.ID
		}

		var msg rpcResponse
		if err := json.Unmarshal(ev.Data, &msg); err == nil && msg.Method == "" && string(msg.ID) == wantID {
			if msg.Error != nil {
				return nil, true, msg.Error
			}
			return msg.Result, true, nil
		}
		if onEvent != nil {
			onEvent(ev)
		}
	}
}

// Notify sends a JSON-RPC notification.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, "/mcp", bytes.NewReader(body), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Close terminates the session on the server.
func (c *Client) Close(ctx context.Context) error {
	if c.SessionID() == "" {
		return ErrNoSession
	}
	resp, err := c.do(ctx, http.MethodDelete, "/mcp", nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Events fetches the retained events of a channel after the given event id
// without attaching to it.
func (c *Client) Events(ctx context.Context, channelID, after string) ([]types.ReplayedEvent, error) {
	sessionID := c.SessionID()
	if sessionID == "" {
		return nil, ErrNoSession
	}
	path := "/session/" + sessionID + "/channel/" + channelID + "/events"
	if after != "" {
		path += "?after=" + after
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var events []types.ReplayedEvent
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return events, nil
}

// openStream issues GET /mcp, creating a session when the client has none.
func (c *Client) openStream(ctx context.Context, lastEventID string) (*http.Response, error) {
	header := http.Header{}
	header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		header.Set(types.HeaderLastEventID, lastEventID)
	}
	resp, err := c.do(ctx, http.MethodGet, "/mcp", nil, header)
	if err != nil {
		return nil, err
	}
	c.setSessionID(resp.Header.Get(types.HeaderSessionID))
	return resp, nil
}

// do sends a request with the session id and token attached and turns
// non-2xx answers into *APIError.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/event-stream")
	}
	if id := c.SessionID(); id != "" {
		req.Header.Set(types.HeaderSessionID, id)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, decodeAPIError(resp)
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body types.ErrorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Error.Code != "" {
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
		return apiErr
	}
	apiErr.Code = http.StatusText(resp.StatusCode)
	apiErr.Message = strings.TrimSpace(string(data))
	return apiErr
}

func closeError(ev Event) error {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(ev.Data, &body)
	return &StreamClosedError{Reason: body.Reason}
}

// permanentUnlessTransient stops retrying on answers that another attempt
// cannot change. Network errors, attach conflicts and overload are retried.
func permanentUnlessTransient(err error) error {
	if apiErr, ok := err.(*APIError); ok {
		switch apiErr.Code {
		case types.ErrCodeAttachConflict, types.ErrCodeShuttingDown:
			return err
		}
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return err
		}
		return backoff.Permanent(err)
	}
	return err
}
