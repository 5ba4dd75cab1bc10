package testutil

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/opencode-ai/toolstream/pkg/types"
)

// SSEEvent represents a Server-Sent Event
type SSEEvent struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// StatusError is returned by Connect when the server refuses the stream
type StatusError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d (%s)", e.StatusCode, e.Code)
}

// SSEClient provides SSE client utilities for testing
type SSEClient struct {
	BaseURL    string
	HTTPClient *http.Client

	// Header holds the response headers once connected
	Header http.Header

	mu       sync.Mutex
	events   []SSEEvent
	lastID   string
	eventsCh chan SSEEvent
	errCh    chan error
	cancel   context.CancelFunc
	body     io.ReadCloser
}

// NewSSEClient creates a new SSE test client
func NewSSEClient(baseURL string) *SSEClient {
	return &SSEClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 0, // No timeout for SSE
		},
		eventsCh: make(chan SSEEvent, 100),
		errCh:    make(chan error, 1),
	}
}

// Connect opens a GET stream
func (c *SSEClient) Connect(ctx context.Context, path string, opts ...RequestOption) error {
	return c.open(ctx, http.MethodGet, path, nil, opts...)
}

// Post sends a JSON-RPC message and streams the response body
func (c *SSEClient) Post(ctx context.Context, path string, body any, opts ...RequestOption) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal body: %w", err)
	}
	return c.open(ctx, http.MethodPost, path, bytes.NewReader(data), opts...)
}

func (c *SSEClient) open(ctx context.Context, method, path string, body io.Reader, opts ...RequestOption) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to connect: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		defer cancel()
		data, _ := io.ReadAll(resp.Body)
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
		var apiErr types.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil {
			statusErr.Code = apiErr.Error.Code
		}
		return statusErr
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "text/event-stream") {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("unexpected content type: %s", contentType)
	}

	c.Header = resp.Header
	c.body = resp.Body

	// Start reading events in background
	go c.readEvents(resp.Body)

	return nil
}

// readEvents reads SSE events from the connection
func (c *SSEClient) readEvents(body io.Reader) {
	defer func() {
		close(c.eventsCh)
		close(c.errCh)
	}()

	reader := bufio.NewReader(body)
	var evt SSEEvent
	var eventData strings.Builder

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF && err != context.Canceled {
				c.errCh <- err
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")

		// Empty line = event complete
		if line == "" {
			if eventData.Len() > 0 {
				evt.Data = json.RawMessage(eventData.String())
				if evt.Type == "" {
					evt.Type = "message"
				}

				c.mu.Lock()
				c.events = append(c.events, evt)
				if evt.ID != "" {
					c.lastID = evt.ID
				}
				c.mu.Unlock()

				select {
				case c.eventsCh <- evt:
				default:
					// Channel full, drop event
				}
			}
			evt = SSEEvent{}
			eventData.Reset()
			continue
		}

		// Comment (heartbeat)
		if strings.HasPrefix(line, ":") {
			continue
		}

		// Parse field
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			evt.ID = value
		case "event":
			evt.Type = value
		case "data":
			if eventData.Len() > 0 {
				eventData.WriteByte('\n')
			}
			eventData.WriteString(value)
		}
	}
}

// Events returns the event channel
func (c *SSEClient) Events() <-chan SSEEvent {
	return c.eventsCh
}

// LastEventID returns the id of the last event received
func (c *SSEClient) LastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastID
}

// WaitForEvent waits for a specific event type with timeout
func (c *SSEClient) WaitForEvent(eventType string, timeout time.Duration) (*SSEEvent, error) {
	deadline := time.After(timeout)
	for {
		select {
		case evt, ok := <-c.eventsCh:
			if !ok {
				return nil, fmt.Errorf("connection closed")
			}
			if evt.Type == eventType {
				return &evt, nil
			}
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for event: %s", eventType)
		}
	}
}

// WaitForEvents collects the next n events with timeout
func (c *SSEClient) WaitForEvents(n int, timeout time.Duration) ([]SSEEvent, error) {
	deadline := time.After(timeout)
	var out []SSEEvent
	for len(out) < n {
		select {
		case evt, ok := <-c.eventsCh:
			if !ok {
				return out, fmt.Errorf("connection closed after %d events", len(out))
			}
			out = append(out, evt)
		case <-deadline:
			return out, fmt.Errorf("timeout after %d of %d events", len(out), n)
		}
	}
	return out, nil
}

// WaitForClose waits until the server ends the stream
func (c *SSEClient) WaitForClose(timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		select {
		case _, ok := <-c.eventsCh:
			if !ok {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("stream still open after %v", timeout)
		}
	}
}

// GetAllEvents returns all events received so far
func (c *SSEClient) GetAllEvents() []SSEEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]SSEEvent, len(c.events))
	copy(result, c.events)
	return result
}

// IDs returns the ids of all events received so far
func (c *SSEClient) IDs() []string {
	var ids []string
	for _, evt := range c.GetAllEvents() {
		if evt.ID != "" {
			ids = append(ids, evt.ID)
		}
	}
	return ids
}

// Close drops the connection as a network failure would
func (c *SSEClient) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.body != nil {
		c.body.Close()
	}
}
