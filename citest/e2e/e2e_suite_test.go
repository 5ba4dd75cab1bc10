package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/toolstream/citest/testutil"
	"github.com/opencode-ai/toolstream/pkg/types"
)

var (
	testServer *testutil.TestServer
	ctx        context.Context
)

func TestE2E(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "E2E Suite")
}

var _ = BeforeSuite(func() {
	var err error
	testServer, err = testutil.StartTestServer()
	Expect(err).NotTo(HaveOccurred(), "Failed to start test server")
	ctx = context.Background()
})

var _ = AfterSuite(func() {
	if testServer != nil {
		Expect(testServer.Stop()).To(Succeed())
	}
})

// startServer starts a dedicated server that is stopped when the current test ends.
func startServer(opts ...testutil.TestServerOption) *testutil.TestServer {
	ts, err := testutil.StartTestServer(opts...)
	Expect(err).NotTo(HaveOccurred(), "Failed to start test server")
	DeferCleanup(func() {
		Expect(ts.Stop()).To(Succeed())
	})
	return ts
}

// initialize creates a session with an MCP initialize request and returns
// its id. The session has no live stream afterwards.
func initialize(ts *testutil.TestServer, opts ...testutil.RequestOption) string {
	resp, err := ts.Client().Post(ctx, "/mcp", map[string]any{
		"jsonrpc": "2.0",
		"id":      0,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "e2e", "version": "1.0.0"},
		},
	}, opts...)
	Expect(err).NotTo(HaveOccurred())
	Expect(resp.StatusCode).To(Equal(200), resp.String())
	sessionID := resp.Headers.Get(types.HeaderSessionID)
	Expect(sessionID).NotTo(BeEmpty())
	return sessionID
}

// openBroadcast opens a new session's broadcast stream and waits for the
// frame announcing it.
func openBroadcast(ts *testutil.TestServer, opts ...testutil.RequestOption) (*testutil.SSEClient, string) {
	sse := ts.SSEClient()
	Expect(sse.Connect(ctx, "/mcp", opts...)).To(Succeed())
	DeferCleanup(sse.Close)

	evt, err := sse.WaitForEvent("session", 5*time.Second)
	Expect(err).NotTo(HaveOccurred())
	var frame types.SessionFrame
	Expect(json.Unmarshal(evt.Data, &frame)).To(Succeed())
	Expect(frame.ChannelID).To(Equal("B"))
	Expect(frame.SessionID).To(Equal(sse.Header.Get(types.HeaderSessionID)))
	return sse, frame.SessionID
}

func eventID(sessionID, channelID string, seq int) string {
	return fmt.Sprintf("%s-%s-%d", sessionID, channelID, seq)
}

// channelOf extracts the channel id from an event id.
func channelOf(id string) string {
	parts := strings.Split(id, "-")
	Expect(parts).To(HaveLen(3), id)
	return parts[1]
}

// channelEvents fetches the retained events of a channel, returning the
// status code alongside.
func channelEvents(ts *testutil.TestServer, sessionID, channelID string) ([]types.ReplayedEvent, int) {
	resp, err := ts.Client().Get(ctx, "/session/"+sessionID+"/channel/"+channelID+"/events")
	Expect(err).NotTo(HaveOccurred())
	if !resp.IsSuccess() {
		return nil, resp.StatusCode
	}
	var events []types.ReplayedEvent
	Expect(resp.JSON(&events)).To(Succeed())
	return events, resp.StatusCode
}

// progressOf returns the progress value of a notifications/progress payload.
func progressOf(data []byte) (int, bool) {
	var msg struct {
		Method string `json:"method"`
		Params struct {
			Progress float64 `json:"progress"`
		} `json:"params"`
	}
	if json.Unmarshal(data, &msg) != nil || msg.Method != "notifications/progress" {
		return 0, false
	}
	return int(msg.Params.Progress), true
}

// replayedProgress collects progress values out of replayed events.
func replayedProgress(events []types.ReplayedEvent) []int {
	var out []int
	for _, ev := range events {
		data, err := json.Marshal(ev.Payload)
		Expect(err).NotTo(HaveOccurred())
		if p, ok := progressOf(data); ok {
			out = append(out, p)
		}
	}
	return out
}
