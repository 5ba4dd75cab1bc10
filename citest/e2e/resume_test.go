package e2e_test

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/toolstream/citest/testutil"
	"github.com/opencode-ai/toolstream/internal/session"
	"github.com/opencode-ai/toolstream/pkg/types"
)

var _ = Describe("Broadcast Resumption", func() {
	It("should replay events missed while disconnected", func() {
		sse, sessionID := openBroadcast(testServer)
		client := testServer.Client()

		for i := 1; i <= 3; i++ {
			_, err := client.Notify(ctx, sessionID, "", map[string]any{"n": i})
			Expect(err).NotTo(HaveOccurred())
		}
		events, err := sse.WaitForEvents(3, 5*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(sse.IDs()).To(Equal([]string{
			eventID(sessionID, "B", 1),
			eventID(sessionID, "B", 2),
			eventID(sessionID, "B", 3),
		}))
		Expect(events[2].Data).To(MatchJSON(`{"n":3}`))

		lastSeen := sse.LastEventID()
		sse.Close()

		for i := 4; i <= 5; i++ {
			_, err := client.Notify(ctx, sessionID, "", map[string]any{"n": i})
			Expect(err).NotTo(HaveOccurred())
		}

		resumed := testServer.SSEClient()
		Expect(resumed.Connect(ctx, "/mcp",
			testutil.WithSession(sessionID),
			testutil.WithLastEventID(lastSeen),
		)).To(Succeed())
		defer resumed.Close()

		events, err = resumed.WaitForEvents(2, 5*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(resumed.IDs()).To(Equal([]string{
			eventID(sessionID, "B", 4),
			eventID(sessionID, "B", 5),
		}))
		Expect(events[0].Data).To(MatchJSON(`{"n":4}`))
		Expect(events[1].Data).To(MatchJSON(`{"n":5}`))
	})

	It("should deliver buffered events to the first stream of a session", func() {
		sessionID := initialize(testServer)
		_, err := testServer.Client().Notify(ctx, sessionID, "B", map[string]any{"queued": true})
		Expect(err).NotTo(HaveOccurred())

		sse := testServer.SSEClient()
		Expect(sse.Connect(ctx, "/mcp", testutil.WithSession(sessionID))).To(Succeed())
		defer sse.Close()

		evt, err := sse.WaitForEvent("message", 5*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(evt.ID).To(Equal(eventID(sessionID, "B", 1)))
		Expect(evt.Data).To(MatchJSON(`{"queued":true}`))
	})

	It("should replace a live stream that reconnects with a position", func() {
		first, sessionID := openBroadcast(testServer)
		_, err := testServer.Client().Notify(ctx, sessionID, "", map[string]any{"n": 1})
		Expect(err).NotTo(HaveOccurred())
		_, err = first.WaitForEvent("message", 5*time.Second)
		Expect(err).NotTo(HaveOccurred())

		second := testServer.SSEClient()
		Expect(second.Connect(ctx, "/mcp",
			testutil.WithSession(sessionID),
			testutil.WithLastEventID(first.LastEventID()),
		)).To(Succeed())
		defer second.Close()

		closeEvt, err := first.WaitForEvent("close", 5*time.Second)
		Expect(err).NotTo(HaveOccurred())
		var body struct {
			Reason string `json:"reason"`
		}
		Expect(json.Unmarshal(closeEvt.Data, &body)).To(Succeed())
		Expect(body.Reason).NotTo(BeEmpty())
		Expect(first.WaitForClose(5 * time.Second)).To(Succeed())

		_, err = testServer.Client().Notify(ctx, sessionID, "", map[string]any{"n": 2})
		Expect(err).NotTo(HaveOccurred())
		evt, err := second.WaitForEvent("message", 5*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(evt.ID).To(Equal(eventID(sessionID, "B", 2)))
	})

	It("should refuse a second position-less stream on a live channel", func() {
		_, sessionID := openBroadcast(testServer)

		err := testServer.SSEClient().Connect(ctx, "/mcp", testutil.WithSession(sessionID))
		var statusErr *testutil.StatusError
		Expect(err).To(BeAssignableToTypeOf(statusErr))
		statusErr = err.(*testutil.StatusError)
		Expect(statusErr.StatusCode).To(Equal(http.StatusConflict))
		Expect(statusErr.Code).To(Equal(types.ErrCodeAttachConflict))
	})

	It("should answer 404 for an unknown session", func() {
		err := testServer.SSEClient().Connect(ctx, "/mcp",
			testutil.WithSession("no-such-session"),
			testutil.WithLastEventID("no-such-session-B-1"),
		)
		Expect(err).To(HaveOccurred())
		Expect(err.(*testutil.StatusError).StatusCode).To(Equal(http.StatusNotFound))
		Expect(err.(*testutil.StatusError).Code).To(Equal(types.ErrCodeSessionNotFound))
	})
})

var _ = Describe("Replay Gaps", func() {
	var ts *testutil.TestServer

	BeforeEach(func() {
		ts = startServer(testutil.WithSessionConfig(func(c *session.Config) {
			c.Log.Capacity = 2
		}))
	})

	It("should answer 410 for evicted positions and leave the session usable", func() {
		sessionID := initialize(ts)
		for i := 1; i <= 4; i++ {
			_, err := ts.Client().Notify(ctx, sessionID, "", map[string]any{"n": i})
			Expect(err).NotTo(HaveOccurred())
		}

		for _, position := range []string{
			eventID(sessionID, "B", 1),
			eventID(sessionID, "B", 9),
			"not-an-event-id",
		} {
			err := ts.SSEClient().Connect(ctx, "/mcp",
				testutil.WithSession(sessionID),
				testutil.WithLastEventID(position),
			)
			Expect(err).To(HaveOccurred(), position)
			statusErr := err.(*testutil.StatusError)
			Expect(statusErr.StatusCode).To(Equal(http.StatusGone), position)
			Expect(statusErr.Code).To(Equal(types.ErrCodeReplayGap), position)
		}

		sse := ts.SSEClient()
		Expect(sse.Connect(ctx, "/mcp", testutil.WithSession(sessionID))).To(Succeed())
		defer sse.Close()
		_, err := sse.WaitForEvents(2, 5*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(sse.IDs()).To(Equal([]string{
			eventID(sessionID, "B", 3),
			eventID(sessionID, "B", 4),
		}))
	})
})

var _ = Describe("Request Streams", func() {
	It("should stream progress and then the response", func() {
		sessionID := initialize(testServer)

		sse := testServer.SSEClient()
		Expect(sse.Post(ctx, "/mcp",
			testutil.ToolCall(1, "count", map[string]any{"to": 3, "interval_ms": 10}, "progress-1"),
			testutil.WithSession(sessionID),
		)).To(Succeed())
		defer sse.Close()

		Expect(sse.WaitForClose(5 * time.Second)).To(Succeed())
		events := sse.GetAllEvents()
		Expect(events).To(HaveLen(4))
		for i, evt := range events[:3] {
			p, ok := progressOf(evt.Data)
			Expect(ok).To(BeTrue())
			Expect(p).To(Equal(i + 1))
		}
		Expect(testutil.IsResponse(events[3].Data)).To(BeTrue())
		Expect(string(events[3].Data)).To(ContainSubstring("counted to 3"))
	})

	It("should resume a dropped tool call without losing or repeating progress", func() {
		sessionID := initialize(testServer)

		first := testServer.SSEClient()
		Expect(first.Post(ctx, "/mcp",
			testutil.ToolCall(7, "count", map[string]any{"to": 10, "interval_ms": 100}, "progress-7"),
			testutil.WithSession(sessionID),
		)).To(Succeed())
		_, err := first.WaitForEvents(2, 5*time.Second)
		Expect(err).NotTo(HaveOccurred())
		first.Close()
		Expect(first.WaitForClose(5 * time.Second)).To(Succeed())
		lastSeen := first.LastEventID()

		resumed := testServer.SSEClient()
		Expect(resumed.Connect(ctx, "/mcp",
			testutil.WithSession(sessionID),
			testutil.WithLastEventID(lastSeen),
		)).To(Succeed())
		defer resumed.Close()
		Expect(resumed.WaitForClose(10 * time.Second)).To(Succeed())

		resumedEvents := resumed.GetAllEvents()
		Expect(resumedEvents).NotTo(BeEmpty())
		response := resumedEvents[len(resumedEvents)-1]
		Expect(testutil.IsResponse(response.Data)).To(BeTrue())
		Expect(string(response.Data)).To(ContainSubstring("counted to 10"))
		Expect(channelOf(response.ID)).To(Equal(channelOf(lastSeen)))

		// Progress written while no stream was attached moved to the
		// broadcast channel.
		var seen []int
		for _, evt := range append(first.GetAllEvents(), resumedEvents...) {
			if p, ok := progressOf(evt.Data); ok {
				seen = append(seen, p)
			}
		}
		broadcast, status := channelEvents(testServer, sessionID, "B")
		Expect(status).To(Equal(http.StatusOK))
		seen = append(seen, replayedProgress(broadcast)...)

		sort.Ints(seen)
		Expect(seen).To(Equal([]int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}))
	})

	It("should redirect progress of an abandoned request and drop its response", func() {
		sessionID := initialize(testServer)

		sse := testServer.SSEClient()
		Expect(sse.Post(ctx, "/mcp",
			testutil.ToolCall(3, "count", map[string]any{"to": 5, "interval_ms": 100}, "progress-3"),
			testutil.WithSession(sessionID),
		)).To(Succeed())
		evt, err := sse.WaitForEvent("message", 5*time.Second)
		Expect(err).NotTo(HaveOccurred())
		channelID := channelOf(evt.ID)
		sse.Close()

		Eventually(func() int {
			_, status := channelEvents(testServer, sessionID, channelID)
			return status
		}, 5*time.Second, 50*time.Millisecond).Should(Equal(http.StatusNotFound))

		broadcast, status := channelEvents(testServer, sessionID, "B")
		Expect(status).To(Equal(http.StatusOK))
		Expect(replayedProgress(broadcast)).To(ContainElement(5))
		for _, ev := range broadcast {
			data, _ := json.Marshal(ev.Payload)
			Expect(testutil.IsResponse(data)).To(BeFalse())
		}

		err = testServer.SSEClient().Connect(ctx, "/mcp",
			testutil.WithSession(sessionID),
			testutil.WithLastEventID(evt.ID),
		)
		Expect(err).To(HaveOccurred())
		Expect(err.(*testutil.StatusError).StatusCode).To(Equal(http.StatusGone))
	})

	Context("with the cancel abandon policy", func() {
		var ts *testutil.TestServer

		BeforeEach(func() {
			ts = startServer(testutil.WithSessionConfig(func(c *session.Config) {
				c.AbandonPolicy = session.AbandonCancel
			}))
		})

		It("should stop the computation when its stream is lost", func() {
			sessionID := initialize(ts)

			sse := ts.SSEClient()
			Expect(sse.Post(ctx, "/mcp",
				testutil.ToolCall(1, "count", map[string]any{"to": 100, "interval_ms": 50}, "progress-1"),
				testutil.WithSession(sessionID),
			)).To(Succeed())
			evt, err := sse.WaitForEvent("message", 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			channelID := channelOf(evt.ID)
			sse.Close()

			Eventually(func() int {
				_, status := channelEvents(ts, sessionID, channelID)
				return status
			}, 5*time.Second, 50*time.Millisecond).Should(Equal(http.StatusNotFound))

			countBroadcast := func() int {
				events, _ := channelEvents(ts, sessionID, "B")
				return len(events)
			}
			settled := countBroadcast()
			Consistently(countBroadcast, 500*time.Millisecond, 50*time.Millisecond).Should(Equal(settled))
		})
	})
})
