package e2e_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/toolstream/citest/testutil"
	"github.com/opencode-ai/toolstream/internal/session"
	"github.com/opencode-ai/toolstream/pkg/client"
	"github.com/opencode-ai/toolstream/pkg/types"
)

var _ = Describe("Session Lifecycle", func() {
	It("should list, inspect and close sessions", func() {
		sessionID := initialize(testServer)
		c := testServer.Client()

		resp, err := c.Get(ctx, "/session/"+sessionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var info map[string]any
		Expect(resp.JSON(&info)).To(Succeed())
		Expect(info["id"]).To(Equal(sessionID))
		Expect(info["state"]).To(Equal("disconnected"))

		resp, err = c.Get(ctx, "/session")
		Expect(err).NotTo(HaveOccurred())
		var list []map[string]any
		Expect(resp.JSON(&list)).To(Succeed())
		ids := make([]string, 0, len(list))
		for _, s := range list {
			ids = append(ids, s["id"].(string))
		}
		Expect(testutil.ContainsString(ids, sessionID)).To(BeTrue())

		resp, err = c.Delete(ctx, "/mcp", testutil.WithSession(sessionID))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

		resp, err = c.Get(ctx, "/session/"+sessionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		Expect(resp.ErrorCode()).To(Equal(types.ErrCodeSessionNotFound))
	})

	It("should end open streams when the session is closed", func() {
		sse, sessionID := openBroadcast(testServer)

		resp, err := testServer.Client().Delete(ctx, "/session/"+sessionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

		_, err = sse.WaitForEvent("close", 5*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(sse.WaitForClose(5 * time.Second)).To(Succeed())
	})

	Context("with a short grace period", func() {
		var ts *testutil.TestServer

		BeforeEach(func() {
			ts = startServer(testutil.WithSessionConfig(func(c *session.Config) {
				c.GracePeriod = 300 * time.Millisecond
			}))
		})

		It("should terminate a session nobody reconnects to", func() {
			sse, sessionID := openBroadcast(ts)
			sse.Close()

			Eventually(func() int {
				resp, err := ts.Client().Get(ctx, "/session/"+sessionID)
				Expect(err).NotTo(HaveOccurred())
				return resp.StatusCode
			}, 5*time.Second, 50*time.Millisecond).Should(Equal(http.StatusNotFound))

			err := ts.SSEClient().Connect(ctx, "/mcp", testutil.WithSession(sessionID))
			Expect(err).To(HaveOccurred())
			Expect(err.(*testutil.StatusError).Code).To(Equal(types.ErrCodeSessionNotFound))
		})

		It("should keep a session that is reattached in time", func() {
			sessionID := initialize(ts)
			time.Sleep(150 * time.Millisecond)

			sse := ts.SSEClient()
			Expect(sse.Connect(ctx, "/mcp", testutil.WithSession(sessionID))).To(Succeed())
			time.Sleep(500 * time.Millisecond)

			resp, err := ts.Client().Get(ctx, "/session/"+sessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var info map[string]any
			Expect(resp.JSON(&info)).To(Succeed())
			Expect(info["state"]).To(Equal("active"))

			sse.Close()
			Eventually(func() int {
				resp, err := ts.Client().Get(ctx, "/session/"+sessionID)
				Expect(err).NotTo(HaveOccurred())
				return resp.StatusCode
			}, 5*time.Second, 50*time.Millisecond).Should(Equal(http.StatusNotFound))
		})
	})
})

var _ = Describe("Authentication", func() {
	var ts *testutil.TestServer

	BeforeEach(func() {
		ts = startServer(testutil.WithTokens(map[string]string{
			"alice-token": "alice",
			"bob-token":   "bob",
		}))
	})

	It("should require a token to create a session", func() {
		err := ts.SSEClient().Connect(ctx, "/mcp")
		Expect(err).To(HaveOccurred())
		Expect(err.(*testutil.StatusError).StatusCode).To(Equal(http.StatusUnauthorized))
		Expect(err.(*testutil.StatusError).Code).To(Equal(types.ErrCodeAuthExpired))
	})

	It("should only let the owning subject resume", func() {
		sse, sessionID := openBroadcast(ts, testutil.WithToken("alice-token"))
		_, err := ts.Client().Notify(ctx, sessionID, "", map[string]any{"n": 1})
		Expect(err).To(HaveOccurred(), "notify without a token")

		resp, err := ts.Client().Post(ctx, "/session/"+sessionID+"/notify",
			types.NotifyRequest{Payload: map[string]any{"n": 1}},
			testutil.WithToken("alice-token"),
		)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		_, err = sse.WaitForEvent("message", 5*time.Second)
		Expect(err).NotTo(HaveOccurred())
		sse.Close()

		err = ts.SSEClient().Connect(ctx, "/mcp",
			testutil.WithSession(sessionID),
			testutil.WithLastEventID(sse.LastEventID()),
			testutil.WithToken("bob-token"),
		)
		Expect(err).To(HaveOccurred())
		Expect(err.(*testutil.StatusError).StatusCode).To(Equal(http.StatusUnauthorized))

		resumed := ts.SSEClient()
		Expect(resumed.Connect(ctx, "/mcp",
			testutil.WithSession(sessionID),
			testutil.WithLastEventID(sse.LastEventID()),
			testutil.WithToken("alice-token"),
		)).To(Succeed())
		resumed.Close()
	})
})

var _ = Describe("Go Client", func() {
	fastBackOff := func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(20*time.Millisecond), 10)
	}

	It("should call tools and report progress", func() {
		c := client.New(testServer.BaseURL, client.WithBackOff(fastBackOff))
		_, err := c.Initialize(ctx, "e2e")
		Expect(err).NotTo(HaveOccurred())
		Expect(c.SessionID()).NotTo(BeEmpty())
		defer c.Close(ctx)

		var progress []int
		result, err := c.Call(ctx, "tools/call", map[string]any{
			"name":      "count",
			"arguments": map[string]any{"to": 3, "interval_ms": 10},
			"_meta":     map[string]any{"progressToken": "go-client"},
		}, func(ev client.Event) {
			if p, ok := progressOf(ev.Data); ok {
				progress = append(progress, p)
			}
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(progress).To(Equal([]int{1, 2, 3}))
		Expect(string(result)).To(ContainSubstring("counted to 3"))

		result, err = c.Call(ctx, "tools/call", map[string]any{
			"name":      "sum",
			"arguments": map[string]any{"numbers": []int{1, 2, 3}},
		}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(result)).To(ContainSubstring("6"))
	})

	It("should follow the broadcast channel and stop when the session ends", func() {
		c := client.New(testServer.BaseURL, client.WithBackOff(fastBackOff))

		var (
			mu       sync.Mutex
			received []json.RawMessage
		)
		sessions := make(chan string, 1)
		done := make(chan error, 1)
		followCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		go func() {
			done <- c.Follow(followCtx, func(ev client.Event) {
				mu.Lock()
				received = append(received, ev.Data)
				mu.Unlock()
			}, client.FollowOptions{
				OnSession: func(frame types.SessionFrame) { sessions <- frame.SessionID },
			})
		}()

		var sessionID string
		Eventually(sessions, 5*time.Second).Should(Receive(&sessionID))

		for i := 1; i <= 3; i++ {
			_, err := testServer.Client().Notify(ctx, sessionID, "", map[string]any{"n": i})
			Expect(err).NotTo(HaveOccurred())
		}
		Eventually(func() int {
			mu.Lock()
			defer mu.Unlock()
			return len(received)
		}, 5*time.Second, 20*time.Millisecond).Should(Equal(3))

		Expect(c.Close(ctx)).To(Succeed())

		var err error
		Eventually(done, 5*time.Second).Should(Receive(&err))
		var closed *client.StreamClosedError
		Expect(errors.As(err, &closed)).To(BeTrue(), "got %v", err)
	})

	It("should report a replay gap and resume fresh", func() {
		sessionID := initialize(testServer)
		c := client.New(testServer.BaseURL,
			client.WithBackOff(fastBackOff),
			client.WithSessionID(sessionID),
		)

		_, err := testServer.Client().Notify(ctx, sessionID, "", map[string]any{"n": 1})
		Expect(err).NotTo(HaveOccurred())

		gaps := make(chan string, 1)
		events := make(chan client.Event, 10)
		followCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			done <- c.Follow(followCtx, func(ev client.Event) { events <- ev }, client.FollowOptions{
				LastEventID: eventID(sessionID, "B", 7),
				OnGap:       func(lastEventID string, _ error) { gaps <- lastEventID },
			})
		}()

		Eventually(gaps, 5*time.Second).Should(Receive(Equal(eventID(sessionID, "B", 7))))
		var ev client.Event
		Eventually(events, 5*time.Second).Should(Receive(&ev))
		Expect(ev.ID).To(Equal(eventID(sessionID, "B", 1)))

		cancel()
		Eventually(done, 5*time.Second).Should(Receive(MatchError(context.Canceled)))
	})
})
