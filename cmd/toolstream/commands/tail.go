package commands

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/toolstream/internal/logging"
	"github.com/opencode-ai/toolstream/pkg/client"
	"github.com/opencode-ai/toolstream/pkg/types"
)

var (
	tailRemote      remoteFlags
	tailLastEventID string
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow a session's broadcast channel",
	Long: `Follow a session's broadcast channel and print each event as a JSON
line on stdout. Without --session a new session is created. Dropped
connections are resumed from the last event id printed.`,
	Args: cobra.NoArgs,
	RunE: runTail,
}

func init() {
	tailRemote.register(tailCmd)
	tailCmd.Flags().StringVar(&tailLastEventID, "last-event-id", "", "Resume after this event id")
}

type tailLine struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

func runTail(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := tailRemote.client()
	enc := json.NewEncoder(cmd.OutOrStdout())

	err := c.Follow(ctx, func(ev client.Event) {
		_ = enc.Encode(tailLine{ID: ev.ID, Data: ev.Data})
	}, client.FollowOptions{
		LastEventID: tailLastEventID,
		OnSession: func(f types.SessionFrame) {
			logging.Info().Str("session", f.SessionID).Msg("session created")
		},
		OnGap: func(lastEventID string, err error) {
			logging.Warn().Str("lastEventID", lastEventID).Msg("events lost, resuming from oldest retained event")
		},
		OnReconnect: func(err error, wait time.Duration) {
			logging.Debug().Err(err).Dur("wait", wait).Msg("reconnecting")
		},
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
