package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/toolstream/pkg/client"
)

var (
	callRemote remoteFlags
	callKeep   bool
)

var callCmd = &cobra.Command{
	Use:   "call <tool> [arguments-json]",
	Short: "Call a tool and print its result",
	Long: `Call a tool on the server. Progress notifications are printed on
stderr as they stream in; the result goes to stdout. Without --session a
session is initialized for the call and closed afterwards unless --keep is
given.`,
	Example: `  toolstream call sum '{"numbers":[1,2,3]}'
  toolstream call count '{"to":5,"interval_ms":200}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCall,
}

func init() {
	callRemote.register(callCmd)
	callCmd.Flags().BoolVar(&callKeep, "keep", false, "Keep a session created for this call")
}

func runCall(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	arguments := json.RawMessage(`{}`)
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("arguments are not valid JSON: %s", args[1])
		}
		arguments = json.RawMessage(args[1])
	}

	c := callRemote.client()
	if c.SessionID() == "" {
		if _, err := c.Initialize(ctx, "toolstream-cli"); err != nil {
			return fmt.Errorf("initialize: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "session %s\n", c.SessionID())
		if !callKeep {
			defer c.Close(context.Background())
		}
	}

	params := map[string]any{
		"name":      args[0],
		"arguments": arguments,
		"_meta":     map[string]any{"progressToken": "toolstream-cli"},
	}
	result, err := c.Call(ctx, "tools/call", params, func(ev client.Event) {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", ev.ID, ev.Data)
	})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
