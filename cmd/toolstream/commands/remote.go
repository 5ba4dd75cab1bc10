package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/toolstream/internal/logging"
	"github.com/opencode-ai/toolstream/pkg/client"
)

// remoteFlags are shared by commands that talk to a running server.
type remoteFlags struct {
	url       string
	token     string
	sessionID string
}

func (f *remoteFlags) register(cmd *cobra.Command) {
	defaultURL := os.Getenv("TOOLSTREAM_URL")
	if defaultURL == "" {
		defaultURL = "http://127.0.0.1:4096"
	}
	cmd.Flags().StringVar(&f.url, "url", defaultURL, "Server URL")
	cmd.Flags().StringVar(&f.token, "token", os.Getenv("TOOLSTREAM_TOKEN"), "Bearer token")
	cmd.Flags().StringVarP(&f.sessionID, "session", "s", "", "Existing session id")
}

func (f *remoteFlags) client() *client.Client {
	opts := []client.Option{client.WithLogger(logging.Component("client"))}
	if f.token != "" {
		opts = append(opts, client.WithToken(f.token))
	}
	if f.sessionID != "" {
		opts = append(opts, client.WithSessionID(f.sessionID))
	}
	return client.New(f.url, opts...)
}
