package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/toolstream/internal/config"
	"github.com/opencode-ai/toolstream/internal/logging"
)

var (
	servePort     int
	serveHostname string
	serveDir      string
	serveNoWatch  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the toolstream server",
	Long: `Start the toolstream server. Configuration is read from
~/.config/toolstream, the working directory and TOOLSTREAM_* environment
variables; changes to the config files are applied while running.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 4096, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "127.0.0.1", "Hostname to listen on")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Directory holding the project config")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Do not reload config files on change")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if cmd.Flags().Changed("hostname") {
		cfg.Server.Host = serveHostname
	}

	if logLevel == "" {
		logging.SetLevel(logging.ParseLevel(cfg.Log.Level))
	}
	if cfg.Log.Pretty && !prettyLogs {
		setupLogging(logLevel, true)
		if logLevel == "" {
			logging.SetLevel(logging.ParseLevel(cfg.Log.Level))
		}
	}

	logging.Info().
		Str("version", Version).
		Str("directory", workDir).
		Msg("starting toolstream")

	st, err := newStack(cfg)
	if err != nil {
		return err
	}
	st.pinnedLevel = logLevel != ""

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watchDir := workDir
	if serveNoWatch {
		watchDir = ""
	}
	if err := st.run(ctx, nil, watchDir); err != nil {
		return err
	}
	logging.Info().Msg("server stopped")
	return nil
}
