// Package commands provides the CLI commands for toolstream.
package commands

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/toolstream/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	prettyLogs bool
	logLevel   string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "toolstream",
	Short: "toolstream - resumable MCP session server",
	Long: `toolstream serves MCP tools over streamable HTTP with resumable
delivery: clients that lose their connection reconnect with the last event
id they saw and receive exactly what they missed.

Run 'toolstream serve' to start a server, 'toolstream tail' to follow a
session and 'toolstream call' to invoke a tool.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
		} else {
			// Optional; most deployments have none.
			_ = godotenv.Load()
		}
		setupLogging(logLevel, prettyLogs)
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&prettyLogs, "pretty-logs", false, "Human readable logs on stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from this file")

	rootCmd.SetVersionTemplate(fmt.Sprintf("toolstream %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(callCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func setupLogging(level string, pretty bool) {
	cfg := logging.DefaultConfig()
	cfg.Output = os.Stderr
	cfg.Pretty = pretty
	if level != "" {
		cfg.Level = logging.ParseLevel(level)
	}
	logging.Init(cfg)
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}
