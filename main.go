package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	envFile string

	rootCmd = &cobra.Command{
		Use:   "space-manager",
		Short: "Operator console backend for hosted application instances",
		Long: `space-manager aggregates the instances of several platform accounts,
dispatches restart, rebuild, pause and resume actions with the owning
account's credential, and streams live runtime metrics to the console.`,
		SilenceUsage: true,
		RunE:         runServe,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to an optional .env file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(accountsCmd)
	rootCmd.AddCommand(hashPasswordCmd)
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
