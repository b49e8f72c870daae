package cmd

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"go.olrik.dev/diskferry/internal/core"
)

func NewRootCommand() *cobra.Command {
	var debug, verbose bool

	rootCmd := &cobra.Command{
		Use:   "diskferry",
		Short: "Diskferry - disk image transfer daemon",
		Long: `Diskferry moves the raw contents of a block device between two hosts
as part of instance export/import. One side imports, the other exports;
progress is reported through a status file the orchestrator polls.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := core.InitializeConfig(cmd); err != nil {
				return err
			}
			setupLogging(debug, verbose)
			return nil
		},
	}
	rootCmd.PersistentFlags().String("config-path", core.DefaultConfigPath(), "config path")
	rootCmd.PersistentFlags().String("event-db", "", "path to the transfer event journal (empty disables journalling)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "log debug output")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "log informational output")

	rootCmd.AddCommand(
		NewImportCommand(),
		NewExportCommand(),
		NewEventsCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}

// setupLogging installs the default logger. Errors only unless the caller
// asks for more.
func setupLogging(debug, verbose bool) {
	level := slog.LevelError
	if verbose {
		level = slog.LevelInfo
	}
	if debug {
		level = slog.LevelDebug
	}
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
	})
	slog.SetDefault(slog.New(handler))
}
