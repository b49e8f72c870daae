package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"go.olrik.dev/diskferry/internal/core"
	"go.olrik.dev/diskferry/internal/db"
)

func NewEventsCommand() *cobra.Command {
	var limit int

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent transfer events",
		Long:  "Show the most recent entries from the transfer event journal.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Root().PersistentFlags().GetString("event-db")
			if path == "" {
				configPath, _ := cmd.Root().PersistentFlags().GetString("config-path")
				path = filepath.Join(configPath, core.EventDBName)
			}

			journal, err := db.Open(path)
			if err != nil {
				return fmt.Errorf("failed to open event journal: %w", err)
			}
			defer journal.Close()

			events, err := journal.GetRecentEvents(limit)
			if err != nil {
				return fmt.Errorf("failed to read event journal: %w", err)
			}
			if len(events) == 0 {
				fmt.Println("No transfer events recorded.")
				return nil
			}
			for _, e := range events {
				fmt.Printf("%s  %-6s  %-18s  %s\n",
					e.Timestamp.Format("2006-01-02 15:04:05"), e.Mode, e.EventType, e.Details)
			}
			return nil
		},
	}
	eventsCmd.Flags().IntVar(&limit, "limit", 20, "number of events to show")

	return eventsCmd
}
