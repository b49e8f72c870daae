package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"go.olrik.dev/diskferry/internal/core"
)

func NewVersionCommand() *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("diskferry %s\n", core.FormatVersion(core.Version))
		},
	}

	return versionCmd
}
