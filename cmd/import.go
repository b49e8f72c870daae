package cmd

import (
	"github.com/spf13/cobra"

	"go.olrik.dev/diskferry/internal/core"
)

func NewImportCommand() *cobra.Command {
	f := &transferFlags{}

	importCmd := &cobra.Command{
		Use:   "import <status-file>",
		Short: "Receive a disk image over the network",
		Long: `Listen for an incoming transfer, decompress it if requested and hand
the payload to the copier. The advertised listen port and all progress
end up in the status file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransfer(cmd, f, core.ModeImport, args[0])
		},
	}
	addTransferFlags(importCmd, f)

	return importCmd
}
