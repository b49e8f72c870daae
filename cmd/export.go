package cmd

import (
	"github.com/spf13/cobra"

	"go.olrik.dev/diskferry/internal/core"
)

func NewExportCommand() *cobra.Command {
	f := &transferFlags{}

	exportCmd := &cobra.Command{
		Use:   "export <status-file>",
		Short: "Send a disk image over the network",
		Long: `Read the disk through the copier, compress it if requested and push
the payload to the importing side. Progress ends up in the status file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransfer(cmd, f, core.ModeExport, args[0])
		},
	}
	addTransferFlags(exportCmd, f)
	exportCmd.MarkFlagRequired("host")
	exportCmd.MarkFlagRequired("port")

	return exportCmd
}
