package cli

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/harun/episodic-memory/pkg/memory"
	"github.com/spf13/cobra"
)

var exportVerify bool

var exportCmd = &cobra.Command{
	Use:   "export [path]",
	Short: "Export every exchange and session to a JSON file",
	Long: `Export every exchange and session to a JSON file.
Relative paths are placed in the exports directory and may not escape it.
Without a path a timestamped file name is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExport,
}

var exportVerifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "Validate an export file against the export schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := memory.ValidateExportFile(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is a valid export\n", args[0])
		return nil
	},
}

func init() {
	exportCmd.Flags().BoolVar(&exportVerify, "verify", false, "validate the written file")
	exportCmd.AddCommand(exportVerifyCmd)
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
		var (
			result *memory.ExportResult
			err    error
		)
		if len(args) == 1 {
			result, err = rt.store.Export(ctx, args[0])
		} else {
			result, err = rt.store.CreateTimestampedExport(ctx)
		}
		if err != nil {
			return err
		}
		if exportVerify {
			if err := memory.ValidateExportFile(result.Path); err != nil {
				return err
			}
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), result)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %s exchanges and %s sessions to %s (%s)\n",
			humanize.Comma(int64(result.ExchangeCount)),
			humanize.Comma(int64(result.SessionCount)),
			result.Path,
			humanize.Bytes(uint64(result.Bytes)))
		return nil
	})
}
