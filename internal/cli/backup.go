package cli

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var backupList bool

var backupCmd = &cobra.Command{
	Use:   "backup [dest]",
	Short: "Back up the memory database",
	Long: `Back up the memory database while it stays in use.
Without a destination a timestamped backup is written to the backups
directory and only the newest five are kept. Use --list to show them.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBackup,
}

func init() {
	backupCmd.Flags().BoolVar(&backupList, "list", false, "list timestamped backups")
	rootCmd.AddCommand(backupCmd)
}

func runBackup(cmd *cobra.Command, args []string) error {
	return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
		out := cmd.OutOrStdout()

		if backupList {
			backups, err := rt.store.ListBackups()
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out, backups)
			}
			if len(backups) == 0 {
				fmt.Fprintln(out, "No backups.")
				return nil
			}
			for _, b := range backups {
				fmt.Fprintf(out, "%s  %9s  %s\n", b.ModTime.Format("2006-01-02 15:04:05"), humanize.Bytes(uint64(b.Size)), b.Path)
			}
			return nil
		}

		var dest string
		if len(args) == 1 {
			dest = args[0]
			if err := rt.store.Backup(ctx, dest); err != nil {
				return err
			}
		} else {
			var err error
			if dest, err = rt.store.CreateTimestampedBackup(ctx); err != nil {
				return err
			}
		}

		if jsonOutput {
			return printJSON(out, map[string]string{"path": dest})
		}
		fmt.Fprintf(out, "Backup written to %s\n", dest)
		return nil
	})
}
