package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/harun/episodic-memory/pkg/memory"
	"github.com/spf13/cobra"
)

var repairFix bool

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Check the store for damage and optionally fix it",
	Long: `Check the store for structural damage, orphaned vectors, stale sources and
missing embeddings. Without --fix nothing is changed.`,
	Args: cobra.NoArgs,
	RunE: runRepair,
}

func init() {
	repairCmd.Flags().BoolVar(&repairFix, "fix", false, "apply fixes instead of only reporting")
	rootCmd.AddCommand(repairCmd)
}

func runRepair(cmd *cobra.Command, args []string) error {
	return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
		report, err := rt.store.Repair(ctx, memory.RepairOptions{Fix: repairFix})
		if err != nil {
			return err
		}
		if jsonOutput {
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
		} else {
			printRepairReport(cmd.OutOrStdout(), report)
		}
		if check, ok := report.Check(memory.CheckIntegrity); ok && check.Status == memory.CheckError {
			return fmt.Errorf("database failed the integrity check; restore from a backup")
		}
		return nil
	})
}

func printRepairReport(w io.Writer, report *memory.RepairReport) {
	mode := "fix"
	if report.DryRun {
		mode = "dry run"
	}
	fmt.Fprintf(w, "Repair (%s) finished in %s\n\n", mode, report.Duration.Round(1e6))
	for _, check := range report.Checks {
		line := fmt.Sprintf("  %-8s %-20s %s", strings.ToUpper(string(check.Status)), check.Name, check.Details)
		if check.BytesSaved > 0 {
			line += fmt.Sprintf(" (%s reclaimed)", humanize.Bytes(uint64(check.BytesSaved)))
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "\nTotal issues: %d\n", report.TotalIssues)
	if report.DryRun && report.TotalIssues > 0 {
		fmt.Fprintln(w, "Run with --fix to apply fixes.")
	}
}
