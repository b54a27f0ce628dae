package cli

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/harun/episodic-memory/pkg/memory"
	"github.com/spf13/cobra"
)

var pruneMaxMB float64

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete the oldest exchanges until the store fits its capacity",
	Long: `Delete the oldest exchanges until the database fits its capacity.
When the store is over the cap it is pruned to 90% of it and the freed pages
are reclaimed. The configured max_storage_mb is used unless --max-mb is set.`,
	Args: cobra.NoArgs,
	RunE: runPrune,
}

var (
	forgetSession string
	forgetAfter   string
	forgetBefore  string
)

var forgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Delete exchanges by session or date range",
	Args:  cobra.NoArgs,
	RunE:  runForget,
}

func init() {
	pruneCmd.Flags().Float64Var(&pruneMaxMB, "max-mb", 0, "capacity in megabytes (overrides max_storage_mb)")
	forgetCmd.Flags().StringVar(&forgetSession, "session", "", "delete every exchange of this session")
	forgetCmd.Flags().StringVar(&forgetAfter, "after", "", "delete exchanges at or after this date")
	forgetCmd.Flags().StringVar(&forgetBefore, "before", "", "delete exchanges at or before this date")
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(forgetCmd)
}

func runPrune(cmd *cobra.Command, args []string) error {
	return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
		maxMB := rt.cfg.MaxStorageMB
		if cmd.Flags().Changed("max-mb") {
			maxMB = pruneMaxMB
		}
		if maxMB <= 0 {
			return fmt.Errorf("no storage cap configured; set max_storage_mb or pass --max-mb")
		}

		pruned, err := rt.store.PruneToCapacity(ctx, memory.MegabytesToBytes(maxMB))
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"pruned": pruned,
				"max_mb": maxMB,
			})
		}
		if pruned == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "Store is within %.0f MB, nothing pruned\n", maxMB)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %s exchanges to fit %.0f MB\n", humanize.Comma(int64(pruned)), maxMB)
		return nil
	})
}

func runForget(cmd *cobra.Command, args []string) error {
	if forgetSession == "" && forgetAfter == "" && forgetBefore == "" {
		return fmt.Errorf("specify --session or at least one of --after/--before")
	}
	if forgetSession != "" && (forgetAfter != "" || forgetBefore != "") {
		return fmt.Errorf("--session cannot be combined with a date range")
	}
	after, err := parseDateFlag("after", forgetAfter)
	if err != nil {
		return err
	}
	before, err := parseDateFlag("before", forgetBefore)
	if err != nil {
		return err
	}

	return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
		var deleted int
		if forgetSession != "" {
			deleted, err = rt.store.DeleteBySession(ctx, forgetSession)
		} else {
			deleted, err = rt.store.DeleteByDateRange(ctx, after, before)
		}
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]int{"deleted": deleted})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s exchanges\n", humanize.Comma(int64(deleted)))
		return nil
	})
}
