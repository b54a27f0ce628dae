package cli

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/harun/episodic-memory/pkg/memory"
	"github.com/spf13/cobra"
)

var statsStorage bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory store statistics",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().BoolVar(&statsStorage, "storage", false, "include the estimated per-project storage breakdown")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
		stats, err := rt.store.GetStats(ctx)
		if err != nil {
			return err
		}
		var breakdown []memory.ProjectStorage
		if statsStorage {
			if breakdown, err = rt.store.GetStorageBreakdown(ctx); err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, map[string]interface{}{
				"stats":   stats,
				"vectors": stats.Vectors.String(),
				"storage": breakdown,
			})
		}

		fmt.Fprintf(out, "Database:   %s (%s)\n", rt.cfg.DBPath, humanize.Bytes(uint64(stats.DatabaseSizeBytes)))
		fmt.Fprintf(out, "Capacity:   %.0f MB\n", rt.cfg.MaxStorageMB)
		fmt.Fprintf(out, "Schema:     v%d\n", stats.SchemaVersion)
		fmt.Fprintf(out, "Vectors:    %s\n", stats.Vectors)
		fmt.Fprintf(out, "Exchanges:  %s\n", humanize.Comma(int64(stats.TotalExchanges)))
		fmt.Fprintf(out, "Sessions:   %s\n", humanize.Comma(int64(stats.TotalSessions)))
		if stats.TotalExchanges > 0 {
			fmt.Fprintf(out, "Oldest:     %s\n", humanize.Time(stats.OldestExchange))
			fmt.Fprintf(out, "Newest:     %s\n", humanize.Time(stats.NewestExchange))
		}
		if !stats.LastIndexed.IsZero() {
			fmt.Fprintf(out, "Indexed:    %s\n", humanize.Time(stats.LastIndexed))
		}
		if stats.HistoricalImportComplete {
			fmt.Fprintln(out, "Import:     historical import complete")
		} else {
			fmt.Fprintln(out, "Import:     historical import pending")
		}

		if len(stats.TopProjects) > 0 {
			fmt.Fprintln(out, "\nTop projects:")
			for _, p := range stats.TopProjects {
				fmt.Fprintf(out, "  %8s  %s\n", humanize.Comma(int64(p.Count)), displayProject(p.ProjectPath))
			}
		}
		if len(breakdown) > 0 {
			fmt.Fprintln(out, "\nEstimated storage:")
			for _, p := range breakdown {
				fmt.Fprintf(out, "  %9s  %5.1f%%  %s\n", humanize.Bytes(uint64(p.EstimatedBytes)), p.Share*100, displayProject(p.ProjectPath))
			}
		}
		return nil
	})
}

func displayProject(path string) string {
	if path == "" {
		return "(no project)"
	}
	return path
}
