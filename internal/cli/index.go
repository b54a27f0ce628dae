package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/harun/episodic-memory/internal/daemon"
	"github.com/harun/episodic-memory/pkg/indexer"
	"github.com/spf13/cobra"
)

var indexForce bool

var indexCmd = &cobra.Command{
	Use:   "index [path]",
	Short: "Index conversation logs into the memory store",
	Long: `Index conversation logs into the memory store.
Without a path the configured archive directory is indexed. A path may be a
single .jsonl file or an archive directory of project folders. Unchanged files
are skipped unless --force is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().BoolVar(&indexForce, "force", false, "re-index files even when unchanged")
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
		ix, err := daemon.NewIndexer(rt.cfg, rt.store, rt.logger)
		if err != nil {
			return err
		}

		target := rt.cfg.ArchiveDir
		if len(args) == 1 {
			target = args[0]
		}
		info, err := os.Stat(target)
		if err != nil {
			return fmt.Errorf("cannot index %s: %w", target, err)
		}

		var result *indexer.Result
		switch {
		case info.IsDir():
			result, err = ix.IndexDirectory(ctx, target)
		case indexForce:
			result, err = ix.Reindex(ctx, target)
		default:
			result, err = ix.IndexFile(ctx, target)
		}
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), result)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Indexed %s files (%s unchanged)\n", humanize.Comma(int64(result.Files)), humanize.Comma(int64(result.SkippedFiles)))
		fmt.Fprintf(out, "Exchanges: %s (%s with embeddings)\n", humanize.Comma(int64(result.Exchanges)), humanize.Comma(int64(result.Embedded)))
		if result.Pruned > 0 {
			fmt.Fprintf(out, "Pruned: %s old exchanges to stay under %.0f MB\n", humanize.Comma(int64(result.Pruned)), rt.cfg.MaxStorageMB)
		}
		return nil
	})
}
