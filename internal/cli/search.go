package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/harun/episodic-memory/pkg/memory"
	"github.com/spf13/cobra"
)

const snippetLength = 160

var (
	searchLimit    int
	searchMode     string
	searchAfter    string
	searchBefore   string
	searchProject  string
	searchConcepts []string
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search past conversation exchanges",
	Long: `Search past conversation exchanges.
Vector search is used when an embedding provider is configured, with text
search as the fallback. Repeat --concept to require several concepts at once
instead of giving a single query.`,
	Args: cobra.ArbitraryArgs,
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", memory.DefaultSearchLimit, "maximum number of results")
	searchCmd.Flags().StringVar(&searchMode, "mode", "auto", "search mode (auto, vector, text, both)")
	searchCmd.Flags().StringVar(&searchAfter, "after", "", "only exchanges at or after this date (YYYY-MM-DD or RFC 3339)")
	searchCmd.Flags().StringVar(&searchBefore, "before", "", "only exchanges at or before this date (YYYY-MM-DD or RFC 3339)")
	searchCmd.Flags().StringVar(&searchProject, "project", "", "only exchanges from this project path")
	searchCmd.Flags().StringArrayVar(&searchConcepts, "concept", nil, "concept that every result must match (repeatable)")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.TrimSpace(strings.Join(args, " "))
	if query == "" && len(searchConcepts) == 0 {
		return fmt.Errorf("a query or at least one --concept is required")
	}
	if query != "" && len(searchConcepts) > 0 {
		return fmt.Errorf("give either a query or --concept flags, not both")
	}

	opts, err := buildSearchOptions()
	if err != nil {
		return err
	}

	return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
		var results []memory.SearchResult
		if len(searchConcepts) > 0 {
			results = rt.store.SearchMultiConcept(ctx, searchConcepts, opts)
		} else {
			results = rt.store.Search(ctx, query, opts)
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), results)
		}
		printSearchResults(cmd.OutOrStdout(), results)
		return nil
	})
}

func buildSearchOptions() (memory.SearchOptions, error) {
	opts := memory.SearchOptions{Limit: searchLimit}
	if searchLimit < 1 {
		return opts, fmt.Errorf("--limit must be at least 1")
	}

	switch mode := memory.SearchMode(searchMode); mode {
	case "auto", "":
		opts.Mode = memory.SearchModeAuto
	case memory.SearchModeVector, memory.SearchModeText, memory.SearchModeBoth:
		opts.Mode = mode
	default:
		return opts, fmt.Errorf("unknown search mode: %s", searchMode)
	}

	var err error
	if opts.Filters.After, err = parseDateFlag("after", searchAfter); err != nil {
		return opts, err
	}
	if opts.Filters.Before, err = parseDateFlag("before", searchBefore); err != nil {
		return opts, err
	}
	opts.Filters.ProjectPath = searchProject
	return opts, nil
}

func parseDateFlag(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("--%s must be YYYY-MM-DD or RFC 3339, got %q", name, value)
}

func printSearchResults(w io.Writer, results []memory.SearchResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No matching exchanges.")
		return
	}
	for i, r := range results {
		ex := r.Exchange
		fmt.Fprintf(w, "%d. [%.2f] %s  %s\n", i+1, r.Score, ex.ID, humanize.Time(ex.Timestamp))
		if ex.ProjectPath != "" {
			fmt.Fprintf(w, "   project: %s\n", ex.ProjectPath)
		}
		fmt.Fprintf(w, "   Q: %s\n", snippet(ex.UserMessage))
		fmt.Fprintf(w, "   A: %s\n", snippet(ex.AssistantMessage))
		if len(ex.ToolNames) > 0 {
			fmt.Fprintf(w, "   tools: %s\n", strings.Join(ex.ToolNames, ", "))
		}
	}
}

// snippet flattens whitespace and truncates to snippetLength runes.
func snippet(text string) string {
	flat := strings.Join(strings.Fields(text), " ")
	runes := []rune(flat)
	if len(runes) <= snippetLength {
		return flat
	}
	return string(runes[:snippetLength-3]) + "..."
}
