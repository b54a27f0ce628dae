package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/harun/episodic-memory/pkg/memory"
	"github.com/spf13/cobra"
)

var showSession bool

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a stored exchange or a whole session",
	Long: `Show a stored exchange in full. With --session the argument is a session
id and every exchange of that session is printed in order.`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

func init() {
	showCmd.Flags().BoolVar(&showSession, "session", false, "treat the argument as a session id")
	rootCmd.AddCommand(showCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
		out := cmd.OutOrStdout()

		if showSession {
			exchanges, err := rt.store.ListSessionExchanges(ctx, args[0])
			if err != nil {
				return err
			}
			if len(exchanges) == 0 {
				return fmt.Errorf("session not found: %s", args[0])
			}
			if jsonOutput {
				return printJSON(out, exchanges)
			}
			for i := range exchanges {
				if i > 0 {
					fmt.Fprintln(out, strings.Repeat("-", 60))
				}
				printExchange(out, &exchanges[i])
			}
			return nil
		}

		ex, err := rt.store.GetExchange(ctx, args[0])
		if errors.Is(err, memory.ErrNotFound) {
			return fmt.Errorf("exchange not found: %s", args[0])
		}
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(out, ex)
		}
		printExchange(out, ex)
		return nil
	})
}

func printExchange(w io.Writer, ex *memory.Exchange) {
	fmt.Fprintf(w, "ID:       %s\n", ex.ID)
	fmt.Fprintf(w, "Session:  %s\n", ex.SessionID)
	if ex.ProjectPath != "" {
		fmt.Fprintf(w, "Project:  %s\n", ex.ProjectPath)
	}
	if ex.GitBranch != "" {
		fmt.Fprintf(w, "Branch:   %s\n", ex.GitBranch)
	}
	fmt.Fprintf(w, "When:     %s (%s)\n", ex.Timestamp.Format("2006-01-02 15:04:05 MST"), humanize.Time(ex.Timestamp))
	fmt.Fprintf(w, "Source:   %s:%d-%d\n", ex.SourceFile, ex.LineStart, ex.LineEnd)
	if len(ex.ToolNames) > 0 {
		fmt.Fprintf(w, "Tools:    %s\n", strings.Join(ex.ToolNames, ", "))
	}
	fmt.Fprintf(w, "\nUser:\n%s\n\nAssistant:\n%s\n", ex.UserMessage, ex.AssistantMessage)
}
