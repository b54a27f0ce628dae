package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/harun/episodic-memory/internal/daemon"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show whether the episodic memory daemon is running, with its PID and uptime.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	pidFile, err := getPIDFilePath()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pid, err := daemon.ReadPID(pidFile)
	if err != nil || !daemon.ProcessAlive(pid) {
		if jsonOutput {
			return printJSON(out, map[string]interface{}{"running": false})
		}
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	// The PID file is written at start, so its mtime gives the uptime.
	var uptime time.Duration
	if info, err := os.Stat(pidFile); err == nil {
		uptime = time.Since(info.ModTime())
	}

	if jsonOutput {
		return printJSON(out, map[string]interface{}{
			"running": true,
			"pid":     pid,
			"uptime":  formatDuration(uptime),
		})
	}
	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if uptime > 0 {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(uptime))
	}
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
