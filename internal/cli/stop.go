package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/harun/episodic-memory/internal/daemon"
	"github.com/spf13/cobra"
)

var (
	stopTimeout int
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the episodic memory daemon",
	Long: `Stop the episodic memory daemon gracefully.
Sends SIGTERM to the daemon and waits for it to shut down, falling back to
SIGKILL after the timeout.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for daemon to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	pidFile, err := getPIDFilePath()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pid, err := stopDaemon(pidFile)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if !daemon.ProcessAlive(pid) {
			fmt.Fprintln(out, "Daemon stopped successfully")
			os.Remove(pidFile)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(out, "Timeout reached, sending SIGKILL...")
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}

	os.Remove(pidFile)
	fmt.Fprintln(out, "Daemon killed")
	return nil
}

// stopDaemon sends SIGTERM to the process named in pidFile.
func stopDaemon(pidFile string) (int, error) {
	pid, err := daemon.ReadPID(pidFile)
	if os.IsNotExist(err) {
		return 0, fmt.Errorf("daemon is not running (no PID file at %s)", pidFile)
	}
	if err != nil {
		return 0, err
	}
	if !daemon.ProcessAlive(pid) {
		os.Remove(pidFile)
		return 0, fmt.Errorf("daemon is not running (removed stale PID file)")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return 0, fmt.Errorf("failed to send SIGTERM: %w", err)
	}
	return pid, nil
}
