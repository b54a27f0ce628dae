package cli

import (
	"context"
	"fmt"

	"github.com/harun/episodic-memory/internal/config"
	"github.com/harun/episodic-memory/internal/daemon"
	"github.com/spf13/cobra"
)

var startPort int

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the episodic memory daemon in the foreground",
	Long: `Start the episodic memory daemon in the foreground.
The daemon indexes the archive, re-indexes conversation logs as they change,
runs scheduled backups, pruning and integrity checks, and serves the memory
tools over WebSocket and HTTP until it receives SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

func init() {
	startCmd.Flags().IntVar(&startPort, "port", -1, "tool server port (overrides gateway.port, 0 picks a free port)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	pidFile, err := getPIDFilePath()
	if err != nil {
		return err
	}
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	return withRuntime(cmd, func(_ context.Context, rt *runtime) error {
		if startPort >= 0 {
			rt.cfg.Gateway.Port = startPort
		}

		d, err := daemon.New(rt.cfg, rt.store, rt.logger)
		if err != nil {
			return err
		}
		if err := d.Start(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Episodic memory daemon listening on %s (PID file: %s)\n",
			d.Status().GatewayAddr, pidFile)
		return d.Wait()
	})
}

// getPIDFilePath resolves the daemon PID file from the configured data
// directory.
func getPIDFilePath() (string, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	return daemon.PIDFilePath(cfg.DataDir), nil
}

func isRunning(pidFile string) bool {
	return daemon.IsRunning(pidFile)
}
