package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rfarrell/chartsync/internal/engine"
	"github.com/rfarrell/chartsync/internal/netmon"
	"github.com/rfarrell/chartsync/internal/ui"
)

var syncRetryFailed bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass now",
	Long: `Run a single synchronization pass against the records backend.

This drains the pending mutation queue:
  1. Checks backend reachability
  2. Pushes each pending mutation in enqueue order
  3. Detects and resolves conflicts per the configured policy
  4. Reports what succeeded, failed, and conflicted`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger()

		q := openQueue(cfg, logger)
		defer q.Close()

		backend, err := newBackend(cfg)
		if err != nil {
			return err
		}

		// One probe up front; a one-shot command has no use for the
		// polling monitor.
		probeCtx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		online := backend.Health(probeCtx) == nil
		cancel()

		if !online {
			pending, err := q.Size(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%s Backend unreachable; %d mutations remain queued\n", ui.RenderWarn("⚠"), pending)
			return nil
		}

		eng := newEngine(cfg, q, backend, netmon.Static{State: true}, logger)

		fmt.Printf("%s Syncing to %s...\n", ui.RenderAccent("🔄"), cfg.Backend.BaseURL)

		var result *engine.SyncResult
		if syncRetryFailed {
			result, err = eng.RetryFailed(cmd.Context())
		} else {
			result, err = eng.Sync(cmd.Context())
		}
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), result.Duration.Round(time.Millisecond))
		fmt.Printf("   Succeeded: %d\n", result.Succeeded)
		if result.Failed > 0 {
			fmt.Printf("   %s %d\n", ui.RenderFail("Failed:"), result.Failed)
		}
		if len(result.Conflicts) > 0 {
			fmt.Printf("   %s %d (run 'chartsync conflicts list')\n", ui.RenderWarn("Conflicts:"), len(result.Conflicts))
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncRetryFailed, "retry-failed", false, "reset failed mutations to pending before syncing")
	rootCmd.AddCommand(syncCmd)
}
