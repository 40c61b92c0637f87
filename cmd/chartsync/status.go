package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rfarrell/chartsync/internal/store"
	"github.com/rfarrell/chartsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local queue and backend status",
	Long: `Display the current state of the local mutation queue and backend
reachability.

Shows:
  - Queue database location and size
  - Mutation counts by status
  - Whether the records backend is currently reachable`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("\n%s Chartsync Status\n\n", ui.RenderAccent("📊"))

		info, err := os.Stat(cfg.DatabasePath)
		switch {
		case os.IsNotExist(err):
			fmt.Printf("Queue: %s\n", ui.RenderDim("not initialized (nothing queued yet)"))
		case err != nil:
			return fmt.Errorf("failed to check queue database: %w", err)
		default:
			fmt.Printf("Queue: %s (%s)\n", cfg.DatabasePath, formatSize(info.Size()))

			q := openQueue(cfg, newLogger())
			defer q.Close()

			muts, err := q.All(cmd.Context())
			if err != nil {
				return err
			}

			byStatus := make(map[store.Status]int)
			for _, m := range muts {
				byStatus[m.Status]++
			}
			fmt.Printf("Mutations: %d", len(muts))
			if byStatus[store.StatusFailed] > 0 {
				fmt.Printf("  %s", ui.RenderFail(fmt.Sprintf("(%d failed)", byStatus[store.StatusFailed])))
			}
			if byStatus[store.StatusConflict] > 0 {
				fmt.Printf("  %s", ui.RenderWarn(fmt.Sprintf("(%d conflicts)", byStatus[store.StatusConflict])))
			}
			fmt.Println()
		}

		if cfg.Backend.BaseURL == "" {
			fmt.Printf("Backend: %s\n", ui.RenderDim("not configured"))
			fmt.Println()
			return nil
		}

		backend, err := newBackend(cfg)
		if err != nil {
			return err
		}
		probeCtx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		reachable := backend.Health(probeCtx) == nil
		cancel()

		if reachable {
			fmt.Printf("Backend: %s %s\n", cfg.Backend.BaseURL, ui.RenderPass("reachable"))
		} else {
			fmt.Printf("Backend: %s %s\n", cfg.Backend.BaseURL, ui.RenderFail("unreachable"))
		}
		fmt.Println()
		return nil
	},
}

// formatSize renders a byte count in a human unit.
func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
