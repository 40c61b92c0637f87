package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rfarrell/chartsync/internal/dashboard"
	"github.com/rfarrell/chartsync/internal/engine"
	"github.com/rfarrell/chartsync/internal/netmon"
	"github.com/rfarrell/chartsync/internal/spool"
	"github.com/rfarrell/chartsync/internal/store"
	"github.com/rfarrell/chartsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon (foreground)",
	Long: `Run the chartsync daemon in the foreground.

The daemon will:
  1. Watch the spool directory for mutation files from the documentation client
  2. Probe backend connectivity and track online/offline transitions
  3. Sync queued mutations on a schedule, immediately on reconnect, and
     whenever new work arrives
  4. Back off exponentially after failed passes

Press Ctrl+C to stop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		logger := newDaemonLogger(cfg)

		q := openQueue(cfg, logger)
		defer q.Close()
		if !q.Durable() {
			fmt.Printf("%s Queue is running in volatile memory; edits will not survive a restart\n", ui.RenderWarn("⚠"))
		}

		backend, err := newBackend(cfg)
		if err != nil {
			return err
		}

		prober := netmon.NewProber(netmon.Config{
			Check:           backend.Health,
			Interval:        cfg.Sync.ProbeInterval,
			OfflineInterval: cfg.Sync.OfflineProbeInterval,
			Logger:          logger,
		})

		eng := newEngine(cfg, q, backend, prober, logger)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		prober.Start(ctx)
		defer prober.Stop()

		ingestor, err := spool.NewIngestor(spool.DefaultConfig(cfg.SpoolDir), q)
		if err != nil {
			return fmt.Errorf("failed to create spool ingestor: %w", err)
		}
		if err := ingestor.Start(ctx); err != nil {
			return fmt.Errorf("failed to start spool ingestor: %w", err)
		}
		defer ingestor.Stop()

		if cfg.Dashboard.Enabled {
			server := dashboard.NewServer(&dashboard.Config{Port: cfg.Dashboard.Port, Logger: logger})
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start dashboard: %w", err)
			}
			defer server.Stop()

			handler := dashboard.NewHandler(server, logger)
			handler.Attach(eng, q)
			defer handler.Detach()
			handler.BroadcastQueueDepth(ctx, q)

			fmt.Printf("%s Dashboard listening on %s\n", ui.RenderAccent("📊"), server.GetAddr())
		}

		// New work and reconnects both kick an immediate pass. The channel
		// holds one pending kick; coalescing further kicks is fine because
		// a pass drains everything pending when it runs.
		kick := make(chan struct{}, 1)
		wake := func() {
			select {
			case kick <- struct{}{}:
			default:
			}
		}

		unsubQueue := q.Subscribe(func([]*store.Mutation) { wake() })
		defer unsubQueue()

		unsubNet := prober.Subscribe(func(online bool) {
			eng.HandleConnectivity(online)
			if online {
				wake()
			}
		})
		defer unsubNet()

		fmt.Printf("%s Starting chartsync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Spool dir: %s\n", cfg.SpoolDir)
		fmt.Printf("   Queue: %s\n", cfg.DatabasePath)
		fmt.Printf("   Backend: %s\n", cfg.Backend.BaseURL)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		runScheduler(ctx, cfg.Sync.Interval, eng, kick)

		logger.Printf("Daemon shutting down")
		return nil
	},
}

// runScheduler drives sync passes until the context is cancelled: on a
// fixed interval while healthy, with exponential backoff after passes that
// erred or left failures behind, and immediately on kicks.
func runScheduler(ctx context.Context, interval time.Duration, eng *engine.Engine, kick <-chan struct{}) {
	failures := 0
	backoff := eng.Backoff()

	next := func() time.Duration {
		if failures == 0 {
			return interval
		}
		return backoff.Delay(failures - 1)
	}

	for {
		timer := time.NewTimer(next())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-kick:
			timer.Stop()
		case <-timer.C:
		}

		result, err := eng.Sync(ctx)
		if err != nil || result.Failed > 0 {
			failures++
		} else {
			failures = 0
		}
	}
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
