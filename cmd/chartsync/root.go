package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rfarrell/chartsync/internal/config"
	"github.com/rfarrell/chartsync/internal/engine"
	"github.com/rfarrell/chartsync/internal/queue"
	"github.com/rfarrell/chartsync/internal/remote"
	"github.com/rfarrell/chartsync/internal/resolve"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "chartsync",
	Short: "Offline-first sync agent for clinical documentation",
	Long: `chartsync queues chart mutations captured while a device is offline
and synchronizes them to the records backend when connectivity returns.

Local state lives in ~/.chartsync by default: a SQLite mutation queue, a
spool directory the documentation client drops changes into, and the
daemon log.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.chartsync/config.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration honoring the --config flag.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// newLogger builds the logger for one-shot commands.
func newLogger() *log.Logger {
	return log.New(os.Stderr, "[chartsync] ", log.LstdFlags)
}

// newDaemonLogger builds the daemon logger, teeing to a size-rotated log
// file alongside stderr.
func newDaemonLogger(cfg *config.Config) *log.Logger {
	if cfg.Log.File == "" {
		return newLogger()
	}

	rotated := &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   true,
	}
	return log.New(io.MultiWriter(os.Stderr, rotated), "[chartsync] ", log.LstdFlags)
}

// openQueue opens the durable mutation queue, degrading to volatile memory
// if the database cannot be opened.
func openQueue(cfg *config.Config, logger *log.Logger) *queue.Queue {
	q := queue.Open(cfg.DatabasePath, logger)
	q.SetMaxRetries(cfg.Sync.MaxRetries)
	return q
}

// newBackend builds the records API client from config.
func newBackend(cfg *config.Config) (*remote.HTTPClient, error) {
	if cfg.Backend.BaseURL == "" {
		return nil, fmt.Errorf("backend.base_url is not configured (run 'chartsync config init' and edit %s)", config.FileName)
	}
	return remote.NewHTTPClient(remote.HTTPConfig{
		BaseURL: cfg.Backend.BaseURL,
		Token:   cfg.Backend.Token,
		Timeout: cfg.Backend.Timeout,
	}), nil
}

// resolverFor maps the configured resolution policy to a resolver.
func resolverFor(cfg *config.Config) resolve.ResolverFunc {
	switch cfg.Sync.Resolution {
	case "client-wins":
		return resolve.Static(resolve.ClientWins)
	case "merge":
		return resolve.Static(resolve.Merge)
	case "manual":
		return resolve.Static(resolve.Manual)
	default:
		return resolve.DefaultResolver
	}
}

// newEngine wires the sync engine from config.
func newEngine(cfg *config.Config, q *queue.Queue, backend remote.Backend, monitor engine.ConnectivityMonitor, logger *log.Logger) *engine.Engine {
	return engine.New(q, backend, monitor, engine.Config{
		BatchSize:   cfg.Sync.BatchSize,
		CallTimeout: cfg.Backend.Timeout,
		Backoff: engine.Backoff{
			Base: cfg.Sync.BackoffBase,
			Max:  cfg.Sync.BackoffMax,
		},
		Resolver: resolverFor(cfg),
		Logger:   logger,
	})
}
