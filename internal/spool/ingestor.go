package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rfarrell/chartsync/internal/queue"
	"github.com/rfarrell/chartsync/internal/store"
)

const (
	processedDir = "processed"
	rejectedDir  = "rejected"
)

// request is the on-disk shape of a spooled mutation.
type request struct {
	EntityType string         `json:"entity_type"`
	Operation  string         `json:"operation"`
	Table      string         `json:"table"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	Baseline   map[string]any `json:"baseline,omitempty"`
}

// Config holds ingestor settings.
type Config struct {
	// Dir is the spool directory to watch. Required.
	Dir string

	// DebounceInterval is how long to wait before processing a file after
	// its last event. This batches rapid rewrites together.
	DebounceInterval time.Duration

	// Logger for ingestion activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for the given directory.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:              dir,
		DebounceInterval: 200 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[spool] ", log.LstdFlags),
	}
}

// Ingestor drains spool files into the mutation queue.
type Ingestor struct {
	cfg     Config
	queue   *queue.Queue
	watcher *Watcher

	mu          sync.Mutex
	changeQueue map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewIngestor creates an ingestor for the configured spool directory.
func NewIngestor(cfg Config, q *queue.Queue) (*Ingestor, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("spool directory is required")
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = 200 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[spool] ", log.LstdFlags)
	}

	watcher, err := NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Ingestor{
		cfg:         cfg,
		queue:       q,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
	}, nil
}

// Start prepares the spool directory, ingests any files left over from a
// previous run, and begins watching for new ones.
func (in *Ingestor) Start(ctx context.Context) error {
	for _, dir := range []string{in.cfg.Dir, filepath.Join(in.cfg.Dir, processedDir), filepath.Join(in.cfg.Dir, rejectedDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create spool directory %s: %w", dir, err)
		}
	}

	if err := in.ingestExisting(ctx); err != nil {
		return err
	}

	if err := in.watcher.Start(in.cfg.Dir); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	in.cancel = cancel

	in.wg.Add(2)
	go in.collectEvents(runCtx)
	go in.processChangeQueue(runCtx)

	in.cfg.Logger.Printf("Watching spool directory %s", in.cfg.Dir)
	return nil
}

// Stop halts watching and waits for in-flight ingestion to finish.
func (in *Ingestor) Stop() error {
	if in.cancel != nil {
		in.cancel()
	}
	err := in.watcher.Stop()
	in.wg.Wait()
	return err
}

// ingestExisting processes files already sitting in the spool directory,
// oldest first. Files from a crashed previous run are indistinguishable
// from new arrivals, which is exactly what we want.
func (in *Ingestor) ingestExisting(ctx context.Context) error {
	entries, err := os.ReadDir(in.cfg.Dir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		in.ingestFile(ctx, filepath.Join(in.cfg.Dir, entry.Name()))
	}
	return nil
}

// collectEvents stamps incoming file events into the debounce map.
func (in *Ingestor) collectEvents(ctx context.Context) {
	defer in.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-in.watcher.Events():
			if !ok {
				return
			}
			in.mu.Lock()
			in.changeQueue[event.Path] = time.Now()
			in.mu.Unlock()

		case err, ok := <-in.watcher.Errors():
			if !ok {
				return
			}
			in.cfg.Logger.Printf("WARNING: watcher error: %v", err)
		}
	}
}

// processChangeQueue processes debounced file changes on a ticker.
func (in *Ingestor) processChangeQueue(ctx context.Context) {
	defer in.wg.Done()

	ticker := time.NewTicker(in.cfg.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.drainReady(ctx)
		}
	}
}

// drainReady ingests every file whose last event is older than the
// debounce interval.
func (in *Ingestor) drainReady(ctx context.Context) {
	now := time.Now()

	in.mu.Lock()
	var ready []string
	for path, queuedAt := range in.changeQueue {
		if now.Sub(queuedAt) < in.cfg.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(in.changeQueue, path)
	}
	in.mu.Unlock()

	for _, path := range ready {
		in.ingestFile(ctx, path)
	}
}

// ingestFile parses one spool file, enqueues the mutation, and archives the
// file. A file that cannot be parsed or enqueued goes to rejected/ so it is
// never retried blindly.
func (in *Ingestor) ingestFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Already archived by an earlier event for the same file.
			return
		}
		in.cfg.Logger.Printf("WARNING: failed to read %s: %v", path, err)
		return
	}

	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		in.cfg.Logger.Printf("Rejecting %s: invalid JSON: %v", filepath.Base(path), err)
		in.archive(path, rejectedDir)
		return
	}

	id, err := in.queue.Enqueue(ctx, queue.Request{
		EntityType: req.EntityType,
		Operation:  store.Operation(req.Operation),
		Table:      req.Table,
		EntityID:   req.EntityID,
		Payload:    req.Payload,
		Baseline:   req.Baseline,
	})
	if err != nil {
		in.cfg.Logger.Printf("Rejecting %s: %v", filepath.Base(path), err)
		in.archive(path, rejectedDir)
		return
	}

	if id == "" {
		in.cfg.Logger.Printf("Ingested %s: cancelled out a pending mutation", filepath.Base(path))
	} else {
		in.cfg.Logger.Printf("Ingested %s as mutation %s", filepath.Base(path), id)
	}
	in.archive(path, processedDir)
}

// archive moves a spool file into the named subdirectory, prefixing a
// timestamp so repeated file names never collide.
func (in *Ingestor) archive(path, subdir string) {
	name := fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102T150405.000000000"), filepath.Base(path))
	dest := filepath.Join(in.cfg.Dir, subdir, name)
	if err := os.Rename(path, dest); err != nil {
		in.cfg.Logger.Printf("WARNING: failed to archive %s: %v", path, err)
	}
}
