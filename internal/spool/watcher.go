// Package spool ingests mutation files dropped into a spool directory.
//
// The documentation client writes each captured change as a small JSON file
// in the spool directory. The spool watcher picks these files up, debounces
// rapid rewrites, enqueues the mutation, and archives the file to a
// processed/ or rejected/ subdirectory so the directory itself never holds
// unacknowledged work.
package spool

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileEvent represents a spool file appearing or changing.
type FileEvent struct {
	// Path is the absolute path to the spool file.
	Path string
}

// Watcher watches the spool directory for mutation files.
// It uses fsnotify for cross-platform file system event monitoring.
type Watcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	dir     string
}

// NewWatcher creates a new Watcher instance.
// The watcher must be started with Start() before it will emit events.
func NewWatcher() (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching the spool directory for *.json file events.
func (w *Watcher) Start(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	w.dir = dir

	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch spool directory %s: %w", dir, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// Stop stops watching for file system events and cleans up resources.
// It blocks until the event processing goroutine has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)

	// Closing the underlying watcher unblocks the event loop.
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.wg.Wait()

	close(w.events)
	close(w.errors)

	return nil
}

// Events returns the channel that emits FileEvent notifications.
// This channel is closed when the watcher is stopped.
func (w *Watcher) Events() <-chan FileEvent {
	return w.events
}

// Errors returns the channel that emits error notifications.
// This channel is closed when the watcher is stopped.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// processEvents converts fsnotify events into FileEvent notifications.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if fileEvent, ok := w.convertEvent(event); ok {
				select {
				case w.events <- fileEvent:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}

			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent filters fsnotify events down to spool file arrivals.
// Only create and write events on *.json files in the spool directory
// matter; removes are the ingestor archiving its own work.
func (w *Watcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	if !strings.HasSuffix(event.Name, ".json") {
		return FileEvent{}, false
	}

	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return FileEvent{}, false
	}

	absPath, err := filepath.Abs(event.Name)
	if err != nil {
		return FileEvent{}, false
	}
	absDir, _ := filepath.Abs(w.dir)
	if filepath.Dir(absPath) != absDir {
		return FileEvent{}, false
	}

	return FileEvent{Path: absPath}, true
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
