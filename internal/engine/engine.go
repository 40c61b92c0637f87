// Package engine implements the synchronization engine that drains the
// mutation queue against the remote backend.
//
// The engine runs one pass at a time (single-flight): a pass pulls pending
// mutations in enqueue order, checks each update/delete for conflicts
// against the remote row, applies the operation or a conflict resolution,
// and removes successful mutations from the queue. Individual mutation
// failures never abort a pass; they are retried on later passes up to the
// retry ceiling and then marked failed.
//
// Cancellation is cooperative: Abort cancels the pass context, which is
// checked between mutations and between batches. In-flight remote calls are
// bounded by per-call timeouts, so a hung connection cannot stall a pass.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/rfarrell/chartsync/internal/queue"
	"github.com/rfarrell/chartsync/internal/remote"
	"github.com/rfarrell/chartsync/internal/resolve"
	"github.com/rfarrell/chartsync/internal/store"
)

// Status is the engine's own state.
type Status string

const (
	// StatusIdle means no pass is running.
	StatusIdle Status = "idle"
	// StatusSyncing means a pass is in progress.
	StatusSyncing Status = "syncing"
	// StatusError means the last pass aborted on an unexpected error.
	StatusError Status = "error"
	// StatusOffline means the network monitor reports no connectivity.
	StatusOffline Status = "offline"
)

// Conflict is the engine's view of a detected conflict.
type Conflict = resolve.ConflictData

// SyncResult is the outcome of one sync pass. Produced fresh per pass,
// never persisted.
type SyncResult struct {
	// Succeeded counts mutations applied remotely and removed.
	Succeeded int

	// Failed counts mutations that hit their retry ceiling this pass.
	Failed int

	// Conflicts lists every conflict encountered, resolved or deferred.
	Conflicts []Conflict

	// Duration is the elapsed wall-clock time of the pass.
	Duration time.Duration
}

// ConnectivityMonitor reports whether the client currently has a network
// path to the backend.
type ConnectivityMonitor interface {
	Online() bool
}

// Config holds engine tuning knobs.
type Config struct {
	// BatchSize is how many pending mutations one queue pull returns
	// (default: 25).
	BatchSize int

	// CallTimeout bounds each remote call (default: 15s).
	CallTimeout time.Duration

	// Backoff is the retry delay policy, applied by the caller between
	// automatic passes after failures.
	Backoff Backoff

	// Resolver decides conflict outcomes. Defaults to server-wins.
	Resolver resolve.ResolverFunc

	// Notifier, when set, receives a one-line user-visible summary after
	// passes that had failures or deferred conflicts. Fire-and-forget.
	Notifier func(summary string)

	// Logger for engine activity (default: stderr logger).
	Logger *log.Logger
}

// Engine coordinates sync passes over a mutation queue.
type Engine struct {
	queue   *queue.Queue
	backend remote.Backend
	monitor ConnectivityMonitor
	cfg     Config
	bus     *bus

	mu      sync.Mutex
	syncing bool
	status  Status
	abort   context.CancelFunc
}

// New creates a sync engine. monitor may be nil, in which case the engine
// assumes connectivity and relies on remote call failures.
func New(q *queue.Queue, backend remote.Backend, monitor ConnectivityMonitor, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = resolve.DefaultResolver
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	return &Engine{
		queue:   q,
		backend: backend,
		monitor: monitor,
		cfg:     cfg,
		bus:     newBus(cfg.Logger),
		status:  StatusIdle,
	}
}

// Status returns the engine's current status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Backoff returns the engine's retry delay policy, for schedulers that
// space out automatic passes after failures.
func (e *Engine) Backoff() Backoff {
	return e.cfg.Backoff
}

// On registers a listener for events of the given type and returns an
// unsubscribe function. Delivery is synchronous; a panicking listener never
// breaks delivery to others.
func (e *Engine) On(t EventType, fn func(Event)) func() {
	return e.bus.subscribe(t, fn)
}

// Sync runs one synchronization pass.
//
// It returns an empty result without touching the queue if a pass is
// already in progress (single-flight) or if the network monitor reports
// offline. Individual mutation failures are absorbed into the result; only
// failures acquiring a batch abort the pass and drive the engine to the
// error status.
func (e *Engine) Sync(ctx context.Context) (*SyncResult, error) {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return &SyncResult{}, nil
	}
	if e.monitor != nil && !e.monitor.Online() {
		changed := e.setStatusLocked(StatusOffline)
		e.mu.Unlock()
		if changed {
			e.bus.emit(Event{Type: EventStatusChange, Status: StatusOffline})
		}
		return &SyncResult{}, nil
	}
	e.syncing = true
	passCtx, cancel := context.WithCancel(ctx)
	e.abort = cancel
	changed := e.setStatusLocked(StatusSyncing)
	e.mu.Unlock()
	if changed {
		e.bus.emit(Event{Type: EventStatusChange, Status: StatusSyncing})
	}

	defer func() {
		cancel()
		e.mu.Lock()
		e.syncing = false
		e.abort = nil
		e.mu.Unlock()
	}()

	start := time.Now()
	result, err := e.runPass(passCtx)
	result.Duration = time.Since(start)

	if err != nil {
		e.setStatus(StatusError)
		e.bus.emit(Event{Type: EventError, Err: err})
		e.cfg.Logger.Printf("Sync pass aborted: %v", err)
		return result, err
	}

	// Only a still-syncing engine settles back to idle. A connectivity drop
	// mid-pass has already driven the status to offline, and that must
	// survive the aborted pass winding down.
	e.mu.Lock()
	becameIdle := e.status == StatusSyncing && e.setStatusLocked(StatusIdle)
	e.mu.Unlock()
	if becameIdle {
		e.bus.emit(Event{Type: EventStatusChange, Status: StatusIdle})
	}
	e.bus.emit(Event{Type: EventComplete, Result: result})
	e.cfg.Logger.Printf("Sync pass complete: %d succeeded, %d failed, %d conflicts in %s",
		result.Succeeded, result.Failed, len(result.Conflicts), result.Duration.Round(time.Millisecond))
	e.notifySummary(result)

	return result, nil
}

// Abort cancels an in-progress pass. The pass stops making new remote calls
// as soon as the signal is observed, between mutations and between batches;
// unprocessed mutations stay pending.
func (e *Engine) Abort() {
	e.mu.Lock()
	cancel := e.abort
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// RetryFailed resets all failed mutations to pending and immediately runs a
// sync pass.
func (e *Engine) RetryFailed(ctx context.Context) (*SyncResult, error) {
	if _, err := e.queue.RetryFailed(ctx); err != nil {
		return &SyncResult{}, fmt.Errorf("failed to reset failed mutations: %w", err)
	}
	return e.Sync(ctx)
}

// HandleConnectivity reflects a connectivity transition into engine state.
// Going offline aborts any in-progress pass and drives the status to
// offline directly, bypassing normal completion. Callers trigger Sync
// themselves on reconnect.
func (e *Engine) HandleConnectivity(online bool) {
	if online {
		e.mu.Lock()
		changed := e.status == StatusOffline && e.setStatusLocked(StatusIdle)
		e.mu.Unlock()
		if changed {
			e.bus.emit(Event{Type: EventStatusChange, Status: StatusIdle})
		}
		return
	}
	e.Abort()
	e.setStatus(StatusOffline)
}

// runPass drains pending batches until exhausted or cancelled.
func (e *Engine) runPass(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{}

	pending, err := e.queue.ByStatus(ctx, store.StatusPending)
	if err != nil {
		return result, fmt.Errorf("failed to count pending mutations: %w", err)
	}
	total := len(pending)
	processed := 0
	e.bus.emit(Event{Type: EventProgress, Processed: 0, Total: total})

	// The pass works over the pending set captured above; mutations
	// enqueued while it runs wait for the next pass. Failed mutations
	// below the retry ceiling are reset to pending and likewise wait.
	for i := 0; i < total; i += e.cfg.BatchSize {
		end := min(i+e.cfg.BatchSize, total)
		for _, m := range pending[i:end] {
			if ctx.Err() != nil {
				e.cfg.Logger.Printf("Sync pass cancelled after %d of %d mutations", processed, total)
				return result, nil
			}

			// Re-read each mutation: an earlier item in this pass may
			// have merged with or cancelled it.
			fresh, err := e.queue.Get(ctx, m.ID)
			if store.IsNotFound(err) || (err == nil && fresh.Status != store.StatusPending) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					e.cfg.Logger.Printf("Sync pass cancelled after %d of %d mutations", processed, total)
					return result, nil
				}
				return result, fmt.Errorf("failed to reload mutation %s: %w", m.ID, err)
			}

			e.processMutation(ctx, fresh, result)
			processed++
			e.bus.emit(Event{Type: EventProgress, Processed: processed, Total: total})
		}
	}

	return result, nil
}

// processMutation applies one mutation remotely, consulting the conflict
// resolver when the remote record diverged from the captured baseline.
// Errors are absorbed into the retry bookkeeping; they never abort the pass.
func (e *Engine) processMutation(ctx context.Context, m *store.Mutation, result *SyncResult) {
	// Queue bookkeeping runs on a context detached from pass cancellation:
	// an aborted remote call still needs its row restored to pending, or the
	// mutation would be stranded in the syncing status where no recovery
	// path can see it.
	book := context.WithoutCancel(ctx)

	if err := e.queue.UpdateStatus(book, m.ID, store.StatusSyncing, ""); err != nil {
		e.cfg.Logger.Printf("WARNING: failed to mark %s syncing: %v", m.ID, err)
	}

	// Conflict check applies to operations against rows the client has
	// previously observed.
	if m.Operation == store.OpUpdate || m.Operation == store.OpDelete {
		row, err := e.fetchRemote(ctx, m)
		if err != nil {
			e.recordFailure(ctx, m, result, fmt.Errorf("failed to fetch current state: %w", err))
			return
		}

		if row == nil && m.Operation == store.OpDelete {
			// Row already gone; the delete is a no-op success.
			e.finishSuccess(ctx, m, result)
			return
		}

		if resolve.Detect(m.Baseline, row) {
			e.handleConflict(ctx, m, row, result)
			return
		}
	}

	if err := e.apply(ctx, m.Operation, m.Table, m.EntityID, m.Payload); err != nil {
		e.recordFailure(ctx, m, result, err)
		return
	}

	e.finishSuccess(ctx, m, result)
}

// fetchRemote loads the current remote row, mapping not-found to (nil, nil).
func (e *Engine) fetchRemote(ctx context.Context, m *store.Mutation) (*remote.Row, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	row, err := e.backend.Get(callCtx, m.Table, m.EntityID)
	if remote.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

// apply performs one remote write with a per-call timeout.
func (e *Engine) apply(ctx context.Context, op store.Operation, table, id string, payload map[string]any) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	switch op {
	case store.OpCreate:
		return e.backend.Insert(callCtx, table, id, payload)
	case store.OpUpdate:
		return e.backend.Update(callCtx, table, id, payload)
	case store.OpDelete:
		return e.backend.Delete(callCtx, table, id)
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
}

// handleConflict builds the conflict record, consults the resolver, and
// applies the chosen resolution.
func (e *Engine) handleConflict(ctx context.Context, m *store.Mutation, row *remote.Row, result *SyncResult) {
	conflict := Conflict{
		MutationID: m.ID,
		Table:      m.Table,
		EntityID:   m.EntityID,
		EntityType: m.EntityType,
		Operation:  m.Operation,
		ClientData: m.Payload,
		Baseline:   m.Baseline,
		DetectedAt: time.Now().UTC(),
	}
	if row != nil {
		conflict.ServerData = row.Payload
		conflict.ServerModifiedAt = row.ModifiedAt
	}

	result.Conflicts = append(result.Conflicts, conflict)
	e.bus.emit(Event{Type: EventConflict, Conflict: &conflict})

	resolution, err := e.cfg.Resolver(ctx, conflict)
	if err != nil {
		e.cfg.Logger.Printf("WARNING: resolver failed for %s, deferring to manual: %v", m.ID, err)
		resolution = resolve.Manual
	}
	if !resolution.Valid() {
		e.cfg.Logger.Printf("WARNING: resolver returned unknown resolution %q for %s, using server-wins", resolution, m.ID)
		resolution = resolve.ServerWins
	}

	if err := e.applyResolution(ctx, m, conflict, resolution); err != nil {
		e.recordFailure(ctx, m, result, fmt.Errorf("failed to apply %s resolution: %w", resolution, err))
	}
}

// applyResolution reconciles one conflict. Every outcome except manual ends
// with the mutation removed from the queue. Remote writes respect pass
// cancellation; queue and snapshot bookkeeping does not.
func (e *Engine) applyResolution(ctx context.Context, m *store.Mutation, conflict Conflict, resolution resolve.Resolution) error {
	book := context.WithoutCancel(ctx)

	switch resolution {
	case resolve.ServerWins:
		// The server's state is authoritative; drop the queued payload.
		if conflict.ServerData != nil {
			e.refreshSnapshot(book, m, conflict.ServerData, conflict.ServerModifiedAt)
		} else {
			e.dropSnapshot(book, m)
		}
		e.cfg.Logger.Printf("Conflict on %s/%s resolved server-wins", m.Table, m.EntityID)
		return e.queue.Remove(book, m.ID)

	case resolve.ClientWins:
		if err := e.reapplyClient(ctx, m, conflict); err != nil {
			return err
		}
		e.cfg.Logger.Printf("Conflict on %s/%s resolved client-wins", m.Table, m.EntityID)
		return e.queue.Remove(book, m.ID)

	case resolve.Merge:
		merged := resolve.MergePayloads(conflict.ServerData, conflict.ClientData)
		if err := e.apply(ctx, store.OpUpdate, m.Table, m.EntityID, merged); err != nil {
			return err
		}
		e.refreshSnapshot(book, m, merged, time.Now().UTC())
		e.cfg.Logger.Printf("Conflict on %s/%s resolved by merge", m.Table, m.EntityID)
		return e.queue.Remove(book, m.ID)

	case resolve.Manual:
		// Touch neither side; hold the mutation for UI-driven resolution.
		e.cfg.Logger.Printf("Conflict on %s/%s deferred to manual resolution", m.Table, m.EntityID)
		return e.queue.UpdateStatus(book, m.ID, store.StatusConflict, "")

	default:
		return fmt.Errorf("unknown resolution %q", resolution)
	}
}

// reapplyClient overwrites the server's divergent state with the client's
// queued payload.
func (e *Engine) reapplyClient(ctx context.Context, m *store.Mutation, conflict Conflict) error {
	book := context.WithoutCancel(ctx)

	if m.Operation == store.OpDelete {
		if err := e.apply(ctx, store.OpDelete, m.Table, m.EntityID, nil); err != nil {
			return err
		}
		e.dropSnapshot(book, m)
		return nil
	}

	op := store.OpUpdate
	if conflict.ServerMissing() {
		// Row was deleted remotely; recreate it with the client's data.
		op = store.OpCreate
	}
	if err := e.apply(ctx, op, m.Table, m.EntityID, m.Payload); err != nil {
		return err
	}
	e.refreshSnapshot(book, m, m.Payload, time.Now().UTC())
	return nil
}

// finishSuccess removes an applied mutation and keeps the snapshot cache
// warm.
func (e *Engine) finishSuccess(ctx context.Context, m *store.Mutation, result *SyncResult) {
	// The remote write landed; the local bookkeeping must land too, even if
	// the pass was cancelled in the meantime.
	book := context.WithoutCancel(ctx)

	if m.Operation == store.OpDelete {
		e.dropSnapshot(book, m)
	} else {
		e.refreshSnapshot(book, m, m.Payload, time.Now().UTC())
	}

	if err := e.queue.Remove(book, m.ID); err != nil {
		e.cfg.Logger.Printf("WARNING: failed to remove synced mutation %s: %v", m.ID, err)
	}
	result.Succeeded++
}

// recordFailure applies the retry policy to a failed mutation: below the
// ceiling it stays pending for the next pass, at the ceiling it is marked
// failed and surfaced in the result. A failure caused by the pass's own
// cancellation is not a sync failure: the mutation goes straight back to
// pending with no retry charged.
func (e *Engine) recordFailure(ctx context.Context, m *store.Mutation, result *SyncResult, cause error) {
	book := context.WithoutCancel(ctx)

	if ctx.Err() != nil {
		e.cfg.Logger.Printf("Mutation %s (%s %s/%s) interrupted, left pending", m.ID, m.Operation, m.Table, m.EntityID)
		if err := e.queue.UpdateStatus(book, m.ID, store.StatusPending, ""); err != nil {
			e.cfg.Logger.Printf("WARNING: failed to reset %s to pending: %v", m.ID, err)
		}
		return
	}

	e.cfg.Logger.Printf("Mutation %s (%s %s/%s) failed: %v", m.ID, m.Operation, m.Table, m.EntityID, cause)

	if m.RetryCount >= m.MaxRetries {
		if err := e.queue.UpdateStatus(book, m.ID, store.StatusFailed, cause.Error()); err != nil {
			e.cfg.Logger.Printf("WARNING: failed to mark %s failed: %v", m.ID, err)
		}
		result.Failed++
		return
	}

	if _, err := e.queue.IncrementRetry(book, m.ID); err != nil {
		e.cfg.Logger.Printf("WARNING: failed to increment retry for %s: %v", m.ID, err)
	}
	if err := e.queue.UpdateStatus(book, m.ID, store.StatusPending, cause.Error()); err != nil {
		e.cfg.Logger.Printf("WARNING: failed to reset %s to pending: %v", m.ID, err)
	}
}

// ResolveManual applies a resolution to a mutation previously deferred to
// manual handling. Used by the interactive conflict workflow.
func (e *Engine) ResolveManual(ctx context.Context, mutationID string, resolution resolve.Resolution) error {
	if !resolution.Valid() {
		return fmt.Errorf("unknown resolution %q", resolution)
	}

	m, err := e.queue.Get(ctx, mutationID)
	if err != nil {
		return fmt.Errorf("failed to load mutation: %w", err)
	}
	if m.Status != store.StatusConflict {
		return fmt.Errorf("mutation %s is %s, not conflict", mutationID, m.Status)
	}

	row, err := e.fetchRemote(ctx, m)
	if err != nil {
		return fmt.Errorf("failed to fetch current state: %w", err)
	}

	conflict := Conflict{
		MutationID: m.ID,
		Table:      m.Table,
		EntityID:   m.EntityID,
		EntityType: m.EntityType,
		Operation:  m.Operation,
		ClientData: m.Payload,
		Baseline:   m.Baseline,
		DetectedAt: time.Now().UTC(),
	}
	if row != nil {
		conflict.ServerData = row.Payload
		conflict.ServerModifiedAt = row.ModifiedAt
	}

	return e.applyResolution(ctx, m, conflict, resolution)
}

// refreshSnapshot updates the read-through cache after a successful write.
func (e *Engine) refreshSnapshot(ctx context.Context, m *store.Mutation, payload map[string]any, modifiedAt time.Time) {
	snap := &store.Snapshot{
		EntityType: m.EntityType,
		EntityID:   m.EntityID,
		Payload:    payload,
		ModifiedAt: modifiedAt,
		SyncedAt:   time.Now().UTC(),
	}
	if err := e.queue.Store().UpsertSnapshot(ctx, snap); err != nil {
		e.cfg.Logger.Printf("WARNING: failed to refresh snapshot %s/%s: %v", m.EntityType, m.EntityID, err)
	}
}

// dropSnapshot evicts a cached row after a delete.
func (e *Engine) dropSnapshot(ctx context.Context, m *store.Mutation) {
	if err := e.queue.Store().DeleteSnapshot(ctx, m.EntityType, m.EntityID); err != nil {
		e.cfg.Logger.Printf("WARNING: failed to drop snapshot %s/%s: %v", m.EntityType, m.EntityID, err)
	}
}

// notifySummary pushes a user-visible aggregate summary after passes with
// problems. Successes stay quiet aside from logs.
func (e *Engine) notifySummary(result *SyncResult) {
	if e.cfg.Notifier == nil {
		return
	}

	switch {
	case result.Failed > 0:
		e.cfg.Notifier(fmt.Sprintf("%d changes could not be synced", result.Failed))
	case len(result.Conflicts) > 0:
		e.cfg.Notifier(fmt.Sprintf("%d changes need attention", len(result.Conflicts)))
	case result.Succeeded > 0:
		e.cfg.Notifier(fmt.Sprintf("Synced %d changes", result.Succeeded))
	}
}

// setStatus transitions the engine status and emits a status-change event
// when it actually changes. The event fires outside the engine lock so
// listeners may call back into the engine.
func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	changed := e.setStatusLocked(s)
	e.mu.Unlock()
	if changed {
		e.bus.emit(Event{Type: EventStatusChange, Status: s})
	}
}

// setStatusLocked records the transition and reports whether it changed.
// Callers holding e.mu must emit the status-change event themselves after
// unlocking.
func (e *Engine) setStatusLocked(s Status) bool {
	if e.status == s {
		return false
	}
	e.status = s
	return true
}
