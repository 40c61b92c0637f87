// Package queue provides the durable mutation queue for offline edits.
//
// The queue records every write a user makes while disconnected so it can be
// replayed against the remote backend later. Enqueueing is fire-and-forget
// from the caller's perspective: edits to the same record coalesce into a
// single pending mutation, and a delete queued after an unsynced create
// cancels both.
//
// Queue state is observable through Subscribe, which is the sole mechanism
// by which UI layers track pending work (badge counts, "unsynced changes"
// indicators).
package queue

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rfarrell/chartsync/internal/store"
)

// DefaultMaxRetries is the authoritative retry ceiling for a mutation.
// Every layer that needs a ceiling takes this as a pass-through.
const DefaultMaxRetries = 5

// Request describes a mutation to enqueue. The queue assigns the id,
// timestamp, and retry bookkeeping.
type Request struct {
	// EntityType is the logical domain of the mutation (e.g. "note").
	EntityType string

	// Operation is one of create, update, delete.
	Operation store.Operation

	// Table is the remote collection the mutation targets.
	Table string

	// EntityID identifies the affected row. Creates carry the
	// client-assigned id.
	EntityID string

	// Payload holds the fields to write. Nil for deletes.
	Payload map[string]any

	// Baseline is the client's view of the record at enqueue time, used for
	// conflict detection during sync.
	Baseline map[string]any
}

// Listener receives the full current queue whenever it changes.
type Listener func(mutations []*store.Mutation)

// Queue is the durable mutation queue. All methods are safe for concurrent
// use; enqueue dedup runs under an internal lock so the at-most-one-pending-
// per-entity invariant holds even with concurrent writers.
type Queue struct {
	store      store.Store
	logger     *log.Logger
	maxRetries int

	mu sync.Mutex // serializes enqueue read-merge-write cycles

	subMu   sync.Mutex
	subs    map[int]Listener
	nextSub int
}

// New creates a queue over an already-open store.
//
// Mutations left in the syncing status by an interrupted pass or a crash
// are swept back to pending, so no edit is ever stranded outside the
// retry rotation. If logger is nil, a default logger writing to stderr is
// used.
func New(st store.Store, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}

	if n, err := st.ResetSyncing(context.Background()); err != nil {
		logger.Printf("WARNING: failed to recover interrupted mutations: %v", err)
	} else if n > 0 {
		logger.Printf("Recovered %d interrupted mutations to pending", n)
	}

	return &Queue{
		store:      st,
		logger:     logger,
		maxRetries: DefaultMaxRetries,
		subs:       make(map[int]Listener),
	}
}

// Open creates a queue backed by the SQLite store at path.
//
// Opening never fails: if the durable store cannot be opened the queue
// degrades to a volatile in-memory store with the same interface and logs
// the degradation loudly. Edits enqueued in that mode are lost across a
// restart.
func Open(path string, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}

	st, err := store.Open(path)
	if err != nil {
		logger.Printf("WARNING: durable store unavailable at %s, falling back to volatile in-memory queue: %v", path, err)
		return New(store.NewMemory(), logger)
	}
	return New(st, logger)
}

// SetMaxRetries overrides the retry ceiling stamped onto new mutations.
// Mutations already enqueued keep their original ceiling.
func (q *Queue) SetMaxRetries(n int) {
	if n < 0 {
		return
	}
	q.mu.Lock()
	q.maxRetries = n
	q.mu.Unlock()
}

// Durable reports whether the queue is backed by the persistent store.
func (q *Queue) Durable() bool {
	_, ok := q.store.(*store.SQLite)
	return ok
}

// Close releases the underlying store.
func (q *Queue) Close() error {
	return q.store.Close()
}

// Enqueue records a mutation, coalescing it with any pending mutation for
// the same (table, entityId) pair:
//
//   - update after pending update: payloads merge, newer fields win
//   - update after pending create: fields fold into the create payload
//   - delete after pending create: both cancel out (net no-op)
//   - delete after pending update: the entry becomes a delete
//   - create after pending delete: the entry becomes an update carrying the
//     full record (the row still exists remotely; the backend upserts)
//
// Returns the id of the queued mutation, or "" when the enqueue netted out
// to a no-op. Storage errors are returned for observability but callers are
// expected to treat enqueue as best-effort.
func (q *Queue) Enqueue(ctx context.Context, req Request) (string, error) {
	if !req.Operation.Valid() {
		return "", fmt.Errorf("invalid operation %q", req.Operation)
	}
	if req.Table == "" {
		return "", fmt.Errorf("table is required")
	}
	if req.EntityID == "" {
		return "", fmt.Errorf("entity id is required")
	}

	q.mu.Lock()
	id, err := q.enqueueLocked(ctx, req)
	q.mu.Unlock()

	if err != nil {
		q.logger.Printf("WARNING: enqueue failed for %s/%s: %v", req.Table, req.EntityID, err)
		return "", err
	}

	q.notify(ctx)
	return id, nil
}

func (q *Queue) enqueueLocked(ctx context.Context, req Request) (string, error) {
	existing, err := q.store.FindPending(ctx, req.Table, req.EntityID)
	if err != nil && !store.IsNotFound(err) {
		return "", err
	}

	if existing == nil {
		m := &store.Mutation{
			ID:         uuid.NewString(),
			EntityType: req.EntityType,
			Operation:  req.Operation,
			Table:      req.Table,
			EntityID:   req.EntityID,
			Payload:    cloneFields(req.Payload),
			Baseline:   cloneFields(req.Baseline),
			CreatedAt:  time.Now().UTC(),
			MaxRetries: q.maxRetries,
			Status:     store.StatusPending,
		}
		if err := q.store.PutMutation(ctx, m); err != nil {
			return "", err
		}
		q.logger.Printf("Enqueued %s %s/%s (%s)", m.Operation, m.Table, m.EntityID, m.ID)
		return m.ID, nil
	}

	switch {
	case req.Operation == store.OpDelete && existing.Operation == store.OpCreate:
		// The entity never reached the server; drop both.
		if err := q.store.DeleteMutation(ctx, existing.ID); err != nil {
			return "", err
		}
		q.logger.Printf("Cancelled unsynced create %s/%s (%s)", existing.Table, existing.EntityID, existing.ID)
		return "", nil

	case req.Operation == store.OpDelete:
		existing.Operation = store.OpDelete
		existing.Payload = nil

	case existing.Operation == store.OpDelete:
		// Edit after a pending delete resurrects the row as an update.
		existing.Operation = store.OpUpdate
		existing.Payload = cloneFields(req.Payload)
		existing.Baseline = cloneFields(req.Baseline)

	default:
		// create+create, create+update, update+update: fold the newer
		// fields in, keep the original operation and baseline.
		existing.Payload = mergeFields(existing.Payload, req.Payload)
	}

	if err := q.store.PutMutation(ctx, existing); err != nil {
		return "", err
	}
	q.logger.Printf("Merged %s into pending %s for %s/%s (%s)",
		req.Operation, existing.Operation, existing.Table, existing.EntityID, existing.ID)
	return existing.ID, nil
}

// Remove deletes a mutation by id. No-op if absent.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if err := q.store.DeleteMutation(ctx, id); err != nil {
		q.logger.Printf("WARNING: failed to remove mutation %s: %v", id, err)
		return err
	}
	q.notify(ctx)
	return nil
}

// Get returns a mutation by id, or store.ErrNotFound.
func (q *Queue) Get(ctx context.Context, id string) (*store.Mutation, error) {
	return q.store.GetMutation(ctx, id)
}

// PendingBatch returns up to n pending mutations in enqueue order without
// claiming them. The sync engine marks status separately to avoid double
// processing within a single pass.
func (q *Queue) PendingBatch(ctx context.Context, n int) ([]*store.Mutation, error) {
	return q.store.PendingBatch(ctx, n)
}

// ByStatus returns mutations with the given status in enqueue order.
func (q *Queue) ByStatus(ctx context.Context, status store.Status) ([]*store.Mutation, error) {
	return q.store.ListByStatus(ctx, status)
}

// All returns every queued mutation in enqueue order.
func (q *Queue) All(ctx context.Context) ([]*store.Mutation, error) {
	return q.store.ListMutations(ctx)
}

// UpdateStatus sets the status and last-error of one mutation.
func (q *Queue) UpdateStatus(ctx context.Context, id string, status store.Status, lastError string) error {
	if err := q.store.UpdateStatus(ctx, id, status, lastError); err != nil {
		return err
	}
	q.notify(ctx)
	return nil
}

// IncrementRetry bumps a mutation's retry counter and returns the new count.
func (q *Queue) IncrementRetry(ctx context.Context, id string) (int, error) {
	return q.store.IncrementRetry(ctx, id)
}

// Size returns the total number of queued mutations.
func (q *Queue) Size(ctx context.Context) (int, error) {
	return q.store.CountMutations(ctx)
}

// HasPending reports whether any mutation is waiting to sync.
func (q *Queue) HasPending(ctx context.Context) (bool, error) {
	batch, err := q.store.PendingBatch(ctx, 1)
	if err != nil {
		return false, err
	}
	return len(batch) > 0, nil
}

// RetryFailed moves every failed mutation back to pending with a fresh retry
// budget. Returns the number of mutations reset.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	n, err := q.store.ResetFailed(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Printf("Reset %d failed mutations to pending", n)
		q.notify(ctx)
	}
	return n, nil
}

// PurgeFailedBefore removes failed mutations enqueued before t. Returns the
// number removed.
func (q *Queue) PurgeFailedBefore(ctx context.Context, t time.Time) (int, error) {
	n, err := q.store.PurgeFailedBefore(ctx, t)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Printf("Purged %d failed mutations older than %s", n, t.Format(time.RFC3339))
		q.notify(ctx)
	}
	return n, nil
}

// Store exposes the underlying store for snapshot access by the sync engine.
func (q *Queue) Store() store.Store {
	return q.store
}

// Subscribe registers a listener invoked with the full current queue on
// every change. Returns an unsubscribe function.
//
// A panicking listener is isolated: it never breaks delivery to others.
func (q *Queue) Subscribe(fn Listener) func() {
	q.subMu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subs[id] = fn
	q.subMu.Unlock()

	return func() {
		q.subMu.Lock()
		delete(q.subs, id)
		q.subMu.Unlock()
	}
}

// notify delivers the current queue contents to all subscribers.
func (q *Queue) notify(ctx context.Context) {
	q.subMu.Lock()
	if len(q.subs) == 0 {
		q.subMu.Unlock()
		return
	}
	listeners := make([]Listener, 0, len(q.subs))
	for _, fn := range q.subs {
		listeners = append(listeners, fn)
	}
	q.subMu.Unlock()

	mutations, err := q.store.ListMutations(ctx)
	if err != nil {
		q.logger.Printf("WARNING: failed to load queue for subscribers: %v", err)
		return
	}

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Printf("WARNING: queue listener panicked: %v", r)
				}
			}()
			fn(mutations)
		}()
	}
}

// mergeFields returns base with overlay's fields applied on top.
func mergeFields(base, overlay map[string]any) map[string]any {
	merged := cloneFields(base)
	if merged == nil {
		merged = make(map[string]any, len(overlay))
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

// cloneFields shallow-copies a field map.
func cloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return cp
}
