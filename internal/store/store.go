// Package store provides the durable local store for the chartsync engine.
//
// The store holds two kinds of state:
//
//   - the mutation log: every deferred write captured while the client is
//     offline, keyed by mutation id
//   - entity snapshots: a read-through cache of remote rows, written only by
//     the sync engine
//
// The primary implementation is an embedded SQLite database (WAL mode) that
// survives process restarts. A volatile in-memory implementation with the
// same interface exists as a degraded fallback for when the database cannot
// be opened.
package store

import (
	"context"
	"errors"
	"time"
)

// Operation is the kind of remote write a mutation performs.
type Operation string

const (
	// OpCreate inserts a new row into the remote table.
	OpCreate Operation = "create"
	// OpUpdate writes changed fields of an existing remote row.
	OpUpdate Operation = "update"
	// OpDelete removes a remote row.
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Status is the lifecycle state of a queued mutation.
type Status string

const (
	// StatusPending means the mutation is waiting to be synced.
	StatusPending Status = "pending"
	// StatusSyncing means a sync pass is currently processing the mutation.
	StatusSyncing Status = "syncing"
	// StatusFailed means the mutation exhausted its retry ceiling.
	// Failed mutations are retained for manual retry or inspection.
	StatusFailed Status = "failed"
	// StatusConflict means the mutation hit a conflict deferred to manual
	// resolution. Both payload snapshots remain available for inspection.
	StatusConflict Status = "conflict"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusFailed, StatusConflict:
		return true
	}
	return false
}

// Mutation is the unit of deferred work: a recorded intent to create, update,
// or delete one remote entity, captured so it can be replayed later.
//
// Completed mutations are removed from the store rather than retained, so the
// mutation log only ever holds unresolved work.
type Mutation struct {
	// ID is the unique identifier assigned at enqueue time.
	ID string `json:"id"`

	// EntityType is the logical domain of the mutation, e.g. "note",
	// "patient", "dictionary_entry".
	EntityType string `json:"entity_type"`

	// Operation is one of create, update, delete.
	Operation Operation `json:"operation"`

	// Table is the remote collection the mutation targets.
	Table string `json:"table"`

	// EntityID identifies the affected remote row. Creates carry the
	// client-assigned id so later edits to the same record can be folded
	// into the pending create.
	EntityID string `json:"entity_id"`

	// Payload is the field-level data to write. For updates this holds only
	// changed fields; for creates the full record; for deletes it is nil.
	Payload map[string]any `json:"payload,omitempty"`

	// Baseline is the client state observed at enqueue time, used later to
	// decide whether the remote has diverged.
	Baseline map[string]any `json:"baseline,omitempty"`

	// CreatedAt is the enqueue time. Mutations drain in this order.
	CreatedAt time.Time `json:"created_at"`

	// RetryCount only increases; it resets to zero only when a failed
	// mutation is explicitly moved back to pending.
	RetryCount int `json:"retry_count"`

	// MaxRetries is the retry ceiling after which the mutation is marked
	// failed instead of pending.
	MaxRetries int `json:"max_retries"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// LastError records the most recent sync failure, for inspection.
	LastError string `json:"last_error,omitempty"`
}

// Snapshot is a cached copy of a remote row. Snapshots are owned by the sync
// engine; UI code reads them but never writes them directly.
type Snapshot struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
	ModifiedAt time.Time      `json:"modified_at"`
	SyncedAt   time.Time      `json:"synced_at"`
}

// ErrNotFound is returned when a mutation or snapshot does not exist.
var ErrNotFound = errors.New("store: not found")

// IsNotFound reports whether err indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Store is the persistence contract shared by the durable SQLite store and
// the volatile in-memory fallback.
//
// Delete operations are idempotent: removing an absent record returns nil.
type Store interface {
	// PutMutation inserts or replaces a mutation by id.
	PutMutation(ctx context.Context, m *Mutation) error

	// GetMutation returns the mutation with the given id, or ErrNotFound.
	GetMutation(ctx context.Context, id string) (*Mutation, error)

	// DeleteMutation removes a mutation by id. No-op if absent.
	DeleteMutation(ctx context.Context, id string) error

	// ListMutations returns every stored mutation in enqueue order.
	ListMutations(ctx context.Context) ([]*Mutation, error)

	// ListByStatus returns mutations with the given status in enqueue order.
	ListByStatus(ctx context.Context, status Status) ([]*Mutation, error)

	// PendingBatch returns up to n pending mutations in enqueue order
	// without claiming them.
	PendingBatch(ctx context.Context, n int) ([]*Mutation, error)

	// FindPending returns the pending mutation targeting (table, entityID),
	// or ErrNotFound. At most one such mutation exists at any time.
	FindPending(ctx context.Context, table, entityID string) (*Mutation, error)

	// CountMutations returns the total number of stored mutations.
	CountMutations(ctx context.Context) (int, error)

	// UpdateStatus sets the status and last-error of one mutation.
	UpdateStatus(ctx context.Context, id string, status Status, lastError string) error

	// IncrementRetry bumps the retry counter and returns the new count.
	IncrementRetry(ctx context.Context, id string) (int, error)

	// ResetFailed moves every failed mutation back to pending with a zero
	// retry count. Returns the number of mutations reset.
	ResetFailed(ctx context.Context) (int, error)

	// ResetSyncing moves every syncing mutation back to pending, releasing
	// stale claims left behind by an interrupted pass or a crash. Returns
	// the number of mutations reset.
	ResetSyncing(ctx context.Context) (int, error)

	// PurgeFailedBefore removes failed mutations enqueued before t.
	// Returns the number of mutations removed.
	PurgeFailedBefore(ctx context.Context, t time.Time) (int, error)

	// UpsertSnapshot inserts or replaces a cached entity snapshot.
	UpsertSnapshot(ctx context.Context, s *Snapshot) error

	// GetSnapshot returns the cached snapshot, or ErrNotFound.
	GetSnapshot(ctx context.Context, entityType, entityID string) (*Snapshot, error)

	// DeleteSnapshot removes a cached snapshot. No-op if absent.
	DeleteSnapshot(ctx context.Context, entityType, entityID string) error

	// Close releases underlying resources.
	Close() error
}
