// Package remote defines the contract with the remote clinical data backend
// and provides an HTTP implementation.
//
// The backend exposes row-level CRUD against named collections. Every row
// carries a last-modified timestamp usable for conflict detection. Writes
// are idempotent upserts, so a redundant retry of an update or delete is
// safe: the sync engine guarantees at-least-once delivery, not exactly-once.
package remote

import (
	"context"
	"errors"
	"time"
)

// Row is a single remote record.
type Row struct {
	// ID is the row's identifier within its table.
	ID string `json:"id"`

	// Payload holds the row's fields.
	Payload map[string]any `json:"payload"`

	// ModifiedAt is the server's last-modified marker for the row.
	ModifiedAt time.Time `json:"modified_at"`
}

// ErrNotFound is returned by Get when the row does not exist, and may be
// returned by Update/Delete implementations that do not upsert.
var ErrNotFound = errors.New("remote: row not found")

// IsNotFound reports whether err indicates a missing remote row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Backend is the remote store the sync engine drains mutations into.
//
// Implementations must tolerate redundant writes: Insert of an existing row
// and Update of a missing row both behave as upserts.
type Backend interface {
	// Insert writes a new row. Upserts if the row already exists.
	Insert(ctx context.Context, table, id string, payload map[string]any) error

	// Update writes changed fields of an existing row. Upserts if missing.
	Update(ctx context.Context, table, id string, payload map[string]any) error

	// Delete removes a row. Returns nil if the row is already gone.
	Delete(ctx context.Context, table, id string) error

	// Get fetches a row by id, or ErrNotFound.
	Get(ctx context.Context, table, id string) (*Row, error)
}
