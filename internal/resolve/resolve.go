// Package resolve provides conflict detection and resolution for the sync
// engine.
//
// Detection and resolution are deliberately separate steps. Detection is
// cheap: it compares the server's last-modified marker against the marker
// captured in the mutation's baseline, falling back to structural payload
// equality when no marker exists. Resolution turns a detected conflict into
// one of four outcomes: server-wins, client-wins, merge, or manual.
//
// The default policy is server-wins, a deliberately conservative choice that
// never clobbers concurrently-written server data without explicit opt-in.
package resolve

import (
	"context"
	"encoding/json"
	"reflect"
	"time"

	"github.com/rfarrell/chartsync/internal/remote"
	"github.com/rfarrell/chartsync/internal/store"
)

// Resolution is the outcome chosen for a detected conflict.
type Resolution string

const (
	// ServerWins discards the client's queued payload; the server's state
	// is authoritative. The mutation is dropped from the queue.
	ServerWins Resolution = "server-wins"

	// ClientWins re-applies the client payload, overwriting the server's
	// divergent state.
	ClientWins Resolution = "client-wins"

	// Merge writes a shallow field-union of server and client payloads,
	// client fields taking precedence on overlapping keys.
	//
	// The union is shallow: two different fields changed inside the same
	// nested object are not deeply reconciled. Acceptable for flat
	// clinical-note-style records; a known limitation otherwise.
	Merge Resolution = "merge"

	// Manual touches neither side. The mutation's status becomes conflict
	// and it is retained in the queue with both payload snapshots for
	// explicit, UI-driven resolution later.
	Manual Resolution = "manual"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ServerWins, ClientWins, Merge, Manual:
		return true
	}
	return false
}

// ConflictData describes a detected divergence between the server's current
// state and the state the client assumed when it queued a mutation.
type ConflictData struct {
	// MutationID identifies the conflicting queued mutation.
	MutationID string `json:"mutation_id"`

	// Table and EntityID locate the remote row.
	Table    string `json:"table"`
	EntityID string `json:"entity_id"`

	// EntityType is the logical domain of the record.
	EntityType string `json:"entity_type"`

	// Operation is the queued operation that hit the conflict.
	Operation store.Operation `json:"operation"`

	// ClientData is the payload the client intended to write.
	ClientData map[string]any `json:"client_data"`

	// ServerData is the server's current payload, or nil if the entity was
	// deleted or never existed server-side.
	ServerData map[string]any `json:"server_data"`

	// Baseline is the client's originally-observed state.
	Baseline map[string]any `json:"baseline"`

	// ServerModifiedAt is the server's last-modified marker, zero when the
	// row is missing.
	ServerModifiedAt time.Time `json:"server_modified_at"`

	// DetectedAt records when the sync pass observed the divergence.
	DetectedAt time.Time `json:"detected_at"`
}

// ServerMissing reports whether the conflict is the missing-entity case:
// the row was deleted remotely while a local edit was queued.
func (c *ConflictData) ServerMissing() bool {
	return c.ServerData == nil
}

// ResolverFunc decides how to resolve one conflict. Implementations may
// block, e.g. to prompt a user; ctx bounds that wait.
type ResolverFunc func(ctx context.Context, c ConflictData) (Resolution, error)

// DefaultResolver resolves every conflict as server-wins.
func DefaultResolver(_ context.Context, _ ConflictData) (Resolution, error) {
	return ServerWins, nil
}

// Static returns a resolver that always answers with r.
func Static(r Resolution) ResolverFunc {
	return func(_ context.Context, _ ConflictData) (Resolution, error) {
		return r, nil
	}
}

// Detect reports whether a remote row has diverged from the baseline the
// client captured at enqueue time.
//
// A nil row (entity missing server-side) is always a conflict for an update.
// With markers on both sides the comparison is strict: remote marker newer
// than the baseline marker means conflict. Without a usable marker the check
// falls back to structural payload equality; this fallback is heuristic, not
// equivalent to marker-based detection, and is kept explicit for that reason.
//
// A mutation queued without any baseline also lands in the fallback, where a
// live remote row compares unequal to nil: with no record of what the client
// observed, the remote state cannot be proven unchanged, so the mutation is
// routed through the resolver rather than applied blindly.
func Detect(baseline map[string]any, row *remote.Row) bool {
	if row == nil {
		return true
	}

	baseMarker := markerFrom(baseline)
	if !baseMarker.IsZero() && !row.ModifiedAt.IsZero() {
		return row.ModifiedAt.After(baseMarker)
	}

	return !EqualPayloads(baseline, row.Payload)
}

// MergePayloads returns the shallow union of server and client payloads,
// client fields winning on overlapping keys.
func MergePayloads(server, client map[string]any) map[string]any {
	merged := make(map[string]any, len(server)+len(client))
	for k, v := range server {
		merged[k] = v
	}
	for k, v := range client {
		merged[k] = v
	}
	return merged
}

// EqualPayloads compares two field maps structurally. Both sides are
// normalized through JSON first so that e.g. int 1 and float64 1 from a
// decoded response compare equal.
func EqualPayloads(a, b map[string]any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// markerFrom extracts the last-modified marker embedded in a captured
// baseline, if any. Accepts RFC 3339 strings and time.Time values under the
// "modified_at" key.
func markerFrom(fields map[string]any) time.Time {
	v, ok := fields["modified_at"]
	if !ok {
		return time.Time{}
	}
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed
			}
		}
	}
	return time.Time{}
}

// normalize round-trips a field map through JSON to collapse type
// differences between freshly-built maps and decoded wire payloads.
func normalize(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fields
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return fields
	}
	return out
}
