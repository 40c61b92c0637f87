package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()

	st, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testMutation(id, table, entityID string, op Operation, createdAt time.Time) *Mutation {
	return &Mutation{
		ID:         id,
		EntityType: "note",
		Operation:  op,
		Table:      table,
		EntityID:   entityID,
		Payload:    map[string]any{"text": "initial"},
		Baseline:   map[string]any{"text": "base"},
		CreatedAt:  createdAt,
		MaxRetries: 5,
		Status:     StatusPending,
	}
}

func TestPutGetMutation(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	m := testMutation("m1", "notes", "n1", OpCreate, time.Now().UTC())
	if err := st.PutMutation(ctx, m); err != nil {
		t.Fatalf("PutMutation failed: %v", err)
	}

	got, err := st.GetMutation(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMutation failed: %v", err)
	}

	if got.ID != "m1" {
		t.Errorf("ID = %q, want m1", got.ID)
	}
	if got.Operation != OpCreate {
		t.Errorf("Operation = %q, want create", got.Operation)
	}
	if got.Table != "notes" || got.EntityID != "n1" {
		t.Errorf("Entity = %s/%s, want notes/n1", got.Table, got.EntityID)
	}
	if got.Payload["text"] != "initial" {
		t.Errorf("Payload[text] = %v, want initial", got.Payload["text"])
	}
	if got.Baseline["text"] != "base" {
		t.Errorf("Baseline[text] = %v, want base", got.Baseline["text"])
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", got.MaxRetries)
	}
}

func TestGetMutationNotFound(t *testing.T) {
	st := openTestStore(t)

	_, err := st.GetMutation(context.Background(), "nope")
	if !IsNotFound(err) {
		t.Errorf("Expected not-found error, got %v", err)
	}
}

func TestPutMutationUpdatesExisting(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	m := testMutation("m1", "notes", "n1", OpUpdate, time.Now().UTC())
	if err := st.PutMutation(ctx, m); err != nil {
		t.Fatalf("PutMutation failed: %v", err)
	}

	m.Payload = map[string]any{"text": "revised"}
	if err := st.PutMutation(ctx, m); err != nil {
		t.Fatalf("Second PutMutation failed: %v", err)
	}

	got, err := st.GetMutation(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMutation failed: %v", err)
	}
	if got.Payload["text"] != "revised" {
		t.Errorf("Payload[text] = %v, want revised", got.Payload["text"])
	}

	n, err := st.CountMutations(ctx)
	if err != nil {
		t.Fatalf("CountMutations failed: %v", err)
	}
	if n != 1 {
		t.Errorf("CountMutations = %d, want 1", n)
	}
}

func TestListMutationsOrderedByCreation(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"m3", "m1", "m2"} {
		offsets := map[string]time.Duration{"m1": 0, "m2": time.Second, "m3": 2 * time.Second}
		m := testMutation(id, "notes", "n"+id, OpCreate, base.Add(offsets[id]))
		if err := st.PutMutation(ctx, m); err != nil {
			t.Fatalf("PutMutation %d failed: %v", i, err)
		}
	}

	muts, err := st.ListMutations(ctx)
	if err != nil {
		t.Fatalf("ListMutations failed: %v", err)
	}
	if len(muts) != 3 {
		t.Fatalf("Got %d mutations, want 3", len(muts))
	}

	want := []string{"m1", "m2", "m3"}
	for i, m := range muts {
		if m.ID != want[i] {
			t.Errorf("muts[%d].ID = %q, want %q", i, m.ID, want[i])
		}
	}
}

func TestPendingBatchExcludesOtherStatuses(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for i, id := range []string{"m1", "m2", "m3"} {
		m := testMutation(id, "notes", "n"+id, OpCreate, now.Add(time.Duration(i)*time.Second))
		if err := st.PutMutation(ctx, m); err != nil {
			t.Fatalf("PutMutation failed: %v", err)
		}
	}
	if err := st.UpdateStatus(ctx, "m2", StatusFailed, "boom"); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	batch, err := st.PendingBatch(ctx, 10)
	if err != nil {
		t.Fatalf("PendingBatch failed: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("Got %d pending, want 2", len(batch))
	}
	if batch[0].ID != "m1" || batch[1].ID != "m3" {
		t.Errorf("Batch = [%s %s], want [m1 m3]", batch[0].ID, batch[1].ID)
	}
}

func TestFindPending(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	m := testMutation("m1", "notes", "n1", OpUpdate, time.Now().UTC())
	if err := st.PutMutation(ctx, m); err != nil {
		t.Fatalf("PutMutation failed: %v", err)
	}

	got, err := st.FindPending(ctx, "notes", "n1")
	if err != nil {
		t.Fatalf("FindPending failed: %v", err)
	}
	if got.ID != "m1" {
		t.Errorf("FindPending ID = %q, want m1", got.ID)
	}

	_, err = st.FindPending(ctx, "notes", "other")
	if !IsNotFound(err) {
		t.Errorf("Expected not-found for absent entity, got %v", err)
	}

	// A failed mutation is not pending.
	if err := st.UpdateStatus(ctx, "m1", StatusFailed, "boom"); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	_, err = st.FindPending(ctx, "notes", "n1")
	if !IsNotFound(err) {
		t.Errorf("Expected not-found after failure, got %v", err)
	}
}

func TestIncrementRetry(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	m := testMutation("m1", "notes", "n1", OpUpdate, time.Now().UTC())
	if err := st.PutMutation(ctx, m); err != nil {
		t.Fatalf("PutMutation failed: %v", err)
	}

	for want := 1; want <= 3; want++ {
		n, err := st.IncrementRetry(ctx, "m1")
		if err != nil {
			t.Fatalf("IncrementRetry failed: %v", err)
		}
		if n != want {
			t.Errorf("IncrementRetry = %d, want %d", n, want)
		}
	}
}

func TestResetFailed(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for i, id := range []string{"m1", "m2"} {
		m := testMutation(id, "notes", "n"+id, OpUpdate, now.Add(time.Duration(i)*time.Second))
		m.RetryCount = 5
		if err := st.PutMutation(ctx, m); err != nil {
			t.Fatalf("PutMutation failed: %v", err)
		}
		if err := st.UpdateStatus(ctx, id, StatusFailed, "boom"); err != nil {
			t.Fatalf("UpdateStatus failed: %v", err)
		}
	}

	n, err := st.ResetFailed(ctx)
	if err != nil {
		t.Fatalf("ResetFailed failed: %v", err)
	}
	if n != 2 {
		t.Errorf("ResetFailed = %d, want 2", n)
	}

	muts, err := st.ListByStatus(ctx, StatusPending)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	if len(muts) != 2 {
		t.Fatalf("Got %d pending after reset, want 2", len(muts))
	}
	for _, m := range muts {
		if m.RetryCount != 0 {
			t.Errorf("Mutation %s retry count = %d after reset, want 0", m.ID, m.RetryCount)
		}
	}
}

func TestResetSyncing(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	stuck := testMutation("m1", "notes", "n1", OpUpdate, now)
	stuck.RetryCount = 2
	if err := st.PutMutation(ctx, stuck); err != nil {
		t.Fatalf("PutMutation failed: %v", err)
	}
	if err := st.UpdateStatus(ctx, "m1", StatusSyncing, ""); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	failed := testMutation("m2", "notes", "n2", OpUpdate, now.Add(time.Second))
	if err := st.PutMutation(ctx, failed); err != nil {
		t.Fatalf("PutMutation failed: %v", err)
	}
	if err := st.UpdateStatus(ctx, "m2", StatusFailed, "boom"); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	n, err := st.ResetSyncing(ctx)
	if err != nil {
		t.Fatalf("ResetSyncing failed: %v", err)
	}
	if n != 1 {
		t.Errorf("ResetSyncing = %d, want 1", n)
	}

	m, err := st.GetMutation(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMutation failed: %v", err)
	}
	if m.Status != StatusPending {
		t.Errorf("Status = %q after reset, want pending", m.Status)
	}
	if m.RetryCount != 2 {
		t.Errorf("RetryCount = %d after reset, want 2 (retries keep their history)", m.RetryCount)
	}

	// Failed mutations are untouched; they need an explicit retry.
	m, err = st.GetMutation(ctx, "m2")
	if err != nil {
		t.Fatalf("GetMutation failed: %v", err)
	}
	if m.Status != StatusFailed {
		t.Errorf("Status = %q, want failed left alone", m.Status)
	}
}

func TestPurgeFailedBefore(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	recent := time.Now().UTC()

	for id, createdAt := range map[string]time.Time{"old": old, "recent": recent} {
		m := testMutation(id, "notes", "n-"+id, OpUpdate, createdAt)
		if err := st.PutMutation(ctx, m); err != nil {
			t.Fatalf("PutMutation failed: %v", err)
		}
		if err := st.UpdateStatus(ctx, id, StatusFailed, "boom"); err != nil {
			t.Fatalf("UpdateStatus failed: %v", err)
		}
	}

	n, err := st.PurgeFailedBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeFailedBefore failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Purged %d, want 1", n)
	}

	if _, err := st.GetMutation(ctx, "old"); !IsNotFound(err) {
		t.Errorf("Old failed mutation should be purged, got %v", err)
	}
	if _, err := st.GetMutation(ctx, "recent"); err != nil {
		t.Errorf("Recent failed mutation should survive, got %v", err)
	}
}

func TestMutationsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	st, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	m := testMutation("m1", "notes", "n1", OpUpdate, time.Now().UTC())
	if err := st.PutMutation(ctx, m); err != nil {
		t.Fatalf("PutMutation failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	st2, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer st2.Close()

	got, err := st2.GetMutation(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMutation after reopen failed: %v", err)
	}
	if got.Payload["text"] != "initial" {
		t.Errorf("Payload[text] = %v after reopen, want initial", got.Payload["text"])
	}
}

func TestSnapshots(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	snap := &Snapshot{
		EntityType: "note",
		EntityID:   "n1",
		Payload:    map[string]any{"text": "hello"},
		ModifiedAt: time.Now().UTC(),
		SyncedAt:   time.Now().UTC(),
	}
	if err := st.UpsertSnapshot(ctx, snap); err != nil {
		t.Fatalf("UpsertSnapshot failed: %v", err)
	}

	got, err := st.GetSnapshot(ctx, "note", "n1")
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if got.Payload["text"] != "hello" {
		t.Errorf("Snapshot payload = %v, want hello", got.Payload["text"])
	}

	snap.Payload = map[string]any{"text": "updated"}
	if err := st.UpsertSnapshot(ctx, snap); err != nil {
		t.Fatalf("Second UpsertSnapshot failed: %v", err)
	}
	got, err = st.GetSnapshot(ctx, "note", "n1")
	if err != nil {
		t.Fatalf("GetSnapshot after upsert failed: %v", err)
	}
	if got.Payload["text"] != "updated" {
		t.Errorf("Snapshot payload = %v after upsert, want updated", got.Payload["text"])
	}

	if err := st.DeleteSnapshot(ctx, "note", "n1"); err != nil {
		t.Fatalf("DeleteSnapshot failed: %v", err)
	}
	if _, err := st.GetSnapshot(ctx, "note", "n1"); !IsNotFound(err) {
		t.Errorf("Expected not-found after delete, got %v", err)
	}
}
