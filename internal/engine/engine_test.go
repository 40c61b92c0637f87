package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rfarrell/chartsync/internal/netmon"
	"github.com/rfarrell/chartsync/internal/queue"
	"github.com/rfarrell/chartsync/internal/remote"
	"github.com/rfarrell/chartsync/internal/resolve"
	"github.com/rfarrell/chartsync/internal/store"
)

// fakeBackend is an in-memory remote.Backend with per-operation failure
// injection and call recording.
type fakeBackend struct {
	mu    sync.Mutex
	rows  map[string]*remote.Row // keyed table/id
	calls []string

	insertErr error
	updateErr error
	deleteErr error

	// blockInsert, when set, makes Insert wait for ctx cancellation.
	blockInsert chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{rows: make(map[string]*remote.Row)}
}

func (f *fakeBackend) key(table, id string) string { return table + "/" + id }

func (f *fakeBackend) record(op, table, id string) {
	f.calls = append(f.calls, fmt.Sprintf("%s %s/%s", op, table, id))
}

func (f *fakeBackend) Insert(ctx context.Context, table, id string, payload map[string]any) error {
	f.mu.Lock()
	f.record("insert", table, id)
	block := f.blockInsert
	err := f.insertErr
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.rows[f.key(table, id)] = &remote.Row{ID: id, Payload: payload, ModifiedAt: time.Now().UTC()}
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Update(ctx context.Context, table, id string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("update", table, id)
	if f.updateErr != nil {
		return f.updateErr
	}
	f.rows[f.key(table, id)] = &remote.Row{ID: id, Payload: payload, ModifiedAt: time.Now().UTC()}
	return nil
}

func (f *fakeBackend) Delete(ctx context.Context, table, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete", table, id)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.rows, f.key(table, id))
	return nil
}

func (f *fakeBackend) Get(ctx context.Context, table, id string) (*remote.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[f.key(table, id)]
	if !ok {
		return nil, remote.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (f *fakeBackend) setRow(table, id string, payload map[string]any, modifiedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[f.key(table, id)] = &remote.Row{ID: id, Payload: payload, ModifiedAt: modifiedAt}
}

func (f *fakeBackend) getRow(table, id string) *remote.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[f.key(table, id)]
}

func (f *fakeBackend) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestEngine(t *testing.T, backend remote.Backend, monitor ConnectivityMonitor, resolver resolve.ResolverFunc) (*Engine, *queue.Queue) {
	t.Helper()

	q := queue.New(store.NewMemory(), log.New(io.Discard, "", 0))
	t.Cleanup(func() { q.Close() })

	eng := New(q, backend, monitor, Config{
		Resolver: resolver,
		Logger:   log.New(io.Discard, "", 0),
	})
	return eng, q
}

func enqueueUpdate(t *testing.T, q *queue.Queue, entityID string, baselineAt time.Time) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), queue.Request{
		EntityType: "note",
		Operation:  store.OpUpdate,
		Table:      "notes",
		EntityID:   entityID,
		Payload:    map[string]any{"text": "client edit"},
		Baseline:   map[string]any{"text": "original", "modified_at": baselineAt},
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return id
}

func TestSyncPushesCreate(t *testing.T) {
	backend := newFakeBackend()
	eng, q := newTestEngine(t, backend, nil, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queue.Request{
		EntityType: "note",
		Operation:  store.OpCreate,
		Table:      "notes",
		EntityID:   "n1",
		Payload:    map[string]any{"text": "new note"},
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := eng.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Succeeded != 1 || result.Failed != 0 || len(result.Conflicts) != 0 {
		t.Errorf("Result = %+v, want 1 succeeded and nothing else", result)
	}

	row := backend.getRow("notes", "n1")
	if row == nil || row.Payload["text"] != "new note" {
		t.Errorf("Backend row = %+v, want the created note", row)
	}

	n, _ := q.Size(ctx)
	if n != 0 {
		t.Errorf("Queue size = %d after sync, want 0", n)
	}

	snap, err := q.Store().GetSnapshot(ctx, "note", "n1")
	if err != nil {
		t.Fatalf("Snapshot missing after successful sync: %v", err)
	}
	if snap.Payload["text"] != "new note" {
		t.Errorf("Snapshot payload = %v, want new note", snap.Payload["text"])
	}
}

func TestSyncOfflineIsNoOp(t *testing.T) {
	backend := newFakeBackend()
	eng, q := newTestEngine(t, backend, netmon.Static{State: false}, nil)
	ctx := context.Background()

	enqueueUpdate(t, q, "n1", time.Now().UTC())

	result, err := eng.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Succeeded != 0 || result.Failed != 0 {
		t.Errorf("Offline sync touched the queue: %+v", result)
	}
	if len(backend.callLog()) != 0 {
		t.Errorf("Offline sync made remote calls: %v", backend.callLog())
	}
	if eng.Status() != StatusOffline {
		t.Errorf("Status = %q, want offline", eng.Status())
	}

	n, _ := q.Size(ctx)
	if n != 1 {
		t.Errorf("Queue size = %d, want 1 (mutation retained)", n)
	}
}

func TestSingleFlight(t *testing.T) {
	backend := newFakeBackend()
	release := make(chan struct{})
	backend.blockInsert = release

	eng, q := newTestEngine(t, backend, nil, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queue.Request{
		EntityType: "note",
		Operation:  store.OpCreate,
		Table:      "notes",
		EntityID:   "n1",
		Payload:    map[string]any{"text": "x"},
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	firstDone := make(chan *SyncResult, 1)
	go func() {
		r, _ := eng.Sync(ctx)
		firstDone <- r
	}()

	// Wait for the first pass to be inside the blocked insert.
	deadline := time.After(2 * time.Second)
	for len(backend.callLog()) == 0 {
		select {
		case <-deadline:
			t.Fatal("First pass never reached the backend")
		case <-time.After(5 * time.Millisecond):
		}
	}

	second, err := eng.Sync(ctx)
	if err != nil {
		t.Fatalf("Second Sync failed: %v", err)
	}
	if second.Succeeded != 0 || second.Failed != 0 || second.Duration != 0 {
		t.Errorf("Concurrent Sync = %+v, want the empty result", second)
	}

	close(release)
	first := <-firstDone
	if first.Succeeded != 1 {
		t.Errorf("First pass succeeded = %d, want 1", first.Succeeded)
	}
}

func TestRetryCeiling(t *testing.T) {
	backend := newFakeBackend()
	backend.insertErr = errors.New("backend down")

	eng, q := newTestEngine(t, backend, nil, nil)
	ctx := context.Background()

	q.SetMaxRetries(2)
	id, err := q.Enqueue(ctx, queue.Request{
		EntityType: "note",
		Operation:  store.OpCreate,
		Table:      "notes",
		EntityID:   "n1",
		Payload:    map[string]any{"text": "x"},
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Passes 1 and 2 consume the retry budget; pass 3 marks it failed.
	for pass := 1; pass <= 3; pass++ {
		result, err := eng.Sync(ctx)
		if err != nil {
			t.Fatalf("Sync pass %d failed: %v", pass, err)
		}
		if pass < 3 && result.Failed != 0 {
			t.Errorf("Pass %d marked failure before ceiling: %+v", pass, result)
		}
		if pass == 3 && result.Failed != 1 {
			t.Errorf("Pass 3 result = %+v, want 1 failed", result)
		}
	}

	m, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if m.Status != store.StatusFailed {
		t.Errorf("Status = %q after exhausting retries, want failed", m.Status)
	}
	if m.LastError == "" {
		t.Error("LastError empty after failure")
	}

	// A failed mutation is out of the rotation until explicitly retried.
	result, err := eng.Sync(ctx)
	if err != nil {
		t.Fatalf("Post-failure Sync failed: %v", err)
	}
	if result.Succeeded != 0 || result.Failed != 0 {
		t.Errorf("Post-failure pass touched the failed mutation: %+v", result)
	}
}

func TestRetryFailedResetsAndSyncs(t *testing.T) {
	backend := newFakeBackend()
	backend.insertErr = errors.New("backend down")

	eng, q := newTestEngine(t, backend, nil, nil)
	ctx := context.Background()

	q.SetMaxRetries(0)
	id, err := q.Enqueue(ctx, queue.Request{
		EntityType: "note",
		Operation:  store.OpCreate,
		Table:      "notes",
		EntityID:   "n1",
		Payload:    map[string]any{"text": "x"},
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if _, err := eng.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	m, _ := q.Get(ctx, id)
	if m.Status != store.StatusFailed {
		t.Fatalf("Status = %q, want failed", m.Status)
	}

	// Backend recovers; RetryFailed should push it through.
	backend.mu.Lock()
	backend.insertErr = nil
	backend.mu.Unlock()

	result, err := eng.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	if result.Succeeded != 1 {
		t.Errorf("RetryFailed result = %+v, want 1 succeeded", result)
	}
}

func TestConflictServerWinsByDefault(t *testing.T) {
	backend := newFakeBackend()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	serverPayload := map[string]any{"text": "server edit"}
	backend.setRow("notes", "n1", serverPayload, base.Add(time.Hour))

	eng, q := newTestEngine(t, backend, nil, nil)
	ctx := context.Background()

	var conflictEvents []*Conflict
	eng.On(EventConflict, func(e Event) { conflictEvents = append(conflictEvents, e.Conflict) })

	enqueueUpdate(t, q, "n1", base)

	result, err := eng.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if len(result.Conflicts) != 1 {
		t.Fatalf("Got %d conflicts, want 1", len(result.Conflicts))
	}

	c := result.Conflicts[0]
	if c.ClientData["text"] != "client edit" || c.ServerData["text"] != "server edit" {
		t.Errorf("Conflict payloads = client %v / server %v", c.ClientData, c.ServerData)
	}
	if len(conflictEvents) != 1 {
		t.Errorf("Got %d conflict events, want 1", len(conflictEvents))
	}

	// Server-wins: queued edit dropped, server state untouched.
	row := backend.getRow("notes", "n1")
	if row.Payload["text"] != "server edit" {
		t.Errorf("Server payload = %v, want server edit preserved", row.Payload["text"])
	}
	n, _ := q.Size(ctx)
	if n != 0 {
		t.Errorf("Queue size = %d, want 0 (mutation discarded)", n)
	}
	for _, call := range backend.callLog() {
		if call == "update notes/n1" {
			t.Error("Server-wins resolution must not write to the backend")
		}
	}
}

func TestUpdateAgainstMissingRemoteIsConflict(t *testing.T) {
	backend := newFakeBackend()
	eng, q := newTestEngine(t, backend, nil, nil)
	ctx := context.Background()

	enqueueUpdate(t, q, "gone", time.Now().UTC())

	result, err := eng.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if len(result.Conflicts) != 1 {
		t.Fatalf("Got %d conflicts, want 1", len(result.Conflicts))
	}
	if !result.Conflicts[0].ServerMissing() {
		t.Error("Conflict for a deleted remote entity should carry no server data")
	}
}

func TestDeleteAgainstMissingRemoteSucceeds(t *testing.T) {
	backend := newFakeBackend()
	eng, q := newTestEngine(t, backend, nil, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queue.Request{
		EntityType: "note",
		Operation:  store.OpDelete,
		Table:      "notes",
		EntityID:   "gone",
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := eng.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Succeeded != 1 || len(result.Conflicts) != 0 {
		t.Errorf("Result = %+v, want 1 succeeded, no conflicts", result)
	}
}

func TestClientWinsOverwritesServer(t *testing.T) {
	backend := newFakeBackend()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	backend.setRow("notes", "n1", map[string]any{"text": "server edit"}, base.Add(time.Hour))

	eng, q := newTestEngine(t, backend, nil, resolve.Static(resolve.ClientWins))
	ctx := context.Background()

	enqueueUpdate(t, q, "n1", base)

	if _, err := eng.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	row := backend.getRow("notes", "n1")
	if row.Payload["text"] != "client edit" {
		t.Errorf("Server payload = %v, want client edit", row.Payload["text"])
	}
	n, _ := q.Size(ctx)
	if n != 0 {
		t.Errorf("Queue size = %d, want 0", n)
	}
}

func TestMergeResolution(t *testing.T) {
	backend := newFakeBackend()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	backend.setRow("notes", "n1", map[string]any{"text": "server edit", "signed_by": "dr-a"}, base.Add(time.Hour))

	eng, q := newTestEngine(t, backend, nil, resolve.Static(resolve.Merge))
	ctx := context.Background()

	enqueueUpdate(t, q, "n1", base)

	if _, err := eng.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	row := backend.getRow("notes", "n1")
	if row.Payload["text"] != "client edit" {
		t.Errorf("merged text = %v, want client edit (client wins overlap)", row.Payload["text"])
	}
	if row.Payload["signed_by"] != "dr-a" {
		t.Errorf("merged signed_by = %v, want dr-a (server-only field kept)", row.Payload["signed_by"])
	}
}

func TestManualHoldsMutation(t *testing.T) {
	backend := newFakeBackend()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	backend.setRow("notes", "n1", map[string]any{"text": "server edit"}, base.Add(time.Hour))

	eng, q := newTestEngine(t, backend, nil, resolve.Static(resolve.Manual))
	ctx := context.Background()

	id := enqueueUpdate(t, q, "n1", base)

	if _, err := eng.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	m, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if m.Status != store.StatusConflict {
		t.Errorf("Status = %q, want conflict", m.Status)
	}

	// Held mutations stay out of later passes.
	result, err := eng.Sync(ctx)
	if err != nil {
		t.Fatalf("Second Sync failed: %v", err)
	}
	if result.Succeeded != 0 || len(result.Conflicts) != 0 {
		t.Errorf("Second pass touched the held mutation: %+v", result)
	}
}

func TestResolveManualClientWins(t *testing.T) {
	backend := newFakeBackend()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	backend.setRow("notes", "n1", map[string]any{"text": "server edit"}, base.Add(time.Hour))

	eng, q := newTestEngine(t, backend, nil, resolve.Static(resolve.Manual))
	ctx := context.Background()

	id := enqueueUpdate(t, q, "n1", base)
	if _, err := eng.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if err := eng.ResolveManual(ctx, id, resolve.ClientWins); err != nil {
		t.Fatalf("ResolveManual failed: %v", err)
	}

	row := backend.getRow("notes", "n1")
	if row.Payload["text"] != "client edit" {
		t.Errorf("Server payload = %v after manual client-wins, want client edit", row.Payload["text"])
	}
	if _, err := q.Get(ctx, id); !store.IsNotFound(err) {
		t.Errorf("Mutation should be removed after manual resolution, got %v", err)
	}
}

func TestResolveManualRejectsNonConflict(t *testing.T) {
	backend := newFakeBackend()
	eng, q := newTestEngine(t, backend, nil, nil)
	ctx := context.Background()

	id := enqueueUpdate(t, q, "n1", time.Now().UTC())

	if err := eng.ResolveManual(ctx, id, resolve.ClientWins); err == nil {
		t.Error("ResolveManual on a pending mutation should fail")
	}
}

func TestAbortStopsBetweenMutations(t *testing.T) {
	backend := newFakeBackend()
	backend.blockInsert = make(chan struct{}) // never released; only ctx unblocks

	eng, q := newTestEngine(t, backend, nil, nil)
	ctx := context.Background()

	for _, entity := range []string{"n1", "n2"} {
		_, err := q.Enqueue(ctx, queue.Request{
			EntityType: "note",
			Operation:  store.OpCreate,
			Table:      "notes",
			EntityID:   entity,
			Payload:    map[string]any{"text": "x"},
		})
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := eng.Sync(ctx)
		done <- err
	}()

	deadline := time.After(2 * time.Second)
	for len(backend.callLog()) == 0 {
		select {
		case <-deadline:
			t.Fatal("Pass never reached the backend")
		case <-time.After(5 * time.Millisecond):
		}
	}

	eng.Abort()
	if err := <-done; err != nil {
		t.Fatalf("Aborted Sync returned error: %v", err)
	}

	// Both mutations must survive the abort as pending, with no retry
	// charged for the interruption.
	n, _ := q.Size(ctx)
	if n != 2 {
		t.Errorf("Queue size = %d after abort, want 2", n)
	}
	pending, err := q.ByStatus(ctx, store.StatusPending)
	if err != nil {
		t.Fatalf("ByStatus failed: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("Pending count = %d after abort, want 2", len(pending))
	}
	for _, m := range pending {
		if m.RetryCount != 0 {
			t.Errorf("RetryCount = %d for %s after abort, want 0", m.RetryCount, m.EntityID)
		}
	}

	calls := backend.callLog()
	for _, call := range calls {
		if call == "insert notes/n2" {
			t.Error("Second mutation was processed after abort")
		}
	}
}

func TestAbortOnDurableStoreLeavesMutationPending(t *testing.T) {
	backend := newFakeBackend()
	backend.blockInsert = make(chan struct{}) // never released; only ctx unblocks

	st, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	q := queue.New(st, log.New(io.Discard, "", 0))
	t.Cleanup(func() { q.Close() })
	eng := New(q, backend, nil, Config{Logger: log.New(io.Discard, "", 0)})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, queue.Request{
		EntityType: "note",
		Operation:  store.OpCreate,
		Table:      "notes",
		EntityID:   "n1",
		Payload:    map[string]any{"text": "x"},
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := eng.Sync(ctx)
		done <- err
	}()

	deadline := time.After(2 * time.Second)
	for len(backend.callLog()) == 0 {
		select {
		case <-deadline:
			t.Fatal("Pass never reached the backend")
		case <-time.After(5 * time.Millisecond):
		}
	}

	eng.Abort()
	if err := <-done; err != nil {
		t.Fatalf("Aborted Sync returned error: %v", err)
	}

	// The row on disk must be back in the pending rotation, not stuck with
	// the claim the interrupted pass wrote.
	m, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get after abort failed: %v", err)
	}
	if m.Status != store.StatusPending {
		t.Fatalf("Status = %q after abort, want pending", m.Status)
	}
	if m.RetryCount != 0 {
		t.Errorf("RetryCount = %d after abort, want 0", m.RetryCount)
	}

	// Backend recovers; the very next pass pushes the edit through.
	backend.mu.Lock()
	backend.blockInsert = nil
	backend.mu.Unlock()

	result, err := eng.Sync(ctx)
	if err != nil {
		t.Fatalf("Second Sync failed: %v", err)
	}
	if result.Succeeded != 1 {
		t.Errorf("Second pass = %+v, want 1 succeeded", result)
	}
}

func TestConnectivityDropMidPassGoesOffline(t *testing.T) {
	backend := newFakeBackend()
	backend.blockInsert = make(chan struct{})

	eng, q := newTestEngine(t, backend, nil, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, queue.Request{
		EntityType: "note",
		Operation:  store.OpCreate,
		Table:      "notes",
		EntityID:   "n1",
		Payload:    map[string]any{"text": "x"},
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		eng.Sync(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(backend.callLog()) == 0 {
		select {
		case <-deadline:
			t.Fatal("Pass never reached the backend")
		case <-time.After(5 * time.Millisecond):
		}
	}

	eng.HandleConnectivity(false)
	<-done

	// The drop drove the engine offline; the aborted pass winding down must
	// not settle it back to idle.
	if eng.Status() != StatusOffline {
		t.Errorf("Status = %q after connectivity drop mid-pass, want offline", eng.Status())
	}

	m, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if m.Status != store.StatusPending {
		t.Errorf("Status = %q after interrupted pass, want pending", m.Status)
	}
}

func TestFIFOAcrossEntities(t *testing.T) {
	backend := newFakeBackend()
	eng, q := newTestEngine(t, backend, nil, nil)
	ctx := context.Background()

	for _, entity := range []string{"n1", "n2", "n3"} {
		_, err := q.Enqueue(ctx, queue.Request{
			EntityType: "note",
			Operation:  store.OpCreate,
			Table:      "notes",
			EntityID:   entity,
			Payload:    map[string]any{"text": entity},
		})
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	if _, err := eng.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	want := []string{"insert notes/n1", "insert notes/n2", "insert notes/n3"}
	got := backend.callLog()
	if len(got) != len(want) {
		t.Fatalf("Call log = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStatusAndProgressEvents(t *testing.T) {
	backend := newFakeBackend()
	eng, q := newTestEngine(t, backend, nil, nil)
	ctx := context.Background()

	var statuses []Status
	eng.On(EventStatusChange, func(e Event) { statuses = append(statuses, e.Status) })

	var progress []int
	eng.On(EventProgress, func(e Event) { progress = append(progress, e.Processed) })

	completed := 0
	eng.On(EventComplete, func(e Event) {
		completed++
		if e.Result == nil {
			t.Error("Complete event missing result")
		}
	})

	_, err := q.Enqueue(ctx, queue.Request{
		EntityType: "note",
		Operation:  store.OpCreate,
		Table:      "notes",
		EntityID:   "n1",
		Payload:    map[string]any{"text": "x"},
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if _, err := eng.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if len(statuses) != 2 || statuses[0] != StatusSyncing || statuses[1] != StatusIdle {
		t.Errorf("Status transitions = %v, want [syncing idle]", statuses)
	}
	if len(progress) != 2 || progress[0] != 0 || progress[1] != 1 {
		t.Errorf("Progress = %v, want [0 1]", progress)
	}
	if completed != 1 {
		t.Errorf("Complete events = %d, want 1", completed)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	backend := newFakeBackend()
	eng, _ := newTestEngine(t, backend, nil, nil)
	ctx := context.Background()

	count := 0
	unsub := eng.On(EventComplete, func(Event) { count++ })

	if _, err := eng.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("Got %d complete events, want 1", count)
	}

	unsub()
	if _, err := eng.Sync(ctx); err != nil {
		t.Fatalf("Second Sync failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Listener still delivered after unsubscribe")
	}
}

func TestHandleConnectivity(t *testing.T) {
	backend := newFakeBackend()
	eng, _ := newTestEngine(t, backend, nil, nil)

	eng.HandleConnectivity(false)
	if eng.Status() != StatusOffline {
		t.Errorf("Status = %q after going offline, want offline", eng.Status())
	}

	eng.HandleConnectivity(true)
	if eng.Status() != StatusIdle {
		t.Errorf("Status = %q after reconnect, want idle", eng.Status())
	}
}
