package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is the volatile fallback Store. It offers the same interface as the
// SQLite store with weaker durability: the queue is lost across a restart.
//
// The queue degrades to this store when the durable database cannot be
// opened, trading persistence for never rejecting a user's edit.
type Memory struct {
	mu        sync.RWMutex
	mutations map[string]*Mutation
	snapshots map[string]*Snapshot // keyed by entityType + "\x00" + entityID
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		mutations: make(map[string]*Mutation),
		snapshots: make(map[string]*Snapshot),
	}
}

func snapshotKey(entityType, entityID string) string {
	return entityType + "\x00" + entityID
}

// PutMutation inserts or replaces a mutation by id.
func (m *Memory) PutMutation(_ context.Context, mut *Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *mut
	m.mutations[mut.ID] = &cp
	return nil
}

// GetMutation returns the mutation with the given id.
func (m *Memory) GetMutation(_ context.Context, id string) (*Mutation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mut, ok := m.mutations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *mut
	return &cp, nil
}

// DeleteMutation removes a mutation by id. No-op if absent.
func (m *Memory) DeleteMutation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.mutations, id)
	return nil
}

// ListMutations returns every stored mutation in enqueue order.
func (m *Memory) ListMutations(_ context.Context) ([]*Mutation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(func(*Mutation) bool { return true }, 0), nil
}

// ListByStatus returns mutations with the given status in enqueue order.
func (m *Memory) ListByStatus(_ context.Context, status Status) ([]*Mutation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(func(mut *Mutation) bool { return mut.Status == status }, 0), nil
}

// PendingBatch returns up to n pending mutations in enqueue order.
func (m *Memory) PendingBatch(_ context.Context, n int) ([]*Mutation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(func(mut *Mutation) bool { return mut.Status == StatusPending }, n), nil
}

// FindPending returns the pending mutation targeting (table, entityID).
func (m *Memory) FindPending(_ context.Context, table, entityID string) (*Mutation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, mut := range m.mutations {
		if mut.Status == StatusPending && mut.Table == table && mut.EntityID == entityID {
			cp := *mut
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// CountMutations returns the total number of stored mutations.
func (m *Memory) CountMutations(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.mutations), nil
}

// UpdateStatus sets the status and last-error of one mutation.
func (m *Memory) UpdateStatus(_ context.Context, id string, status Status, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mut, ok := m.mutations[id]
	if !ok {
		return ErrNotFound
	}
	mut.Status = status
	mut.LastError = lastError
	return nil
}

// IncrementRetry bumps the retry counter and returns the new count.
func (m *Memory) IncrementRetry(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mut, ok := m.mutations[id]
	if !ok {
		return 0, ErrNotFound
	}
	mut.RetryCount++
	return mut.RetryCount, nil
}

// ResetFailed moves every failed mutation back to pending.
func (m *Memory) ResetFailed(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, mut := range m.mutations {
		if mut.Status == StatusFailed {
			mut.Status = StatusPending
			mut.RetryCount = 0
			mut.LastError = ""
			count++
		}
	}
	return count, nil
}

// ResetSyncing returns interrupted mutations to the pending rotation.
func (m *Memory) ResetSyncing(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, mut := range m.mutations {
		if mut.Status == StatusSyncing {
			mut.Status = StatusPending
			count++
		}
	}
	return count, nil
}

// PurgeFailedBefore removes failed mutations enqueued before t.
func (m *Memory) PurgeFailedBefore(_ context.Context, t time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for id, mut := range m.mutations {
		if mut.Status == StatusFailed && mut.CreatedAt.Before(t) {
			delete(m.mutations, id)
			count++
		}
	}
	return count, nil
}

// UpsertSnapshot inserts or replaces a cached entity snapshot.
func (m *Memory) UpsertSnapshot(_ context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	m.snapshots[snapshotKey(s.EntityType, s.EntityID)] = &cp
	return nil
}

// GetSnapshot returns the cached snapshot for (entityType, entityID).
func (m *Memory) GetSnapshot(_ context.Context, entityType, entityID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snapshots[snapshotKey(entityType, entityID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// DeleteSnapshot removes a cached snapshot. No-op if absent.
func (m *Memory) DeleteSnapshot(_ context.Context, entityType, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.snapshots, snapshotKey(entityType, entityID))
	return nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}

// collect returns copies of mutations matching keep, sorted by enqueue time,
// truncated to limit when limit > 0. Caller must hold at least a read lock.
func (m *Memory) collect(keep func(*Mutation) bool, limit int) []*Mutation {
	var out []*Mutation
	for _, mut := range m.mutations {
		if keep(mut) {
			cp := *mut
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
