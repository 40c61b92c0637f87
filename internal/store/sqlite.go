package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLite is the durable Store implementation backed by an embedded SQLite
// database in WAL mode. Concurrent readers are safe during writes.
type SQLite struct {
	conn *sql.DB
	path string
}

// Open creates or opens the database at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created along with the schema.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	st, err := store.Open(".chartsync/queue.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &SQLite{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := st.conn.Exec(pragma); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := st.initSchema(context.Background()); err != nil {
		_ = st.Close()
		return nil, err
	}

	return st, nil
}

// Path returns the database file path.
func (st *SQLite) Path() string {
	return st.path
}

// Close checkpoints the WAL and closes the database connection.
func (st *SQLite) Close() error {
	if st.conn == nil {
		return nil
	}

	if _, err := st.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := st.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	st.conn = nil
	return nil
}

// initSchema creates the mutation log and snapshot tables. Idempotent.
func (st *SQLite) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS mutations (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		operation TEXT NOT NULL,
		tbl TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload TEXT,   -- JSON object, NULL for deletes
		baseline TEXT,  -- JSON object captured at enqueue time
		created_at TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		last_error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_mutations_status ON mutations(status);
	CREATE INDEX IF NOT EXISTS idx_mutations_created ON mutations(created_at);
	CREATE INDEX IF NOT EXISTS idx_mutations_entity ON mutations(tbl, entity_id);

	CREATE TABLE IF NOT EXISTS snapshots (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload TEXT NOT NULL,  -- JSON object
		modified_at TEXT NOT NULL,
		synced_at TEXT NOT NULL,
		PRIMARY KEY (entity_type, entity_id)
	);
	`

	if _, err := st.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// PutMutation inserts or replaces a mutation by id.
func (st *SQLite) PutMutation(ctx context.Context, m *Mutation) error {
	payload, err := marshalFields(m.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	baseline, err := marshalFields(m.Baseline)
	if err != nil {
		return fmt.Errorf("failed to marshal baseline: %w", err)
	}

	query := `
	INSERT INTO mutations (
		id, entity_type, operation, tbl, entity_id,
		payload, baseline, created_at, retry_count, max_retries, status, last_error
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		entity_type = excluded.entity_type,
		operation = excluded.operation,
		tbl = excluded.tbl,
		entity_id = excluded.entity_id,
		payload = excluded.payload,
		baseline = excluded.baseline,
		created_at = excluded.created_at,
		retry_count = excluded.retry_count,
		max_retries = excluded.max_retries,
		status = excluded.status,
		last_error = excluded.last_error
	`

	_, err = st.conn.ExecContext(ctx, query,
		m.ID, m.EntityType, string(m.Operation), m.Table, m.EntityID,
		payload, baseline, m.CreatedAt.UTC().Format(time.RFC3339Nano),
		m.RetryCount, m.MaxRetries, string(m.Status), m.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to put mutation %s: %w", m.ID, err)
	}

	return nil
}

const mutationColumns = `id, entity_type, operation, tbl, entity_id,
	payload, baseline, created_at, retry_count, max_retries, status, last_error`

// GetMutation returns the mutation with the given id.
func (st *SQLite) GetMutation(ctx context.Context, id string) (*Mutation, error) {
	query := `SELECT ` + mutationColumns + ` FROM mutations WHERE id = ?`
	m, err := scanMutation(st.conn.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mutation %s: %w", id, err)
	}
	return m, nil
}

// DeleteMutation removes a mutation by id. Returns nil if absent.
func (st *SQLite) DeleteMutation(ctx context.Context, id string) error {
	if _, err := st.conn.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete mutation %s: %w", id, err)
	}
	return nil
}

// ListMutations returns every stored mutation in enqueue order.
func (st *SQLite) ListMutations(ctx context.Context) ([]*Mutation, error) {
	query := `SELECT ` + mutationColumns + ` FROM mutations ORDER BY created_at ASC`
	return st.queryMutations(ctx, query)
}

// ListByStatus returns mutations with the given status in enqueue order.
func (st *SQLite) ListByStatus(ctx context.Context, status Status) ([]*Mutation, error) {
	query := `SELECT ` + mutationColumns + ` FROM mutations WHERE status = ? ORDER BY created_at ASC`
	return st.queryMutations(ctx, query, string(status))
}

// PendingBatch returns up to n pending mutations in enqueue order.
func (st *SQLite) PendingBatch(ctx context.Context, n int) ([]*Mutation, error) {
	query := `SELECT ` + mutationColumns + ` FROM mutations
		WHERE status = 'pending' ORDER BY created_at ASC LIMIT ?`
	return st.queryMutations(ctx, query, n)
}

// FindPending returns the pending mutation targeting (table, entityID).
func (st *SQLite) FindPending(ctx context.Context, table, entityID string) (*Mutation, error) {
	query := `SELECT ` + mutationColumns + ` FROM mutations
		WHERE tbl = ? AND entity_id = ? AND status = 'pending'`
	m, err := scanMutation(st.conn.QueryRowContext(ctx, query, table, entityID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending mutation for %s/%s: %w", table, entityID, err)
	}
	return m, nil
}

// CountMutations returns the total number of stored mutations.
func (st *SQLite) CountMutations(ctx context.Context) (int, error) {
	var count int
	err := st.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutations`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count mutations: %w", err)
	}
	return count, nil
}

// UpdateStatus sets the status and last-error of one mutation.
func (st *SQLite) UpdateStatus(ctx context.Context, id string, status Status, lastError string) error {
	query := `UPDATE mutations SET status = ?, last_error = ? WHERE id = ?`
	res, err := st.conn.ExecContext(ctx, query, string(status), lastError, id)
	if err != nil {
		return fmt.Errorf("failed to update status of %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementRetry bumps the retry counter and returns the new count.
func (st *SQLite) IncrementRetry(ctx context.Context, id string) (int, error) {
	query := `UPDATE mutations SET retry_count = retry_count + 1 WHERE id = ?
		RETURNING retry_count`
	var count int
	err := st.conn.QueryRowContext(ctx, query, id).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry of %s: %w", id, err)
	}
	return count, nil
}

// ResetFailed moves every failed mutation back to pending.
func (st *SQLite) ResetFailed(ctx context.Context) (int, error) {
	query := `UPDATE mutations SET status = 'pending', retry_count = 0, last_error = ''
		WHERE status = 'failed'`
	res, err := st.conn.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed mutations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reset mutations: %w", err)
	}
	return int(n), nil
}

// ResetSyncing returns interrupted mutations to the pending rotation.
func (st *SQLite) ResetSyncing(ctx context.Context) (int, error) {
	query := `UPDATE mutations SET status = 'pending' WHERE status = 'syncing'`
	res, err := st.conn.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to reset syncing mutations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reset mutations: %w", err)
	}
	return int(n), nil
}

// PurgeFailedBefore removes failed mutations enqueued before t.
func (st *SQLite) PurgeFailedBefore(ctx context.Context, t time.Time) (int, error) {
	query := `DELETE FROM mutations WHERE status = 'failed' AND created_at < ?`
	res, err := st.conn.ExecContext(ctx, query, t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to purge failed mutations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged mutations: %w", err)
	}
	return int(n), nil
}

// UpsertSnapshot inserts or replaces a cached entity snapshot.
func (st *SQLite) UpsertSnapshot(ctx context.Context, s *Snapshot) error {
	payload, err := json.Marshal(s.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot payload: %w", err)
	}

	query := `
	INSERT INTO snapshots (entity_type, entity_id, payload, modified_at, synced_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		payload = excluded.payload,
		modified_at = excluded.modified_at,
		synced_at = excluded.synced_at
	`

	_, err = st.conn.ExecContext(ctx, query,
		s.EntityType, s.EntityID, string(payload),
		s.ModifiedAt.UTC().Format(time.RFC3339Nano),
		s.SyncedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot %s/%s: %w", s.EntityType, s.EntityID, err)
	}
	return nil
}

// GetSnapshot returns the cached snapshot for (entityType, entityID).
func (st *SQLite) GetSnapshot(ctx context.Context, entityType, entityID string) (*Snapshot, error) {
	query := `SELECT entity_type, entity_id, payload, modified_at, synced_at
		FROM snapshots WHERE entity_type = ? AND entity_id = ?`

	var s Snapshot
	var payload, modifiedAt, syncedAt string
	err := st.conn.QueryRowContext(ctx, query, entityType, entityID).
		Scan(&s.EntityType, &s.EntityID, &payload, &modifiedAt, &syncedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot %s/%s: %w", entityType, entityID, err)
	}

	if err := json.Unmarshal([]byte(payload), &s.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot payload: %w", err)
	}
	if s.ModifiedAt, err = time.Parse(time.RFC3339Nano, modifiedAt); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot modified_at: %w", err)
	}
	if s.SyncedAt, err = time.Parse(time.RFC3339Nano, syncedAt); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot synced_at: %w", err)
	}

	return &s, nil
}

// DeleteSnapshot removes a cached snapshot. Returns nil if absent.
func (st *SQLite) DeleteSnapshot(ctx context.Context, entityType, entityID string) error {
	query := `DELETE FROM snapshots WHERE entity_type = ? AND entity_id = ?`
	if _, err := st.conn.ExecContext(ctx, query, entityType, entityID); err != nil {
		return fmt.Errorf("failed to delete snapshot %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// queryMutations runs a multi-row mutation query and scans the results.
func (st *SQLite) queryMutations(ctx context.Context, query string, args ...any) ([]*Mutation, error) {
	rows, err := st.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutations: %w", err)
	}
	defer rows.Close()

	var out []*Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate mutations: %w", err)
	}
	return out, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanMutation.
type scanner interface {
	Scan(dest ...any) error
}

// scanMutation reads one mutation row.
func scanMutation(row scanner) (*Mutation, error) {
	var m Mutation
	var operation, status, createdAt string
	var payload, baseline sql.NullString

	err := row.Scan(&m.ID, &m.EntityType, &operation, &m.Table, &m.EntityID,
		&payload, &baseline, &createdAt, &m.RetryCount, &m.MaxRetries, &status, &m.LastError)
	if err != nil {
		return nil, err
	}

	m.Operation = Operation(operation)
	m.Status = Status(status)

	if m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("invalid created_at %q: %w", createdAt, err)
	}
	if m.Payload, err = unmarshalFields(payload); err != nil {
		return nil, fmt.Errorf("invalid payload for %s: %w", m.ID, err)
	}
	if m.Baseline, err = unmarshalFields(baseline); err != nil {
		return nil, fmt.Errorf("invalid baseline for %s: %w", m.ID, err)
	}

	return &m, nil
}

// marshalFields serializes a field map to a nullable JSON column.
func marshalFields(fields map[string]any) (sql.NullString, error) {
	if fields == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// unmarshalFields deserializes a nullable JSON column into a field map.
func unmarshalFields(col sql.NullString) (map[string]any, error) {
	if !col.Valid {
		return nil, nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(col.String), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
