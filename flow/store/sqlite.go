package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It persists workflow contexts, their event log, and their state history
// in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process engines (writes are single-writer per instance)
//   - Durable pause/resume across process restarts
//
// SQLiteStore uses WAL mode for concurrent reads and wraps each transition
// in a transaction so a crash never leaves a context whose current state
// lacks its history entry.
//
// Schema:
//   - state_contexts: one row per instance (JSON columns for the three maps)
//   - event_history: append-only event log
//   - state_history: append-only transition log
//
// The paused-instance index is a query over state_contexts metadata using
// json_extract, not a separate table.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./flows.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// The store automatically creates the file and required tables, enables
// WAL mode and foreign keys, and sets a 5 second busy timeout.
//
// Example:
//
//	st, err := store.NewSQLiteStore("./flows.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// createTables creates the schema if it doesn't exist.
func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS state_contexts (
			id TEXT NOT NULL PRIMARY KEY,
			current_state_id TEXT,
			created_at TEXT NOT NULL,
			last_updated_at TEXT NOT NULL,
			local_state TEXT NOT NULL,
			global_state TEXT NOT NULL,
			metadata TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contexts_updated ON state_contexts(last_updated_at)`,
		`CREATE TABLE IF NOT EXISTS event_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			context_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_name TEXT NOT NULL,
			event_data TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_context ON event_history(context_id)`,
		`CREATE TABLE IF NOT EXISTS state_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			context_id TEXT NOT NULL,
			from_state_id TEXT,
			to_state_id TEXT NOT NULL,
			event_id TEXT,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_context ON state_history(context_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// SaveContext upserts a context by ID (implements Store).
func (s *SQLiteStore) SaveContext(ctx context.Context, sc *StateContext) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return saveContextExec(ctx, s.db, sc, upsertContextSQLite)
}

const upsertContextSQLite = `
	INSERT INTO state_contexts (id, current_state_id, created_at, last_updated_at, local_state, global_state, metadata)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		current_state_id = excluded.current_state_id,
		last_updated_at = excluded.last_updated_at,
		local_state = excluded.local_state,
		global_state = excluded.global_state,
		metadata = excluded.metadata
`

// execer abstracts *sql.DB and *sql.Tx so per-step transactions reuse the
// same write helpers.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveContextExec(ctx context.Context, ex execer, sc *StateContext, query string) error {
	if sc.ID == "" {
		return fmt.Errorf("context ID cannot be empty")
	}

	localJSON, err := json.Marshal(orEmpty(sc.LocalState))
	if err != nil {
		return fmt.Errorf("failed to marshal local state: %w", err)
	}
	globalJSON, err := json.Marshal(orEmpty(sc.GlobalState))
	if err != nil {
		return fmt.Errorf("failed to marshal global state: %w", err)
	}
	metaJSON, err := json.Marshal(orEmpty(sc.Metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = ex.ExecContext(ctx, query,
		sc.ID,
		sc.CurrentStateID,
		sc.CreatedAt.UTC().Format(time.RFC3339Nano),
		sc.LastUpdatedAt.UTC().Format(time.RFC3339Nano),
		string(localJSON),
		string(globalJSON),
		string(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to save context: %w", err)
	}
	return nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func saveEventExec(ctx context.Context, ex execer, contextID string, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO event_history (context_id, event_id, event_type, event_name, event_data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		contextID, ev.ID, ev.Type.String(), ev.Name, string(data),
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

func saveHistoryExec(ctx context.Context, ex execer, contextID string, entry *StateHistoryEntry) error {
	var from, eventID any
	if entry.FromStateID != "" {
		from = entry.FromStateID
	}
	if entry.EventID != "" {
		eventID = entry.EventID
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO state_history (context_id, from_state_id, to_state_id, event_id, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		contextID, from, entry.ToStateID, eventID,
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save state history: %w", err)
	}
	return nil
}

// LoadContext retrieves a context by ID (implements Store).
//
// RecentEvents is rebuilt from the tail of event_history; the window is not
// stored as a column.
func (s *SQLiteStore) LoadContext(ctx context.Context, id string) (*StateContext, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	sc, err := scanContext(ctx, s.db, `
		SELECT id, current_state_id, created_at, last_updated_at, local_state, global_state, metadata
		FROM state_contexts WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}

	events, err := s.GetEvents(ctx, id, MaxRecentEvents)
	if err != nil {
		return nil, err
	}
	sc.RecentEvents = events
	return sc, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanContext(ctx context.Context, q rowQuerier, query string, args ...any) (*StateContext, error) {
	var (
		sc                   StateContext
		current              sql.NullString
		createdAt, updatedAt string
		local, global, meta  string
	)
	err := q.QueryRowContext(ctx, query, args...).Scan(
		&sc.ID, &current, &createdAt, &updatedAt, &local, &global, &meta,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load context: %w", err)
	}

	sc.CurrentStateID = current.String
	if sc.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if sc.LastUpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse last_updated_at: %w", err)
	}
	if err := json.Unmarshal([]byte(local), &sc.LocalState); err != nil {
		return nil, fmt.Errorf("failed to unmarshal local state: %w", err)
	}
	if err := json.Unmarshal([]byte(global), &sc.GlobalState); err != nil {
		return nil, fmt.Errorf("failed to unmarshal global state: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &sc.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return &sc, nil
}

// DeleteContext removes a context and cascades to its logs.
func (s *SQLiteStore) DeleteContext(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		"DELETE FROM event_history WHERE context_id = ?",
		"DELETE FROM state_history WHERE context_id = ?",
		"DELETE FROM state_contexts WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("failed to delete context: %w", err)
		}
	}
	return tx.Commit()
}

// ListContextIDs returns all context IDs, most recently updated first.
func (s *SQLiteStore) ListContextIDs(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM state_contexts ORDER BY last_updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list contexts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan context id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveEvent appends an event to the context's log.
func (s *SQLiteStore) SaveEvent(ctx context.Context, contextID string, ev *Event) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return saveEventExec(ctx, s.db, contextID, ev)
}

// SaveStateHistory appends one transition record.
func (s *SQLiteStore) SaveStateHistory(ctx context.Context, contextID string, entry *StateHistoryEntry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return saveHistoryExec(ctx, s.db, contextID, entry)
}

// SaveStep persists one transition in a single transaction, ordered
// event -> history -> context (implements Store).
func (s *SQLiteStore) SaveStep(ctx context.Context, contextID string, ev *Event, entry *StateHistoryEntry, sc *StateContext) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if ev != nil {
		if err := saveEventExec(ctx, tx, contextID, ev); err != nil {
			return err
		}
	}
	if entry != nil {
		if err := saveHistoryExec(ctx, tx, contextID, entry); err != nil {
			return err
		}
	}
	if err := saveContextExec(ctx, tx, sc, upsertContextSQLite); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit step: %w", err)
	}
	return nil
}

// GetStateHistory returns all transition records, ascending by timestamp.
func (s *SQLiteStore) GetStateHistory(ctx context.Context, contextID string) ([]StateHistoryEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT from_state_id, to_state_id, event_id, timestamp
		FROM state_history WHERE context_id = ?
		ORDER BY timestamp ASC, id ASC`, contextID)
	if err != nil {
		return nil, fmt.Errorf("failed to query state history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []StateHistoryEntry
	for rows.Next() {
		var (
			entry         StateHistoryEntry
			from, eventID sql.NullString
			ts            string
		)
		if err := rows.Scan(&from, &entry.ToStateID, &eventID, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		entry.FromStateID = from.String
		entry.EventID = eventID.String
		entry.ContextID = contextID
		if entry.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("failed to parse history timestamp: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GetEvents returns up to limit events, oldest first.
func (s *SQLiteStore) GetEvents(ctx context.Context, contextID string, limit int) ([]Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `
		SELECT event_data FROM (
			SELECT id, event_data FROM event_history
			WHERE context_id = ?
			ORDER BY id DESC
			%s
		) ORDER BY id ASC`
	args := []any{contextID}
	if limit > 0 {
		query = fmt.Sprintf(query, "LIMIT ?")
		args = append(args, limit)
	} else {
		query = fmt.Sprintf(query, "")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEventRows(rows)
}

// scanEventRows decodes event_data rows. Shared by the SQL backends.
func scanEventRows(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		var ev Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// FindPausedInstances returns IDs whose metadata carries the paused marker.
func (s *SQLiteStore) FindPausedInstances(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM state_contexts
		WHERE json_extract(metadata, '$._pausedAt') IS NOT NULL
		ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query paused instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan paused id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close closes the database connection. Double-close is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}
