package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Designed for:
//   - Production engines requiring durable persistence
//   - Long-running workflows that survive process restarts
//   - Audit trails over the event and history logs
//
// MySQLStore uses connection pooling and wraps each transition in a
// transaction so the event, history entry, and context snapshot commit as
// one unit.
//
// Note: the single-writer-per-instance property still holds; MySQL buys
// durability and operational tooling, not cross-process coordination.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore creates a new MySQL-backed store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Example DSNs:
//
//	user:password@tcp(localhost:3306)/flows
//	user:password@tcp(127.0.0.1:3306)/flows?parseTime=true
//
// Never hardcode credentials; read the DSN from the environment:
//
//	dsn := os.Getenv("MYSQL_DSN")
//	st, err := store.NewMySQLStore(dsn)
//
// The store creates required tables on first use and verifies the
// connection with a ping.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// createTables creates the schema if it doesn't exist.
func (m *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS state_contexts (
			id VARCHAR(255) NOT NULL PRIMARY KEY,
			current_state_id VARCHAR(255),
			created_at VARCHAR(64) NOT NULL,
			last_updated_at VARCHAR(64) NOT NULL,
			local_state JSON NOT NULL,
			global_state JSON NOT NULL,
			metadata JSON NOT NULL,
			INDEX idx_contexts_updated (last_updated_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS event_history (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			context_id VARCHAR(255) NOT NULL,
			event_id VARCHAR(255) NOT NULL,
			event_type VARCHAR(255) NOT NULL,
			event_name VARCHAR(255) NOT NULL,
			event_data JSON NOT NULL,
			timestamp VARCHAR(64) NOT NULL,
			INDEX idx_events_context (context_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS state_history (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			context_id VARCHAR(255) NOT NULL,
			from_state_id VARCHAR(255),
			to_state_id VARCHAR(255) NOT NULL,
			event_id VARCHAR(255),
			timestamp VARCHAR(64) NOT NULL,
			INDEX idx_history_context (context_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

func (m *MySQLStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

const upsertContextMySQL = `
	INSERT INTO state_contexts (id, current_state_id, created_at, last_updated_at, local_state, global_state, metadata)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		current_state_id = VALUES(current_state_id),
		last_updated_at = VALUES(last_updated_at),
		local_state = VALUES(local_state),
		global_state = VALUES(global_state),
		metadata = VALUES(metadata)
`

// SaveContext upserts a context by ID (implements Store).
func (m *MySQLStore) SaveContext(ctx context.Context, sc *StateContext) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return saveContextExec(ctx, m.db, sc, upsertContextMySQL)
}

// LoadContext retrieves a context by ID (implements Store).
func (m *MySQLStore) LoadContext(ctx context.Context, id string) (*StateContext, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	sc, err := scanContext(ctx, m.db, `
		SELECT id, current_state_id, created_at, last_updated_at, local_state, global_state, metadata
		FROM state_contexts WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}

	events, err := m.GetEvents(ctx, id, MaxRecentEvents)
	if err != nil {
		return nil, err
	}
	sc.RecentEvents = events
	return sc, nil
}

// DeleteContext removes a context and cascades to its logs.
func (m *MySQLStore) DeleteContext(ctx context.Context, id string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
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
func (m *MySQLStore) ListContextIDs(ctx context.Context) ([]string, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx,
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
func (m *MySQLStore) SaveEvent(ctx context.Context, contextID string, ev *Event) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return saveEventExec(ctx, m.db, contextID, ev)
}

// SaveStateHistory appends one transition record.
func (m *MySQLStore) SaveStateHistory(ctx context.Context, contextID string, entry *StateHistoryEntry) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return saveHistoryExec(ctx, m.db, contextID, entry)
}

// SaveStep persists one transition in a single transaction, ordered
// event -> history -> context (implements Store).
func (m *MySQLStore) SaveStep(ctx context.Context, contextID string, ev *Event, entry *StateHistoryEntry, sc *StateContext) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
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
	if err := saveContextExec(ctx, tx, sc, upsertContextMySQL); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit step: %w", err)
	}
	return nil
}

// GetStateHistory returns all transition records, ascending by timestamp.
func (m *MySQLStore) GetStateHistory(ctx context.Context, contextID string) ([]StateHistoryEntry, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, `
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
func (m *MySQLStore) GetEvents(ctx context.Context, contextID string, limit int) ([]Event, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	query := `
		SELECT event_data FROM (
			SELECT id, event_data FROM event_history
			WHERE context_id = ?
			ORDER BY id DESC
			%s
		) recent ORDER BY id ASC`
	args := []any{contextID}
	if limit > 0 {
		query = fmt.Sprintf(query, "LIMIT ?")
		args = append(args, limit)
	} else {
		query = fmt.Sprintf(query, "")
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEventRows(rows)
}

// FindPausedInstances returns IDs whose metadata carries the paused marker.
func (m *MySQLStore) FindPausedInstances(ctx context.Context) ([]string, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT id FROM state_contexts
		WHERE JSON_EXTRACT(metadata, '$._pausedAt') IS NOT NULL
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
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}

// Close closes the database connection. Double-close is a no-op.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}
