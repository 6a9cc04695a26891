package flowstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists flow states to SQLite.
// It is suitable for single-machine development use and survives restarts.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a new SQLite flow state store.
// The path should be a file path (e.g., "./flowstate.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A shared :memory: database only exists per connection
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS flow_states (
			flow_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			done INTEGER NOT NULL,
			data BLOB NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_flow_states_name_start
		ON flow_states(name, start_time)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, flowID string, state *FlowState) error {
	data, err := state.Marshal()
	if err != nil {
		return fmt.Errorf("marshal flow state %s: %w", flowID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flow_states (flow_id, name, start_time, done, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(flow_id) DO UPDATE SET
			name = excluded.name,
			start_time = excluded.start_time,
			done = excluded.done,
			data = excluded.data
	`, flowID, state.Name, state.StartTime.UnixNano(), boolInt(state.Operation.Done), data)
	if err != nil {
		return fmt.Errorf("save flow state: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, flowID string) (*FlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM flow_states WHERE flow_id = ?
	`, flowID).Scan(&data)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load flow state: %w", err)
	}
	return Unmarshal(data)
}

// List implements Store. Filtering, ordering and paging run in SQL.
func (s *SQLiteStore) List(ctx context.Context, query *Query) (*QueryResponse, error) {
	if query == nil {
		query = &Query{}
	}
	offset, err := parseToken(query.ContinuationToken)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	order := "DESC"
	if query.Oldest {
		order = "ASC"
	}
	// Fetch one extra row to learn whether another page exists
	limit := -1
	if query.Limit > 0 {
		limit = query.Limit + 1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM flow_states
		WHERE (? = '' OR name = ?)
		ORDER BY start_time `+order+`, flow_id `+order+`
		LIMIT ? OFFSET ?
	`, query.FlowName, query.FlowName, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list flow states: %w", err)
	}
	defer rows.Close()

	var states []*FlowState
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan flow state: %w", err)
		}
		st, err := Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("decode flow state: %w", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flow states: %w", err)
	}

	resp := &QueryResponse{FlowStates: states}
	if query.Limit > 0 && len(states) > query.Limit {
		resp.FlowStates = states[:query.Limit]
		resp.ContinuationToken = strconv.Itoa(offset + query.Limit)
	}
	return resp, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
