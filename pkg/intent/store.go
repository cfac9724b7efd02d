package intent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Store is the persistence boundary for intents.
type Store interface {
	Create(ctx context.Context, in Intent) error
	Get(ctx context.Context, id string) (Intent, error)
	Update(ctx context.Context, in Intent) error

	// InProgress returns intents in the in_progress state, for the
	// timeout watchdog.
	InProgress(ctx context.Context) ([]Intent, error)
}

// MemoryStore keeps intents in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	intents map[string]Intent
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{intents: make(map[string]Intent)}
}

func (m *MemoryStore) Create(_ context.Context, in Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.intents[in.ID]; exists {
		return fmt.Errorf("intent: duplicate id %s", in.ID)
	}
	m.intents[in.ID] = cloneIntent(in)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.intents[id]
	if !ok {
		return Intent{}, ErrNotFound
	}
	return cloneIntent(in), nil
}

func (m *MemoryStore) Update(_ context.Context, in Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.intents[in.ID]; !ok {
		return ErrNotFound
	}
	m.intents[in.ID] = cloneIntent(in)
	return nil
}

func (m *MemoryStore) InProgress(_ context.Context) ([]Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Intent
	for _, in := range m.intents {
		if in.State == StateInProgress {
			out = append(out, cloneIntent(in))
		}
	}
	return out, nil
}

func cloneIntent(in Intent) Intent {
	steps := make([]Step, len(in.Steps))
	copy(steps, in.Steps)
	for i := range steps {
		if steps[i].Compensation != nil {
			c := *steps[i].Compensation
			steps[i].Compensation = &c
		}
		if len(steps[i].RollbackEventIDs) > 0 {
			ids := make([]string, len(steps[i].RollbackEventIDs))
			copy(ids, steps[i].RollbackEventIDs)
			steps[i].RollbackEventIDs = ids
		}
	}
	in.Steps = steps
	return in
}

// SQLStore persists intents in one table with the step list as a JSON
// document. Works against both Postgres and SQLite.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates the store and its schema.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS intents (
	id TEXT PRIMARY KEY,
	intent_type TEXT NOT NULL,
	state TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	body TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_intents_state ON intents (state);
`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("intent: migrate: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Create(ctx context.Context, in Intent) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("intent: encode: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO intents (id, intent_type, state, created_at, updated_at, body)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		in.ID, in.Type, string(in.State),
		in.CreatedAt.Format(time.RFC3339Nano), in.UpdatedAt.Format(time.RFC3339Nano),
		string(body),
	)
	return err
}

func (s *SQLStore) Get(ctx context.Context, id string) (Intent, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM intents WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return Intent{}, ErrNotFound
	}
	if err != nil {
		return Intent{}, err
	}
	return decodeIntent(body)
}

func (s *SQLStore) Update(ctx context.Context, in Intent) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("intent: encode: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE intents SET state = $1, updated_at = $2, body = $3 WHERE id = $4`,
		string(in.State), in.UpdatedAt.Format(time.RFC3339Nano), string(body), in.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) InProgress(ctx context.Context) ([]Intent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM intents WHERE state = $1`, string(StateInProgress))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Intent
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		in, err := decodeIntent(body)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func decodeIntent(body string) (Intent, error) {
	var in Intent
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		return Intent{}, fmt.Errorf("intent: decode: %w", err)
	}
	return in, nil
}
