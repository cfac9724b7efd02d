package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arbiterhq/arbiter/pkg/contracts"
)

// SQLStore implements Store using database/sql. It works against both
// Postgres (lib/pq) and SQLite (modernc.org/sqlite); placeholders use the
// $N form both drivers accept.
//
// Timestamps are stored as RFC 3339 text so a read-back event serializes to
// exactly the bytes that were hashed, which VerifyChain depends on.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates the store and its schema.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS ledger_events (
	id TEXT NOT NULL,
	partition_key TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	occurred_at TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	resource_type TEXT NOT NULL DEFAULT '',
	resource_id TEXT NOT NULL DEFAULT '',
	decision TEXT NOT NULL,
	policy_id TEXT NOT NULL,
	policy_version TEXT NOT NULL,
	ledger_level TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	event_hash TEXT NOT NULL,
	metadata TEXT,
	PRIMARY KEY (partition_key, sequence)
);
CREATE INDEX IF NOT EXISTS idx_ledger_events_correlation ON ledger_events (correlation_id);
`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

const eventColumns = `id, partition_key, sequence, correlation_id, occurred_at, actor, action,
	resource_type, resource_id, decision, policy_id, policy_version, ledger_level,
	prev_hash, event_hash, metadata`

func (s *SQLStore) Insert(ctx context.Context, e Event) error {
	actor, err := json.Marshal(e.Actor)
	if err != nil {
		return fmt.Errorf("encode actor: %w", err)
	}
	var metadata any
	if e.Metadata != nil {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = string(raw)
	}

	query := `INSERT INTO ledger_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	_, err = s.db.ExecContext(ctx, query,
		e.ID, e.Partition, e.Sequence, e.CorrelationID,
		e.OccurredAt.Format(time.RFC3339Nano), string(actor), e.Action,
		e.ResourceType, e.ResourceID, string(e.Decision), e.PolicyID,
		e.PolicyVersion, string(e.LedgerLevel), e.PrevHash, e.EventHash, metadata,
	)
	return err
}

func (s *SQLStore) Head(ctx context.Context, partition string) (Event, bool, error) {
	query := `SELECT ` + eventColumns + ` FROM ledger_events
		WHERE partition_key = $1 ORDER BY sequence DESC LIMIT 1`
	e, err := scanEvent(s.db.QueryRowContext(ctx, query, partition))
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, err
	}
	return e, true, nil
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]Event, error) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Partition != "" {
		conds = append(conds, "partition_key = "+arg(f.Partition))
	}
	if f.After > 0 {
		conds = append(conds, "sequence > "+arg(f.After))
	}
	if f.CorrelationID != "" {
		conds = append(conds, "correlation_id = "+arg(f.CorrelationID))
	}
	if len(f.IDs) > 0 {
		ph := make([]string, len(f.IDs))
		for i, id := range f.IDs {
			ph[i] = arg(id)
		}
		conds = append(conds, "id IN ("+strings.Join(ph, ", ")+")")
	}

	query := `SELECT ` + eventColumns + ` FROM ledger_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY partition_key, sequence"

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT " + arg(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectEvents(rows)
}

func (s *SQLStore) Partition(ctx context.Context, partition string) ([]Event, error) {
	query := `SELECT ` + eventColumns + ` FROM ledger_events
		WHERE partition_key = $1 ORDER BY sequence`
	rows, err := s.db.QueryContext(ctx, query, partition)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectEvents(rows)
}

func (s *SQLStore) Partitions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT partition_key FROM ledger_events ORDER BY partition_key`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_events`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var e Event
	var occurredAt, actor, decision, level string
	var metadata sql.NullString
	err := row.Scan(
		&e.ID, &e.Partition, &e.Sequence, &e.CorrelationID,
		&occurredAt, &actor, &e.Action,
		&e.ResourceType, &e.ResourceID, &decision, &e.PolicyID,
		&e.PolicyVersion, &level, &e.PrevHash, &e.EventHash, &metadata,
	)
	if err != nil {
		return Event{}, err
	}
	e.Decision = contracts.Effect(decision)
	e.LedgerLevel = contracts.LedgerLevel(level)
	e.OccurredAt, err = time.Parse(time.RFC3339Nano, occurredAt)
	if err != nil {
		return Event{}, fmt.Errorf("parse occurred_at: %w", err)
	}
	if err := json.Unmarshal([]byte(actor), &e.Actor); err != nil {
		return Event{}, fmt.Errorf("decode actor: %w", err)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
			return Event{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return e, nil
}

func collectEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
