package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/quorumlabs/aegis/pkg/contracts"
)

// PostgresSchema is the DDL the Postgres adapter expects. Applied by the
// operator's migration tooling, not by the kernel.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS execution_events (
	sequence_id    BIGSERIAL PRIMARY KEY,
	request_id     TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        JSONB,
	timestamp      TEXT NOT NULL,
	correlation_id TEXT,
	prev_hash      TEXT,
	event_hash     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_request ON execution_events(request_id);
CREATE INDEX IF NOT EXISTS idx_events_correlation ON execution_events(correlation_id);
`

// PostgresStore persists the event chain through a relational adapter.
type PostgresStore struct {
	mu    sync.Mutex
	db    *sql.DB
	head  string
	seq   uint64
	clock func() time.Time
}

// NewPostgresStore wraps an opened database handle and loads the current
// chain head.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db, clock: time.Now}
	row := db.QueryRow(`SELECT sequence_id, event_hash FROM execution_events ORDER BY sequence_id DESC LIMIT 1`)
	var seq uint64
	var hash string
	err := row.Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventlog: load chain head: %w", err)
	}
	s.seq = seq
	s.head = hash
	return s, nil
}

// WithClock overrides the clock for tests.
func (s *PostgresStore) WithClock(clock func() time.Time) *PostgresStore {
	s.clock = clock
	return s
}

// Append adds one event, linking it to the previous event's hash.
func (s *PostgresStore) Append(ctx context.Context, requestID, eventType string, payload map[string]any, correlationID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event := contracts.ExecutionEvent{
		SequenceID:    s.seq + 1,
		RequestID:     requestID,
		Type:          eventType,
		Payload:       payload,
		Timestamp:     s.clock().UTC(),
		CorrelationID: correlationID,
		PrevHash:      s.head,
	}
	hash, err := hashEvent(event)
	if err != nil {
		return 0, fmt.Errorf("eventlog: hash computation failed: %w", err)
	}
	event.EventHash = hash

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("eventlog: payload marshal failed: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_events (request_id, event_type, payload, timestamp, correlation_id, prev_hash, event_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		requestID, eventType, string(payloadJSON),
		event.Timestamp.Format(time.RFC3339Nano), correlationID, event.PrevHash, event.EventHash)
	if err != nil {
		return 0, fmt.Errorf("eventlog: insert failed: %w", err)
	}

	s.seq = event.SequenceID
	s.head = event.EventHash
	return event.SequenceID, nil
}

// ByRequestID returns all events for a request in sequence order.
func (s *PostgresStore) ByRequestID(ctx context.Context, requestID string) ([]contracts.ExecutionEvent, error) {
	return s.query(ctx,
		`SELECT sequence_id, request_id, event_type, payload, timestamp, correlation_id, prev_hash, event_hash
		 FROM execution_events WHERE request_id = $1 ORDER BY sequence_id`, requestID)
}

// ByCorrelationID returns all events for a correlation id in sequence order.
func (s *PostgresStore) ByCorrelationID(ctx context.Context, correlationID string) ([]contracts.ExecutionEvent, error) {
	return s.query(ctx,
		`SELECT sequence_id, request_id, event_type, payload, timestamp, correlation_id, prev_hash, event_hash
		 FROM execution_events WHERE correlation_id = $1 ORDER BY sequence_id`, correlationID)
}

// Recent returns the most recent n events in sequence order.
func (s *PostgresStore) Recent(ctx context.Context, n int) ([]contracts.ExecutionEvent, error) {
	if n <= 0 {
		return nil, nil
	}
	events, err := s.query(ctx,
		`SELECT sequence_id, request_id, event_type, payload, timestamp, correlation_id, prev_hash, event_hash
		 FROM execution_events ORDER BY sequence_id DESC LIMIT $1`, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// Head returns the hash of the latest event, or "" for an empty log.
func (s *PostgresStore) Head(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head, nil
}

// Clear drops all events. Test/ops only.
func (s *PostgresStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM execution_events`); err != nil {
		return fmt.Errorf("eventlog: clear failed: %w", err)
	}
	s.seq = 0
	s.head = ""
	return nil
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]contracts.ExecutionEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query failed: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}
