package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quorumlabs/aegis/pkg/contracts"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS execution_events (
	sequence_id    INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id     TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        TEXT,
	timestamp      TEXT NOT NULL,
	correlation_id TEXT,
	prev_hash      TEXT,
	event_hash     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_request ON execution_events(request_id);
CREATE INDEX IF NOT EXISTS idx_events_correlation ON execution_events(correlation_id);
`

// SQLiteStore persists the event chain in a SQLite database. Suitable for
// single-node durable runs; the append path is serialized because every
// hash depends on the previous event's hash.
type SQLiteStore struct {
	mu    sync.Mutex
	db    *sql.DB
	head  string
	seq   uint64
	clock func() time.Time
}

// OpenSQLiteStore opens (and migrates) a SQLite-backed store at dsn.
// Use ":memory:" for ephemeral runs.
func OpenSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: migrate sqlite: %w", err)
	}
	s := &SQLiteStore{db: db, clock: time.Now}
	if err := s.loadHead(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) loadHead() error {
	row := s.db.QueryRow(`SELECT sequence_id, event_hash FROM execution_events ORDER BY sequence_id DESC LIMIT 1`)
	var seq uint64
	var hash string
	err := row.Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("eventlog: load chain head: %w", err)
	}
	s.seq = seq
	s.head = hash
	return nil
}

// Append adds one event, linking it to the previous event's hash.
func (s *SQLiteStore) Append(ctx context.Context, requestID, eventType string, payload map[string]any, correlationID string) (uint64, error) {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
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
func (s *SQLiteStore) ByRequestID(ctx context.Context, requestID string) ([]contracts.ExecutionEvent, error) {
	return s.query(ctx,
		`SELECT sequence_id, request_id, event_type, payload, timestamp, correlation_id, prev_hash, event_hash
		 FROM execution_events WHERE request_id = ? ORDER BY sequence_id`, requestID)
}

// ByCorrelationID returns all events for a correlation id in sequence order.
func (s *SQLiteStore) ByCorrelationID(ctx context.Context, correlationID string) ([]contracts.ExecutionEvent, error) {
	return s.query(ctx,
		`SELECT sequence_id, request_id, event_type, payload, timestamp, correlation_id, prev_hash, event_hash
		 FROM execution_events WHERE correlation_id = ? ORDER BY sequence_id`, correlationID)
}

// Recent returns the most recent n events in sequence order.
func (s *SQLiteStore) Recent(ctx context.Context, n int) ([]contracts.ExecutionEvent, error) {
	if n <= 0 {
		return nil, nil
	}
	events, err := s.query(ctx,
		`SELECT sequence_id, request_id, event_type, payload, timestamp, correlation_id, prev_hash, event_hash
		 FROM execution_events ORDER BY sequence_id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// All returns the full log in sequence order, for chain verification.
func (s *SQLiteStore) All(ctx context.Context) ([]contracts.ExecutionEvent, error) {
	return s.query(ctx,
		`SELECT sequence_id, request_id, event_type, payload, timestamp, correlation_id, prev_hash, event_hash
		 FROM execution_events ORDER BY sequence_id`)
}

// Head returns the hash of the latest event, or "" for an empty log.
func (s *SQLiteStore) Head(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head, nil
}

// Clear drops all events. Test/ops only.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM execution_events`); err != nil {
		return fmt.Errorf("eventlog: clear failed: %w", err)
	}
	s.seq = 0
	s.head = ""
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]contracts.ExecutionEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query failed: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]contracts.ExecutionEvent, error) {
	var out []contracts.ExecutionEvent
	for rows.Next() {
		var e contracts.ExecutionEvent
		var payloadJSON, ts string
		if err := rows.Scan(&e.SequenceID, &e.RequestID, &e.Type, &payloadJSON, &ts, &e.CorrelationID, &e.PrevHash, &e.EventHash); err != nil {
			return nil, fmt.Errorf("eventlog: scan failed: %w", err)
		}
		if payloadJSON != "" && payloadJSON != "null" {
			if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
				return nil, fmt.Errorf("eventlog: payload unmarshal failed: %w", err)
			}
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("eventlog: timestamp parse failed: %w", err)
		}
		e.Timestamp = parsed
		out = append(out, e)
	}
	return out, rows.Err()
}
