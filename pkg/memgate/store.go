// Package memgate gates every memory write behind trust scoring. Writes
// are allowed, quarantined into a bounded buffer, or rejected; quarantine
// resolves exactly once, by explicit review or timed expiry.
package memgate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quorumlabs/aegis/pkg/contracts"
)

// ErrNotFound is returned when a memory object does not exist.
var ErrNotFound = errors.New("memgate: memory object not found")

// MemoryStore is the durability boundary for admitted memory objects.
// The reference implementation keeps everything in memory; the SQLite
// implementation persists through a relational adapter.
type MemoryStore interface {
	Write(ctx context.Context, obj contracts.TypedMemoryObject) error
	Get(ctx context.Context, id string) (contracts.TypedMemoryObject, error)
	List(ctx context.Context, limit int) ([]contracts.TypedMemoryObject, error)
}

// InMemoryStore is the reference MemoryStore used by tests and ephemeral
// runs.
type InMemoryStore struct {
	mu      sync.RWMutex
	objects map[string]contracts.TypedMemoryObject
	order   []string
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{objects: make(map[string]contracts.TypedMemoryObject)}
}

// Write stores a memory object keyed by id.
func (s *InMemoryStore) Write(ctx context.Context, obj contracts.TypedMemoryObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objects[obj.ID]; !exists {
		s.order = append(s.order, obj.ID)
	}
	s.objects[obj.ID] = obj
	return nil
}

// Get returns a stored object by id.
func (s *InMemoryStore) Get(ctx context.Context, id string) (contracts.TypedMemoryObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[id]
	if !ok {
		return contracts.TypedMemoryObject{}, ErrNotFound
	}
	return obj, nil
}

// List returns up to limit objects in write order.
func (s *InMemoryStore) List(ctx context.Context, limit int) ([]contracts.TypedMemoryObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]contracts.TypedMemoryObject, 0, n)
	for _, id := range s.order[:n] {
		out = append(out, s.objects[id])
	}
	return out, nil
}

const sqliteMemorySchema = `
CREATE TABLE IF NOT EXISTS memory_objects (
	id          TEXT PRIMARY KEY,
	content     TEXT NOT NULL,
	memory_type TEXT,
	provenance  TEXT,
	source      TEXT,
	trust       TEXT,
	verified    INTEGER NOT NULL,
	written_at  TEXT NOT NULL
);
`

// SQLiteStore persists memory objects in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (and migrates) a SQLite-backed memory store.
func OpenSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("memgate: open sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteMemorySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("memgate: migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Write stores a memory object.
func (s *SQLiteStore) Write(ctx context.Context, obj contracts.TypedMemoryObject) error {
	trustJSON, err := json.Marshal(obj.Trust)
	if err != nil {
		return fmt.Errorf("memgate: trust marshal failed: %w", err)
	}
	verified := 0
	if obj.Verified {
		verified = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO memory_objects (id, content, memory_type, provenance, source, trust, verified, written_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		obj.ID, obj.Content, obj.MemoryType, obj.Provenance, string(obj.Source),
		string(trustJSON), verified, obj.WrittenAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("memgate: insert failed: %w", err)
	}
	return nil
}

// Get returns a stored object by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (contracts.TypedMemoryObject, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content, memory_type, provenance, source, trust, verified, written_at
		 FROM memory_objects WHERE id = ?`, id)
	obj, err := scanMemoryObject(row.Scan)
	if err == sql.ErrNoRows {
		return contracts.TypedMemoryObject{}, ErrNotFound
	}
	return obj, err
}

// List returns up to limit objects in write order.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]contracts.TypedMemoryObject, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, memory_type, provenance, source, trust, verified, written_at
		 FROM memory_objects ORDER BY written_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("memgate: query failed: %w", err)
	}
	defer rows.Close()

	var out []contracts.TypedMemoryObject
	for rows.Next() {
		obj, err := scanMemoryObject(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanMemoryObject(scan func(...any) error) (contracts.TypedMemoryObject, error) {
	var obj contracts.TypedMemoryObject
	var source, trustJSON, writtenAt string
	var verified int
	if err := scan(&obj.ID, &obj.Content, &obj.MemoryType, &obj.Provenance, &source, &trustJSON, &verified, &writtenAt); err != nil {
		return contracts.TypedMemoryObject{}, err
	}
	obj.Source = contracts.CallSource(source)
	obj.Verified = verified == 1
	if trustJSON != "" {
		if err := json.Unmarshal([]byte(trustJSON), &obj.Trust); err != nil {
			return contracts.TypedMemoryObject{}, fmt.Errorf("memgate: trust unmarshal failed: %w", err)
		}
	}
	ts, err := time.Parse(time.RFC3339Nano, writtenAt)
	if err != nil {
		return contracts.TypedMemoryObject{}, fmt.Errorf("memgate: written_at parse failed: %w", err)
	}
	obj.WrittenAt = ts
	return obj, nil
}
