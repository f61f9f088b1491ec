package eventlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quorumlabs/aegis/pkg/contracts"
)

// InMemoryStore is the reference Store used by tests and ephemeral runs.
type InMemoryStore struct {
	mu     sync.RWMutex
	events []contracts.ExecutionEvent
	seq    uint64
	head   string
	clock  func() time.Time
}

// NewInMemoryStore creates an empty in-memory event store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{clock: time.Now}
}

// WithClock overrides the clock for tests.
func (s *InMemoryStore) WithClock(clock func() time.Time) *InMemoryStore {
	s.clock = clock
	return s
}

// Append adds one event, linking it to the previous event's hash.
func (s *InMemoryStore) Append(ctx context.Context, requestID, eventType string, payload map[string]any, correlationID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	event := contracts.ExecutionEvent{
		SequenceID:    s.seq,
		RequestID:     requestID,
		Type:          eventType,
		Payload:       payload,
		Timestamp:     s.clock().UTC(),
		CorrelationID: correlationID,
		PrevHash:      s.head,
	}
	hash, err := hashEvent(event)
	if err != nil {
		s.seq--
		return 0, fmt.Errorf("eventlog: hash computation failed: %w", err)
	}
	event.EventHash = hash
	s.head = hash
	s.events = append(s.events, event)
	return event.SequenceID, nil
}

// ByRequestID returns all events for a request in sequence order.
func (s *InMemoryStore) ByRequestID(ctx context.Context, requestID string) ([]contracts.ExecutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.ExecutionEvent
	for _, e := range s.events {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ByCorrelationID returns all events for a correlation id in sequence order.
func (s *InMemoryStore) ByCorrelationID(ctx context.Context, correlationID string) ([]contracts.ExecutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.ExecutionEvent
	for _, e := range s.events {
		if e.CorrelationID == correlationID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Recent returns the most recent n events in sequence order.
func (s *InMemoryStore) Recent(ctx context.Context, n int) ([]contracts.ExecutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || len(s.events) == 0 {
		return nil, nil
	}
	start := len(s.events) - n
	if start < 0 {
		start = 0
	}
	out := make([]contracts.ExecutionEvent, len(s.events)-start)
	copy(out, s.events[start:])
	return out, nil
}

// All returns a snapshot of the full log, for offline chain verification.
func (s *InMemoryStore) All(ctx context.Context) ([]contracts.ExecutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contracts.ExecutionEvent, len(s.events))
	copy(out, s.events)
	return out, nil
}

// Head returns the hash of the latest event, or "" for an empty log.
func (s *InMemoryStore) Head(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head, nil
}

// Clear drops all events. Test/ops only.
func (s *InMemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	s.seq = 0
	s.head = ""
	return nil
}
