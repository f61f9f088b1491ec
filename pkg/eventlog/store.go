// Package eventlog is the kernel's append-only, hash-chained audit log.
// Each event's hash binds the previous event's hash, so any deletion,
// reordering, or edit of a prior event is detectable by recomputing the
// chain from the first event forward.
//
// Appends are serialized per store (each hash depends on the previous
// one); reads return consistent snapshots and may proceed concurrently.
package eventlog

import (
	"context"
	"time"

	"github.com/quorumlabs/aegis/pkg/canonicalize"
	"github.com/quorumlabs/aegis/pkg/contracts"
)

// Store is the durability boundary for execution events. The kernel is
// agnostic to which implementation is active; it only distinguishes
// "write succeeded" from "write failed, continuing".
type Store interface {
	// Append adds one event and returns its sequence id. SequenceIDs are
	// strictly increasing per store instance.
	Append(ctx context.Context, requestID, eventType string, payload map[string]any, correlationID string) (uint64, error)

	// ByRequestID returns all events for a request in sequence order.
	ByRequestID(ctx context.Context, requestID string) ([]contracts.ExecutionEvent, error)

	// ByCorrelationID returns all events for a correlation id in sequence order.
	ByCorrelationID(ctx context.Context, correlationID string) ([]contracts.ExecutionEvent, error)

	// Recent returns the most recent n events in sequence order.
	Recent(ctx context.Context, n int) ([]contracts.ExecutionEvent, error)

	// Head returns the hash of the latest event, for external checkpointing.
	Head(ctx context.Context) (string, error)

	// Clear drops all events. Test/ops only.
	Clear(ctx context.Context) error
}

// hashEvent computes an event's chain hash over {request_id, type,
// payload, timestamp, correlation_id, prev_hash}. The timestamp is
// rendered as RFC3339Nano so the hash survives storage round-trips.
func hashEvent(e contracts.ExecutionEvent) (string, error) {
	return canonicalize.CanonicalHash(map[string]any{
		"request_id":     e.RequestID,
		"type":           e.Type,
		"payload":        e.Payload,
		"timestamp":      e.Timestamp.UTC().Format(time.RFC3339Nano),
		"correlation_id": e.CorrelationID,
		"prev_hash":      e.PrevHash,
	})
}
