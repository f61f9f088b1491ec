package memgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quorumlabs/aegis/pkg/contracts"
	"github.com/quorumlabs/aegis/pkg/schedule"
	"github.com/quorumlabs/aegis/pkg/trust"
)

// Action is the gate's routing decision for one write attempt.
type Action string

const (
	ActionAllow      Action = "allow"
	ActionQuarantine Action = "quarantine"
	ActionReject     Action = "reject"
)

// Review decisions for quarantined items.
const (
	ReviewApprove = "approve"
	ReviewReject  = "reject"
)

var (
	// ErrUnknownQuarantineID is returned when reviewing an id that is not
	// in the buffer.
	ErrUnknownQuarantineID = errors.New("memgate: unknown quarantine id")

	// ErrAlreadyResolved is returned when reviewing an item a second
	// time. The first resolution stands.
	ErrAlreadyResolved = errors.New("memgate: quarantine item already resolved")
)

// Config sets the gate's thresholds and quarantine bounds.
type Config struct {
	// WriteThreshold admits scores at or above it. QuarantineThreshold
	// holds scores in [QuarantineThreshold, WriteThreshold); below it,
	// writes are rejected.
	WriteThreshold      float64
	QuarantineThreshold float64

	// MaxContentBytes rejects oversized content before scoring, bounding
	// memory/CPU exposure. Zero means the default ceiling.
	MaxContentBytes int

	// QuarantineCapacity bounds the buffer; insertion at capacity evicts
	// the oldest entry (counted as a rejection).
	QuarantineCapacity int

	// QuarantineTTL is the auto-expiry window for held items.
	QuarantineTTL time.Duration

	// Enabled false bypasses evaluation entirely: writes are admitted but
	// marked with the not-evaluated sentinel score.
	Enabled bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		WriteThreshold:      0.75,
		QuarantineThreshold: 0.45,
		MaxContentBytes:     64 * 1024,
		QuarantineCapacity:  128,
		QuarantineTTL:       15 * time.Minute,
		Enabled:             true,
	}
}

// Decision is the outcome of one Evaluate call.
type Decision struct {
	Action       Action               `json:"action"`
	Trust        contracts.TrustScore `json:"trust"`
	Reason       string               `json:"reason,omitempty"`
	QuarantineID string               `json:"quarantine_id,omitempty"`
	ReviewAfter  time.Duration        `json:"review_after_ms,omitempty"`
}

// QuarantinedItem is one held memory object awaiting review or expiry.
type QuarantinedItem struct {
	ID        string                      `json:"id"`
	Object    contracts.TypedMemoryObject `json:"object"`
	HeldAt    time.Time                   `json:"held_at"`
	ExpiresAt time.Time                   `json:"expires_at"`
}

type quarantineEntry struct {
	item     QuarantinedItem
	cancel   schedule.CancelFunc
	resolved bool
}

// ExpiryCallback may re-route an expiring item. Returning ActionAllow
// writes it; anything else rejects (the default).
type ExpiryCallback func(item QuarantinedItem) Action

// Gate routes memory writes by trust score.
type Gate struct {
	mu         sync.Mutex
	cfg        Config
	scorer     trust.Scorer
	store      MemoryStore
	quarantine map[string]*quarantineEntry
	onExpiry   ExpiryCallback
	sched      schedule.Scheduler
	clock      func() time.Time
	logger     *slog.Logger
}

// NewGate creates a memory gate in front of store, scoring with scorer.
func NewGate(cfg Config, scorer trust.Scorer, store MemoryStore) *Gate {
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = DefaultConfig().MaxContentBytes
	}
	if cfg.QuarantineCapacity <= 0 {
		cfg.QuarantineCapacity = DefaultConfig().QuarantineCapacity
	}
	if cfg.QuarantineTTL <= 0 {
		cfg.QuarantineTTL = DefaultConfig().QuarantineTTL
	}
	return &Gate{
		cfg:        cfg,
		scorer:     scorer,
		store:      store,
		quarantine: make(map[string]*quarantineEntry),
		sched:      schedule.Timers{},
		clock:      time.Now,
		logger:     slog.Default().With("component", "memgate"),
	}
}

// WithClock injects a clock for tests.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// WithScheduler injects the expiry scheduler. Tests pass a manual
// scheduler and drive expiry by advancing virtual time.
func (g *Gate) WithScheduler(s schedule.Scheduler) *Gate {
	g.sched = s
	return g
}

// OnExpiry registers a callback consulted when a quarantined item's
// expiry task fires. Without one, expiry rejects.
func (g *Gate) OnExpiry(fn ExpiryCallback) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onExpiry = fn
}

// Evaluate scores one write attempt and routes it. The returned decision
// always carries the trust score that drove it — or the not-evaluated
// sentinel when the gate is disabled.
func (g *Gate) Evaluate(ctx context.Context, content string, source contracts.CallSource, memoryType, provenance string) (Decision, error) {
	if !g.cfg.Enabled {
		// Bypassed, not trusted: the sentinel score keeps the distinction
		// visible to downstream consumers.
		obj := g.newObject(content, source, memoryType, provenance, trust.NotEvaluated(), false)
		if err := g.store.Write(ctx, obj); err != nil {
			return Decision{}, fmt.Errorf("memgate: store write failed: %w", err)
		}
		return Decision{
			Action: ActionAllow,
			Trust:  obj.Trust,
			Reason: "gate disabled; write admitted without evaluation",
		}, nil
	}

	if len(content) > g.cfg.MaxContentBytes {
		return Decision{
			Action: ActionReject,
			Trust:  trust.NotEvaluated(),
			Reason: fmt.Sprintf("content size %d exceeds ceiling %d bytes", len(content), g.cfg.MaxContentBytes),
		}, nil
	}

	score := g.scorer.Score(content, source)
	switch {
	case score.Score >= g.cfg.WriteThreshold:
		obj := g.newObject(content, source, memoryType, provenance, score, true)
		if err := g.store.Write(ctx, obj); err != nil {
			return Decision{}, fmt.Errorf("memgate: store write failed: %w", err)
		}
		return Decision{
			Action: ActionAllow,
			Trust:  score,
			Reason: fmt.Sprintf("score %.2f meets write threshold %.2f", score.Score, g.cfg.WriteThreshold),
		}, nil

	case score.Score >= g.cfg.QuarantineThreshold:
		id := g.hold(content, source, memoryType, provenance, score)
		return Decision{
			Action:       ActionQuarantine,
			Trust:        score,
			Reason:       fmt.Sprintf("score %.2f in quarantine band [%.2f, %.2f)", score.Score, g.cfg.QuarantineThreshold, g.cfg.WriteThreshold),
			QuarantineID: id,
			ReviewAfter:  g.cfg.QuarantineTTL,
		}, nil

	default:
		return Decision{
			Action: ActionReject,
			Trust:  score,
			Reason: fmt.Sprintf("score %.2f below quarantine threshold %.2f", score.Score, g.cfg.QuarantineThreshold),
		}, nil
	}
}

func (g *Gate) newObject(content string, source contracts.CallSource, memoryType, provenance string, score contracts.TrustScore, verified bool) contracts.TypedMemoryObject {
	return contracts.TypedMemoryObject{
		// Freshly generated, never caller-derived: prevents
		// identifier-collision replacement attacks.
		ID:         uuid.NewString(),
		Content:    content,
		MemoryType: memoryType,
		Provenance: provenance,
		Source:     source,
		Trust:      score,
		Verified:   verified,
		WrittenAt:  g.clock().UTC(),
	}
}

func (g *Gate) hold(content string, source contracts.CallSource, memoryType, provenance string, score contracts.TrustScore) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.quarantine) >= g.cfg.QuarantineCapacity {
		g.evictOldestLocked()
	}

	obj := g.newObject(content, source, memoryType, provenance, score, false)
	now := g.clock()
	entry := &quarantineEntry{
		item: QuarantinedItem{
			ID:        obj.ID,
			Object:    obj,
			HeldAt:    now,
			ExpiresAt: now.Add(g.cfg.QuarantineTTL),
		},
	}
	entry.cancel = g.sched.After(g.cfg.QuarantineTTL, func() {
		g.expire(obj.ID)
	})
	g.quarantine[obj.ID] = entry
	return obj.ID
}

// evictOldestLocked drops the oldest-by-write-timestamp entry; the
// eviction counts as a rejection.
func (g *Gate) evictOldestLocked() {
	var oldestID string
	var oldestAt time.Time
	for id, entry := range g.quarantine {
		if oldestID == "" || entry.item.HeldAt.Before(oldestAt) {
			oldestID = id
			oldestAt = entry.item.HeldAt
		}
	}
	if oldestID == "" {
		return
	}
	entry := g.quarantine[oldestID]
	entry.cancel()
	delete(g.quarantine, oldestID)
	g.logger.Warn("quarantine buffer full; oldest entry rejected", "id", oldestID)
}

// expire resolves a held item when its expiry task fires. A registered
// callback may re-route the decision; the default is reject.
func (g *Gate) expire(id string) {
	g.mu.Lock()
	entry, ok := g.quarantine[id]
	if !ok || entry.resolved {
		g.mu.Unlock()
		return
	}
	entry.resolved = true
	delete(g.quarantine, id)
	onExpiry := g.onExpiry
	item := entry.item
	g.mu.Unlock()

	action := ActionReject
	if onExpiry != nil {
		action = onExpiry(item)
	}
	if action == ActionAllow {
		obj := item.Object
		obj.Verified = true
		if err := g.store.Write(context.Background(), obj); err != nil {
			g.logger.Warn("expiry-admitted write failed", "id", id, "error", err)
		}
		return
	}
	g.logger.Info("quarantined item expired", "id", id, "action", string(action))
}

// Review resolves a quarantined item exactly once. decision is "approve"
// or "reject"; approving writes the held object. Reviewing an unknown or
// already-resolved id is an error.
func (g *Gate) Review(ctx context.Context, id, decision string) error {
	if decision != ReviewApprove && decision != ReviewReject {
		return fmt.Errorf("memgate: review decision %q must be %q or %q", decision, ReviewApprove, ReviewReject)
	}

	g.mu.Lock()
	entry, ok := g.quarantine[id]
	if !ok {
		g.mu.Unlock()
		return ErrUnknownQuarantineID
	}
	if entry.resolved {
		g.mu.Unlock()
		return ErrAlreadyResolved
	}
	entry.resolved = true
	entry.cancel()
	delete(g.quarantine, id)
	item := entry.item
	g.mu.Unlock()

	if decision == ReviewApprove {
		obj := item.Object
		obj.Verified = true
		if err := g.store.Write(ctx, obj); err != nil {
			return fmt.Errorf("memgate: store write failed: %w", err)
		}
	}
	return nil
}

// Pending returns a snapshot of unresolved quarantined items.
func (g *Gate) Pending() []QuarantinedItem {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]QuarantinedItem, 0, len(g.quarantine))
	for _, entry := range g.quarantine {
		out = append(out, entry.item)
	}
	return out
}

// Close cancels all quarantine expiry tasks. Held items are dropped
// without a decision; the gate is unusable afterwards for review.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, entry := range g.quarantine {
		entry.cancel()
		delete(g.quarantine, id)
	}
}
