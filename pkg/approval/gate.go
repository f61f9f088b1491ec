// Package approval mediates human/system sign-off for risky tool calls.
// Requests sit in a pending queue keyed by id until resolved or until a
// background deadline expires them; the first resolution wins and every
// later attempt on the same id fails closed.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/quorumlabs/aegis/pkg/contracts"
	"github.com/quorumlabs/aegis/pkg/schedule"
)

// DefaultTimeout is how long a request may stay pending before it is
// resolved as expired.
const DefaultTimeout = 5 * time.Minute

var (
	// ErrUnknownRequest is returned when resolving an id the gate has
	// never seen (or has already cleaned up).
	ErrUnknownRequest = errors.New("approval: unknown request id")

	// ErrAlreadyResolved is returned on second and later resolution
	// attempts. The stored decision is not changed.
	ErrAlreadyResolved = errors.New("approval: request already resolved")

	// ErrThrottled is returned when the flood guard denies a new request.
	// Fail-closed: the call is denied, not queued.
	ErrThrottled = errors.New("approval: request rate limit exceeded")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("approval: gate closed")
)

type pendingRequest struct {
	request      contracts.ApprovalRequest
	done         chan struct{}
	cancelExpiry schedule.CancelFunc
	cancelReap   schedule.CancelFunc
	resolution   contracts.ApprovalResolution
}

// Gate is the pending-approval queue for one kernel instance. A request
// leaves the pending map the moment it resolves; the resolution stays
// claimable by Await for one timeout window, then is reaped, so
// fire-and-forget resolutions never accumulate.
type Gate struct {
	mu       sync.Mutex
	pending  map[string]*pendingRequest
	resolved map[string]*pendingRequest
	timeout  time.Duration
	limiter  *rate.Limiter
	sched    schedule.Scheduler
	clock    func() time.Time
	logger   *slog.Logger
	closed   bool
}

// Option configures a Gate.
type Option func(*Gate)

// WithTimeout overrides the pending deadline.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithFloodGuard bounds how many approval requests may be raised per
// second, protecting reviewers from runaway planners. Zero disables it.
func WithFloodGuard(perSecond float64, burst int) Option {
	return func(g *Gate) {
		if perSecond > 0 {
			g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) { g.clock = clock }
}

// WithScheduler injects the expiry scheduler. Tests pass a manual
// scheduler and drive deadlines by advancing virtual time.
func WithScheduler(s schedule.Scheduler) Option {
	return func(g *Gate) { g.sched = s }
}

// NewGate creates an approval gate.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		pending:  make(map[string]*pendingRequest),
		resolved: make(map[string]*pendingRequest),
		timeout:  DefaultTimeout,
		sched:    schedule.Timers{},
		clock:    time.Now,
		logger:   slog.Default().With("component", "approval"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Request enqueues a new approval request for a call. The returned
// request carries a freshly generated id and its expiry deadline.
func (g *Gate) Request(call contracts.ProposedToolCall, risk contracts.RiskClass) (contracts.ApprovalRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return contracts.ApprovalRequest{}, ErrClosed
	}
	if g.limiter != nil && !g.limiter.Allow() {
		return contracts.ApprovalRequest{}, ErrThrottled
	}

	now := g.clock()
	req := contracts.ApprovalRequest{
		ID:        uuid.NewString(),
		Call:      call,
		Risk:      risk,
		CreatedAt: now,
		ExpiresAt: now.Add(g.timeout),
	}
	p := &pendingRequest{
		request: req,
		done:    make(chan struct{}),
	}
	// The expiry task is canceled the moment the request is resolved, so
	// sustained load does not leak timers.
	p.cancelExpiry = g.sched.After(g.timeout, func() {
		_ = g.resolve(req.ID, contracts.ApprovalExpired, "system:timeout")
	})
	g.pending[req.ID] = p
	return req, nil
}

// Resolve records a human/system decision for a pending request. Exactly
// one resolution per request; resolving an already-resolved or unknown id
// is rejected.
func (g *Gate) Resolve(id string, decision contracts.ApprovalDecision, decidedBy string) error {
	switch decision {
	case contracts.ApprovalApproved, contracts.ApprovalDenied:
	default:
		return fmt.Errorf("approval: decision %q is not resolvable by a caller", decision)
	}
	return g.resolve(id, decision, decidedBy)
}

func (g *Gate) resolve(id string, decision contracts.ApprovalDecision, decidedBy string) error {
	g.mu.Lock()
	p, ok := g.pending[id]
	if !ok {
		_, wasResolved := g.resolved[id]
		g.mu.Unlock()
		if wasResolved {
			return ErrAlreadyResolved
		}
		return ErrUnknownRequest
	}
	p.resolution = contracts.ApprovalResolution{
		ID:        id,
		Decision:  decision,
		DecidedBy: decidedBy,
		DecidedAt: g.clock(),
	}
	p.cancelExpiry()
	delete(g.pending, id)
	g.resolved[id] = p
	// Unclaimed resolutions are reaped after one timeout window.
	p.cancelReap = g.sched.After(g.timeout, func() {
		g.mu.Lock()
		delete(g.resolved, id)
		g.mu.Unlock()
	})
	close(p.done)
	g.mu.Unlock()

	g.logger.Info("approval resolved", "id", id, "decision", string(decision), "decided_by", decidedBy)
	return nil
}

// Await blocks until the specific request resolves (approve, deny, or
// expire) or the context is canceled. It never blocks on the whole
// queue; claiming the resolution removes it from the gate.
func (g *Gate) Await(ctx context.Context, id string) (contracts.ApprovalResolution, error) {
	g.mu.Lock()
	p, ok := g.pending[id]
	if !ok {
		p, ok = g.resolved[id]
	}
	g.mu.Unlock()
	if !ok {
		return contracts.ApprovalResolution{}, ErrUnknownRequest
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		return contracts.ApprovalResolution{}, ctx.Err()
	}

	g.mu.Lock()
	delete(g.resolved, id)
	if p.cancelReap != nil {
		p.cancelReap()
	}
	resolution := p.resolution
	g.mu.Unlock()
	return resolution, nil
}

// Pending returns a snapshot of unresolved requests.
func (g *Gate) Pending() []contracts.ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]contracts.ApprovalRequest, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.request)
	}
	return out
}

// Close expires all pending requests and rejects new ones. Expiry tasks
// are canceled so the gate never keeps a process alive.
func (g *Gate) Close() {
	g.mu.Lock()
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	g.closed = true
	g.mu.Unlock()

	for _, id := range ids {
		_ = g.resolve(id, contracts.ApprovalExpired, "system:shutdown")
	}
}
