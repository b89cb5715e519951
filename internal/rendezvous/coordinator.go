// Package rendezvous lets an in-process workflow suspend until the decision
// for an approval id arrives, or its deadline passes.
package rendezvous

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MEKXH/signoff/internal/approval"
	"github.com/MEKXH/signoff/internal/metrics"
)

const (
	// DefaultMaxPending is how long a handle nobody awaits survives before Reap drops it.
	DefaultMaxPending = 2 * approval.DefaultDeadline
	maxAbandoned      = 10000
)

var (
	ErrTimeoutRequired   = errors.New("rendezvous: timeout must be positive")
	ErrAlreadyRegistered = errors.New("rendezvous: id already registered")
	ErrNotRegistered     = errors.New("rendezvous: id not registered")
)

// Handle is a registered wait slot for one approval id.
type Handle struct {
	id       string
	created  time.Time
	result   chan approval.Decision
	awaiting bool
	resolved bool
}

// ID returns the approval id the handle waits on.
func (h *Handle) ID() string { return h.id }

// Coordinator tracks pending wait handles. Each handle resolves at most once
// and is removed on resolve-and-await, timeout, cancel, or reap.
type Coordinator struct {
	mu         sync.Mutex
	pending    map[string]*Handle
	abandoned  map[string]time.Time
	maxPending time.Duration
	metrics    *metrics.RuntimeMetrics
	now        func() time.Time
}

// NewCoordinator creates a coordinator. maxPending <= 0 uses DefaultMaxPending.
func NewCoordinator(maxPending time.Duration, recorder *metrics.RuntimeMetrics) *Coordinator {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Coordinator{
		pending:    make(map[string]*Handle),
		abandoned:  make(map[string]time.Time),
		maxPending: maxPending,
		metrics:    recorder,
		now:        time.Now,
	}
}

// SetClock overrides the clock used for handle ages.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Register creates the wait handle for id. It must precede submission so a
// fast decision cannot be missed.
func (c *Coordinator) Register(id string) (*Handle, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("rendezvous: id is required")
	}

	c.mu.Lock()
	if _, ok := c.pending[id]; ok {
		c.mu.Unlock()
		return nil, ErrAlreadyRegistered
	}
	h := &Handle{
		id:      id,
		created: c.now(),
		result:  make(chan approval.Decision, 1),
	}
	c.pending[id] = h
	delete(c.abandoned, id)
	c.mu.Unlock()

	c.record(metrics.RendezvousRegistered)
	return h, nil
}

// Await blocks until the decision for id arrives, timeout elapses, or ctx
// is done. On timeout it returns the synthetic expired decision; on
// cancellation it returns ctx.Err(). The handle is removed in every case.
func (c *Coordinator) Await(ctx context.Context, id string, timeout time.Duration) (approval.Decision, error) {
	if timeout <= 0 {
		return approval.Decision{}, ErrTimeoutRequired
	}

	c.mu.Lock()
	h, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return approval.Decision{}, ErrNotRegistered
	}
	h.awaiting = true
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-h.result:
		c.release(h, false)
		c.record(metrics.RendezvousResolved)
		return d, nil
	case <-timer.C:
		if d, ok := c.release(h, true); ok {
			c.record(metrics.RendezvousResolved)
			return d, nil
		}
		c.record(metrics.RendezvousTimedOut)
		slog.Info("rendezvous timed out", "id", id, "timeout", timeout)
		return approval.TimeoutDecision(id), nil
	case <-ctx.Done():
		if d, ok := c.release(h, true); ok {
			c.record(metrics.RendezvousResolved)
			return d, nil
		}
		c.record(metrics.RendezvousCancelled)
		return approval.Decision{}, ctx.Err()
	}
}

// release removes h. When abandon is set it first drains a decision that
// raced the timer; if none arrived the id is remembered as abandoned.
func (c *Coordinator) release(h *Handle, abandon bool) (approval.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[h.id] == h {
		delete(c.pending, h.id)
	}
	if !abandon {
		return approval.Decision{}, false
	}
	select {
	case d := <-h.result:
		return d, true
	default:
	}
	h.resolved = true
	c.abandonLocked(h.id)
	return approval.Decision{}, false
}

// Resolve hands d to the live handle for id. Unknown and already resolved
// ids are a no-op returning false; a decision for an abandoned id is logged
// and counted as late.
func (c *Coordinator) Resolve(id string, d approval.Decision) bool {
	c.mu.Lock()
	h, ok := c.pending[id]
	if !ok {
		_, late := c.abandoned[id]
		if late {
			delete(c.abandoned, id)
		}
		c.mu.Unlock()
		if late {
			slog.Warn("late decision for abandoned wait", "id", id, "decision", d.Decision, "decider", d.Decider)
			c.record(metrics.RendezvousLate)
		}
		return false
	}
	if h.resolved {
		c.mu.Unlock()
		return false
	}
	h.resolved = true
	h.result <- d
	c.mu.Unlock()
	return true
}

// Cancel releases the handle for id when its workflow gives up before
// awaiting. It reports whether a handle was removed.
func (c *Coordinator) Cancel(id string) bool {
	c.mu.Lock()
	h, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		h.resolved = true
		c.abandonLocked(id)
	}
	c.mu.Unlock()
	if ok {
		c.record(metrics.RendezvousCancelled)
	}
	return ok
}

// Reap drops handles older than the max pending age that nobody awaits,
// and forgets abandoned ids older than the same window.
func (c *Coordinator) Reap(now time.Time) int {
	c.mu.Lock()
	var reaped []string
	for id, h := range c.pending {
		if h.awaiting || now.Sub(h.created) < c.maxPending {
			continue
		}
		delete(c.pending, id)
		h.resolved = true
		c.abandoned[id] = now
		reaped = append(reaped, id)
	}
	for id, at := range c.abandoned {
		if now.Sub(at) >= c.maxPending {
			delete(c.abandoned, id)
		}
	}
	c.mu.Unlock()

	for _, id := range reaped {
		slog.Info("rendezvous handle reaped", "id", id)
		c.record(metrics.RendezvousReaped)
	}
	return len(reaped)
}

// Pending returns the number of live handles.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) abandonLocked(id string) {
	now := c.now()
	if len(c.abandoned) >= maxAbandoned {
		for k, at := range c.abandoned {
			if now.Sub(at) >= c.maxPending {
				delete(c.abandoned, k)
			}
		}
		for k := range c.abandoned {
			if len(c.abandoned) < maxAbandoned {
				break
			}
			delete(c.abandoned, k)
		}
	}
	c.abandoned[id] = now
}

func (c *Coordinator) record(event metrics.RendezvousEvent) {
	if c.metrics == nil {
		return
	}
	if _, err := c.metrics.RecordRendezvous(event); err != nil {
		slog.Warn("record runtime metrics failed", "scope", "rendezvous", "error", err)
	}
}
