// correlator.go — Pending-request table pairing HTTP requests with
// asynchronous tunnel responses.
// A slot is mutated exactly twice: inserted at Register, resolved once by
// whichever of {response, timeout, tunnel loss, caller cancellation} gets
// there first. Resolution removes the slot from the table, so the losing
// writers see an absent key and no-op.
package gateway

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openanp/anpx-gateway/internal/anpx"
)

// Result is the terminal outcome of one pending slot.
type Result struct {
	Msg *anpx.Message // non-nil on success
	Err error         // non-nil on failure; one of the taxonomy kinds
}

// Slot is the caller's handle on a pending request.
type Slot struct {
	RequestID string
	ConnID    string
	Created   time.Time
	Deadline  time.Time

	done  chan Result // buffered; written exactly once
	timer clockwork.Timer
}

// Done delivers the slot's single result.
func (s *Slot) Done() <-chan Result { return s.done }

// Correlator owns the request_id → slot table. Updates are atomic at
// per-key granularity; the table holds no reference to tunnel internals.
type Correlator struct {
	clock clockwork.Clock

	mu    sync.Mutex
	slots map[string]*Slot
}

// NewCorrelator returns an empty table.
func NewCorrelator(clock clockwork.Clock) *Correlator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Correlator{
		clock: clock,
		slots: make(map[string]*Slot),
	}
}

// Register inserts a pending slot and arms its independent timeout timer.
// A colliding request_id is rejected; fresh v4 UUIDs make that defensive
// rather than expected.
func (c *Correlator) Register(requestID, connID string, timeout time.Duration) (*Slot, error) {
	now := c.clock.Now()
	s := &Slot{
		RequestID: requestID,
		ConnID:    connID,
		Created:   now,
		Deadline:  now.Add(timeout),
		done:      make(chan Result, 1),
	}

	c.mu.Lock()
	if _, exists := c.slots[requestID]; exists {
		c.mu.Unlock()
		return nil, ErrDuplicateRequestID
	}
	c.slots[requestID] = s
	c.mu.Unlock()

	s.timer = c.clock.AfterFunc(timeout, func() {
		c.Fail(requestID, ErrRequestTimeout)
	})
	return s, nil
}

// Complete resolves the slot with a response. Returns false when the slot
// is already gone (timed out, failed, or cancelled) — a no-op by design.
func (c *Correlator) Complete(requestID string, msg *anpx.Message) bool {
	return c.resolve(requestID, Result{Msg: msg})
}

// Fail resolves the slot with an error kind. Same atomicity as Complete.
func (c *Correlator) Fail(requestID string, err error) bool {
	return c.resolve(requestID, Result{Err: err})
}

func (c *Correlator) resolve(requestID string, res Result) bool {
	c.mu.Lock()
	s, ok := c.slots[requestID]
	if ok {
		delete(c.slots, requestID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.done <- res
	return true
}

// Len reports the number of outstanding slots.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}
