// conn.go — One authenticated tunnel: socket ownership, write serialization,
// pending-request accounting, health state.
// The writer goroutine is the only code that writes data frames to the
// socket, which preserves WebSocket message ordering per request_id. The
// reader loop lives in server.go; other data reaches the socket through
// Enqueue, and only the ping and close control frames are written directly
// via WriteControl.
package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/openanp/anpx-gateway/internal/anpx"
)

// Tunnel health states (§ admission state machine). handshaking and
// authenticating happen before a Conn exists; a Conn is born healthy.
type connState int32

const (
	stateHealthy connState = iota
	stateDraining
	stateDead
)

func (s connState) String() string {
	switch s {
	case stateHealthy:
		return "healthy"
	case stateDraining:
		return "draining"
	case stateDead:
		return "dead"
	}
	return "unknown"
}

// writeQueueDepth bounds frames buffered toward one tunnel. A full queue
// marks the tunnel at capacity for routing purposes.
const writeQueueDepth = 256

// Conn is one admitted tunnel connection. Owned by the Registry.
type Conn struct {
	ID       string
	DID      string
	Services []string // canonical service URLs bound at admission
	Admitted time.Time

	ws      *websocket.Conn
	dec     *anpx.Decoder
	log     *logrus.Entry
	sendCh  chan [][]byte
	closeCh chan struct{}

	mu       sync.Mutex
	state    connState
	pending  map[string]struct{}
	lastPong time.Time

	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, did string, services []string, dec *anpx.Decoder, now time.Time, log logrus.FieldLogger) *Conn {
	id := xid.New().String()
	return &Conn{
		ID:       id,
		DID:      did,
		Services: services,
		Admitted: now,
		ws:       ws,
		dec:      dec,
		log: log.WithFields(logrus.Fields{
			"conn_id": id,
			"did":     did,
		}),
		sendCh:   make(chan [][]byte, writeQueueDepth),
		closeCh:  make(chan struct{}),
		pending:  make(map[string]struct{}),
		lastPong: now,
	}
}

// Enqueue hands a frame sequence to the writer goroutine. It never blocks:
// a full queue reports ErrNoCapacity and a closed tunnel ErrTunnelLost.
func (c *Conn) Enqueue(frames [][]byte) error {
	select {
	case <-c.closeCh:
		return ErrTunnelLost
	default:
	}
	select {
	case c.sendCh <- frames:
		return nil
	case <-c.closeCh:
		return ErrTunnelLost
	default:
		return ErrNoCapacity
	}
}

// writeLoop serializes outgoing frames onto the socket. Chunks of one
// message stay in ascending index order because they arrive as one batch.
func (c *Conn) writeLoop(writeTimeout time.Duration) {
	for {
		select {
		case <-c.closeCh:
			return
		case frames := <-c.sendCh:
			for _, f := range frames {
				if writeTimeout > 0 {
					_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				}
				if err := c.ws.WriteMessage(websocket.BinaryMessage, f); err != nil {
					c.log.WithError(err).Warn("tunnel write failed")
					c.shutdown(websocket.CloseAbnormalClosure, "write failed")
					return
				}
			}
		}
	}
}

// tryAcquire atomically checks health and capacity and claims a pending
// slot. The increment is visible to the next selection before this call
// returns, so the cap cannot be exceeded under burst.
func (c *Conn) tryAcquire(requestID string, maxPending int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateHealthy {
		return false
	}
	if maxPending > 0 && len(c.pending) >= maxPending {
		return false
	}
	if len(c.sendCh) >= cap(c.sendCh) {
		return false
	}
	c.pending[requestID] = struct{}{}
	return true
}

// release drops a request from the pending set after its slot resolved.
func (c *Conn) release(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// PendingCount is the current number of in-flight requests on the tunnel.
func (c *Conn) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// pendingIDs snapshots the pending set, for failing slots on tunnel loss.
func (c *Conn) pendingIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	return ids
}

// State reports the current health state.
func (c *Conn) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.String()
}

func (c *Conn) healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateHealthy
}

// drain stops new request assignment while existing slots finish.
func (c *Conn) drain() {
	c.mu.Lock()
	if c.state == stateHealthy {
		c.state = stateDraining
	}
	c.mu.Unlock()
}

// markDead transitions to dead. Idempotent.
func (c *Conn) markDead() {
	c.mu.Lock()
	c.state = stateDead
	c.mu.Unlock()
}

func (c *Conn) dead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateDead
}

// notePong records keep-alive liveness.
func (c *Conn) notePong(now time.Time) {
	c.mu.Lock()
	c.lastPong = now
	c.mu.Unlock()
}

func (c *Conn) lastPongAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// ping sends a keep-alive control frame off the writer queue; control
// frames are safe to write concurrently with data writes in gorilla only
// via WriteControl.
func (c *Conn) ping(deadline time.Time) error {
	if c.ws == nil {
		return nil
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, deadline)
}

// shutdown sends a close frame with the given code and tears the socket
// down. Safe to call multiple times; only the first wins.
func (c *Conn) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.markDead()
		close(c.closeCh)
		if c.ws == nil {
			return
		}
		deadline := time.Now().Add(2 * time.Second)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.ws.Close()
	})
}
