// registry.go — Tunnel-connection registry: admission, routing table,
// keep-alive, eviction, drain.
// The tunnel table is read on every inbound request and written only on
// admission and eviction, hence the RWMutex. Per-tunnel pending state
// lives on the Conn; the only cross-component mutation is the atomic
// select+acquire in router.go.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/openanp/anpx-gateway/internal/anpx"
)

// ErrTooManyTunnels denies admission past the configured connection cap.
var ErrTooManyTunnels = errors.New("too many tunnel connections")

// slotFailer is the correlator surface the registry needs when a tunnel
// dies with requests in flight.
type slotFailer interface {
	Fail(requestID string, err error) bool
}

// RegistryConfig carries the tunnel-lifecycle knobs.
type RegistryConfig struct {
	MaxConnections    int
	MaxPending        int
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	SweepInterval     time.Duration
	WriteTimeout      time.Duration
}

// Registry owns every admitted tunnel and the service routing table.
type Registry struct {
	cfg     RegistryConfig
	clock   clockwork.Clock
	log     logrus.FieldLogger
	slots   slotFailer
	metrics *Metrics
	onEvict func(*Conn)

	mu        sync.RWMutex
	conns     map[string]*Conn
	byService map[string][]*Conn
}

// NewRegistry wires the registry to the correlator it fails slots through.
// metrics may be nil.
func NewRegistry(cfg RegistryConfig, slots slotFailer, metrics *Metrics, clock clockwork.Clock, log logrus.FieldLogger) *Registry {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 10 * time.Second
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = 2 * cfg.KeepaliveInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		cfg:       cfg,
		clock:     clock,
		log:       log,
		slots:     slots,
		metrics:   metrics,
		conns:     make(map[string]*Conn),
		byService: make(map[string][]*Conn),
	}
}

// SetOnEvict registers a hook invoked after a tunnel leaves the table,
// e.g. for metrics.
func (r *Registry) SetOnEvict(fn func(*Conn)) { r.onEvict = fn }

// Admit creates a Conn for an authenticated socket, binds its canonical
// service URLs, publishes it to the routing table, and starts its writer.
func (r *Registry) Admit(ws *websocket.Conn, did string, serviceURLs []string, dec *anpx.Decoder) (*Conn, error) {
	services := make([]string, 0, len(serviceURLs))
	for _, s := range serviceURLs {
		services = append(services, CanonicalService(s))
	}
	c := newConn(ws, did, services, dec, r.clock.Now(), r.log)

	r.mu.Lock()
	if r.cfg.MaxConnections > 0 && len(r.conns) >= r.cfg.MaxConnections {
		r.mu.Unlock()
		return nil, ErrTooManyTunnels
	}
	r.conns[c.ID] = c
	for _, s := range services {
		r.byService[s] = append(r.byService[s], c)
	}
	r.mu.Unlock()

	ws.SetPongHandler(func(string) error {
		c.notePong(r.clock.Now())
		return nil
	})
	go c.writeLoop(r.cfg.WriteTimeout)

	c.log.WithField("services", services).Info("tunnel admitted")
	return c, nil
}

// Select resolves a request's host/path to a tunnel and claims a pending
// slot on it. Resolution order: exact service URL, longest path prefix,
// bare host. ErrNoRoute when nothing matches a healthy tunnel;
// ErrNoCapacity when matches exist but every one is saturated.
func (r *Registry) Select(host, path, requestID string) (*Conn, error) {
	sawCandidate := false
	for _, key := range routeKeys(host, path) {
		r.mu.RLock()
		candidates := append([]*Conn(nil), r.byService[key]...)
		r.mu.RUnlock()
		if len(candidates) == 0 {
			continue
		}
		anyHealthy := false
		for _, c := range candidates {
			if c.healthy() {
				anyHealthy = true
				break
			}
		}
		if !anyHealthy {
			continue
		}
		sawCandidate = true
		if c := selectConn(candidates, requestID, r.cfg.MaxPending); c != nil {
			return c, nil
		}
		// Healthy matches exist at this level but all are at cap: fail
		// fast rather than spilling onto a coarser route.
		break
	}
	if sawCandidate {
		return nil, ErrNoCapacity
	}
	return nil, ErrNoRoute
}

// Evict removes a tunnel, closes its socket with the given code, and fails
// every request still pending on it with ErrTunnelLost.
func (r *Registry) Evict(c *Conn, code int, reason string) {
	r.mu.Lock()
	if _, ok := r.conns[c.ID]; !ok {
		r.mu.Unlock()
		c.shutdown(code, reason)
		return
	}
	delete(r.conns, c.ID)
	for _, s := range c.Services {
		r.byService[s] = removeConn(r.byService[s], c)
		if len(r.byService[s]) == 0 {
			delete(r.byService, s)
		}
	}
	r.mu.Unlock()

	c.shutdown(code, reason)
	for _, id := range c.pendingIDs() {
		r.slots.Fail(id, ErrTunnelLost)
		c.release(id)
	}
	c.log.WithField("reason", reason).Info("tunnel evicted")
	if r.onEvict != nil {
		r.onEvict(c)
	}
}

func removeConn(list []*Conn, c *Conn) []*Conn {
	out := list[:0]
	for _, x := range list {
		if x != c {
			out = append(out, x)
		}
	}
	return out
}

// Len reports the number of admitted tunnels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// PendingTotal sums in-flight requests across tunnels, for health output.
func (r *Registry) PendingTotal() int {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	total := 0
	for _, c := range conns {
		total += c.PendingCount()
	}
	return total
}

// snapshot copies the conn list for lock-free iteration.
func (r *Registry) snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// Run drives keep-alive pings and the periodic sweeper until ctx ends.
func (r *Registry) Run(ctx context.Context) {
	ping := r.clock.NewTicker(r.cfg.KeepaliveInterval)
	defer ping.Stop()
	sweep := r.clock.NewTicker(r.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.Chan():
			r.pingAll()
		case <-sweep.Chan():
			r.sweep()
		}
	}
}

// pingAll sends keep-alive pings and marks tunnels dead after the pong
// timeout elapses.
func (r *Registry) pingAll() {
	now := r.clock.Now()
	for _, c := range r.snapshot() {
		if c.dead() {
			continue
		}
		if now.Sub(c.lastPongAt()) > r.cfg.KeepaliveTimeout {
			c.log.Warn("keep-alive timeout")
			r.Evict(c, CloseKeepaliveTimeout, "keep-alive timeout")
			continue
		}
		if err := c.ping(now.Add(5 * time.Second)); err != nil {
			c.log.WithError(err).Warn("ping failed")
			r.Evict(c, websocket.CloseAbnormalClosure, "ping failed")
		}
	}
}

// sweep evicts dead tunnels still in the table and garbage-collects stale
// chunk-reassembly buffers, failing any slot that depended on one.
func (r *Registry) sweep() {
	for _, c := range r.snapshot() {
		if c.dead() {
			r.Evict(c, websocket.CloseAbnormalClosure, "dead tunnel sweep")
			continue
		}
		if c.dec == nil {
			continue
		}
		expired := c.dec.Sweep()
		r.metrics.incReassemblyGC(len(expired))
		for _, id := range expired {
			c.log.WithField("request_id", id).Warn("reassembly buffer expired")
			if r.slots.Fail(id, ErrTunnelProtocol) {
				c.release(id)
			}
		}
	}
}

// Drain stops new assignment on every tunnel, waits for in-flight requests
// up to the context deadline, then closes all sockets with the shutdown
// close code.
func (r *Registry) Drain(ctx context.Context) {
	for _, c := range r.snapshot() {
		c.drain()
	}
	tick := r.clock.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if r.PendingTotal() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			r.log.Warn("drain deadline reached with requests in flight")
		case <-tick.Chan():
			continue
		}
		break
	}
	for _, c := range r.snapshot() {
		r.Evict(c, CloseShuttingDown, "shutting down")
	}
}
