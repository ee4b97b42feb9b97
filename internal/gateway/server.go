// server.go — Gateway process wiring: WS admission endpoint, tunnel reader
// loops, public HTTP listener, lifecycle.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/openanp/anpx-gateway/internal/anpx"
	"github.com/openanp/anpx-gateway/internal/util"
)

// ErrBind distinguishes listener failures for the process exit code.
var ErrBind = errors.New("bind failed")

// ServiceDirectory answers which service URLs a DID may expose. Backed by
// an external store; the gateway only queries it at admission time.
type ServiceDirectory interface {
	ServicesForDID(ctx context.Context, did string) ([]string, error)
}

// Authenticator validates a tunnel's Authorization header against the
// effective domain and returns the authenticated DID.
type Authenticator interface {
	Verify(ctx context.Context, authorization, domain string) (did string, err error)
}

// TokenIssuer mints the optional short-lived bearer token handed back on
// successful admission. Nil disables issuance.
type TokenIssuer interface {
	Issue(did string) (string, error)
}

// TokenResponseHeader carries the post-admission bearer token.
const TokenResponseHeader = "X-ANPX-Token"

// ServerConfig bundles the gateway listener and tunnel knobs.
type ServerConfig struct {
	HTTPAddr string
	WSAddr   string
	TLS      *tls.Config

	Registry       RegistryConfig
	Ingress        IngressConfig
	ReassemblyTTL  time.Duration
	MaxFrameBytes  int
	DrainTimeout   time.Duration
}

// Server owns the two listeners and every per-tunnel goroutine.
type Server struct {
	cfg     ServerConfig
	log     logrus.FieldLogger
	clock   clockwork.Clock
	auth    Authenticator
	dir     ServiceDirectory
	issuer  TokenIssuer
	metrics *Metrics
	promReg *prometheus.Registry

	Registry   *Registry
	Correlator *Correlator
	Ingress    *Ingress

	upgrader websocket.Upgrader
}

// NewServer wires registry, correlator and ingress together.
func NewServer(cfg ServerConfig, auth Authenticator, dir ServiceDirectory, issuer TokenIssuer, clock clockwork.Clock, log logrus.FieldLogger) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	promReg := prometheus.NewRegistry()
	metrics := NewMetrics(promReg)

	corr := NewCorrelator(clock)
	reg := NewRegistry(cfg.Registry, corr, metrics, clock, log)
	ing := NewIngress(cfg.Ingress, reg, corr, metrics, log)

	s := &Server{
		cfg:        cfg,
		log:        log,
		clock:      clock,
		auth:       auth,
		dir:        dir,
		issuer:     issuer,
		metrics:    metrics,
		promReg:    promReg,
		Registry:   reg,
		Correlator: corr,
		Ingress:    ing,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Receivers are daemons, not browsers; Origin is meaningless.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	reg.SetOnEvict(func(*Conn) { metrics.TunnelsActive.Dec() })
	return s
}

// Run binds both listeners and serves until ctx is cancelled, then drains
// tunnels and shuts the listeners down. Bind failures wrap ErrBind.
func (s *Server) Run(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("%w: http %s: %v", ErrBind, s.cfg.HTTPAddr, err)
	}
	wsLn, err := net.Listen("tcp", s.cfg.WSAddr)
	if err != nil {
		_ = httpLn.Close()
		return fmt.Errorf("%w: ws %s: %v", ErrBind, s.cfg.WSAddr, err)
	}
	if s.cfg.TLS != nil {
		wsLn = tls.NewListener(wsLn, s.cfg.TLS)
	}
	return s.serve(ctx, httpLn, wsLn)
}

// serve runs against pre-bound listeners; tests use it with ephemeral
// ports.
func (s *Server) serve(ctx context.Context, httpLn, wsLn net.Listener) error {
	httpSrv := &http.Server{Handler: s.Ingress}
	wsSrv := &http.Server{Handler: s.wsMux()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(httpLn); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := wsSrv.Serve(wsLn); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.Registry.Run(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
		defer cancel()
		s.Registry.Drain(drainCtx)
		shutCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return multierr.Combine(
			httpSrv.Shutdown(shutCtx),
			wsSrv.Shutdown(shutCtx),
		)
	})
	s.log.WithFields(logrus.Fields{
		"http": httpLn.Addr().String(),
		"ws":   wsLn.Addr().String(),
	}).Info("gateway listening")
	return g.Wait()
}

// wsMux serves the tunnel endpoint plus health and metrics.
func (s *Server) wsMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "ok tunnels=%d pending=%d\n", s.Registry.Len(), s.Registry.PendingTotal())
	})
	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", s.handleTunnel)
	return mux
}

// effectiveDomain is the host the receiver connected to, the domain the
// DID-WBA signature must bind.
func effectiveDomain(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return strings.ToLower(h)
	}
	return strings.ToLower(host)
}

// handleTunnel runs the admission state machine for one upgrade:
// handshaking → authenticating → healthy. Authentication is evaluated
// before the upgrade, but the socket is upgraded regardless so the close
// code can distinguish auth failure from transport trouble.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	authz := r.Header.Get("Authorization")
	did, authErr := s.auth.Verify(r.Context(), authz, effectiveDomain(r.Host))

	var services []string
	if authErr == nil {
		services, authErr = s.dir.ServicesForDID(r.Context(), did)
		if authErr == nil && len(services) == 0 {
			authErr = fmt.Errorf("did %s has no authorized services", did)
		}
	}

	var respHeader http.Header
	if authErr == nil && s.issuer != nil {
		if tok, err := s.issuer.Issue(did); err == nil {
			respHeader = http.Header{TokenResponseHeader: {tok}}
		} else {
			s.log.WithError(err).Warn("token issue failed")
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		s.metrics.incAuthFailure("upgrade")
		return
	}

	if authErr != nil {
		// DID details stay out of the close reason; the receiver gets the
		// code, the log gets the cause.
		s.log.WithError(authErr).WithField("remote", r.RemoteAddr).Warn("tunnel admission denied")
		s.metrics.incAuthFailure("did_auth")
		msg := websocket.FormatCloseMessage(CloseAuthFailed, "authentication failed")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(2*time.Second))
		_ = ws.Close()
		return
	}

	dec := anpx.NewDecoder(
		anpx.WithReassemblyTTL(s.cfg.ReassemblyTTL),
		anpx.WithMaxFrameSize(s.cfg.MaxFrameBytes),
		anpx.WithClock(s.clock),
	)
	conn, err := s.Registry.Admit(ws, did, services, dec)
	if err != nil {
		s.metrics.incAuthFailure("capacity")
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(2*time.Second))
		_ = ws.Close()
		return
	}
	s.metrics.TunnelsAdmitted.Inc()
	s.metrics.TunnelsActive.Inc()

	util.SafeGo(s.log, "tunnel-reader", func() { s.readLoop(conn) })
}

// readLoop is the tunnel's single reader task. Decode results fan out to
// the correlator; fatal codec errors tear the tunnel down.
func (s *Server) readLoop(c *Conn) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			s.Registry.Evict(c, websocket.CloseAbnormalClosure, "read failed")
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		msg, derr := c.dec.Push(data)
		if derr != nil {
			if s.Ingress.HandleTunnelError(c, derr) {
				s.Registry.Evict(c, websocket.CloseProtocolError, "protocol error")
				return
			}
			continue
		}
		if msg != nil {
			s.Ingress.HandleTunnelMessage(c, msg)
		}
	}
}
