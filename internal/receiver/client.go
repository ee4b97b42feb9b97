// client.go — Tunnel client: dial, authenticate, serve, reconnect.
// One connection runs three pieces: a single reader loop feeding the
// dispatcher, a single writer goroutine draining the outbound queue, and
// the worker pool in between. On tunnel loss everything in flight fails
// locally and the client redials with exponential backoff.
package receiver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/openanp/anpx-gateway/internal/anpx"
	"github.com/openanp/anpx-gateway/internal/auth"
)

// Reconnect backoff defaults.
const (
	DefaultInitialBackoff = 5 * time.Second
	DefaultBackoffFactor  = 2
	DefaultMaxBackoff     = 300 * time.Second
)

// ClientConfig wires one receiver to one gateway.
type ClientConfig struct {
	GatewayURL string // wss://gateway.example.test:9443/
	Signer     *auth.Signer
	TLS        *tls.Config

	Dispatcher DispatcherConfig

	InitialBackoff time.Duration
	BackoffFactor  int
	MaxBackoff     time.Duration

	ReassemblyTTL time.Duration
	MaxFrameBytes int
	WriteTimeout  time.Duration
}

// Client keeps a tunnel to the gateway alive and serves requests from it.
type Client struct {
	cfg ClientConfig
	app App
	log logrus.FieldLogger
}

// NewClient validates the config shape and binds the application.
func NewClient(cfg ClientConfig, app App, log logrus.FieldLogger) (*Client, error) {
	if cfg.GatewayURL == "" {
		return nil, errors.New("receiver: gateway URL required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("receiver: DID signer required")
	}
	if _, err := url.Parse(cfg.GatewayURL); err != nil {
		return nil, fmt.Errorf("receiver: gateway URL: %w", err)
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.BackoffFactor < 2 {
		cfg.BackoffFactor = DefaultBackoffFactor
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Client{cfg: cfg, app: app, log: log}, nil
}

// Run dials and serves until ctx ends, reconnecting with exponential
// backoff after every tunnel loss. Auth rejections back off the same way:
// the gateway's policy store may simply not know this DID yet.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.InitialBackoff
	for {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.log.WithError(err).WithField("retry_in", backoff).Warn("tunnel lost, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= time.Duration(c.cfg.BackoffFactor)
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

// connectAndServe performs one dial + serve cycle and returns the error
// that ended it.
func (c *Client) connectAndServe(ctx context.Context) error {
	u, err := url.Parse(c.cfg.GatewayURL)
	if err != nil {
		return err
	}
	header, err := c.cfg.Signer.Authorization(u.Hostname(), time.Now())
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{
		TLSClientConfig:  c.cfg.TLS,
		HandshakeTimeout: 15 * time.Second,
	}
	ws, resp, err := dialer.DialContext(ctx, c.cfg.GatewayURL, http.Header{
		"Authorization": {header},
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.GatewayURL, err)
	}
	if tok := resp.Header.Get("X-ANPX-Token"); tok != "" {
		c.log.Debug("received bearer token")
	}
	c.log.WithField("gateway", c.cfg.GatewayURL).Info("tunnel established")

	return c.serve(ctx, ws)
}

// serve runs the reader/writer/dispatcher trio over one socket.
func (c *Client) serve(ctx context.Context, ws *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = ws.Close() }()
	// Closing the socket is what unblocks the reader when ctx ends.
	go func() {
		<-ctx.Done()
		_ = ws.Close()
	}()

	out := make(chan [][]byte, 64)
	writeErr := make(chan error, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case frames := <-out:
				for _, f := range frames {
					_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
					if err := ws.WriteMessage(websocket.BinaryMessage, f); err != nil {
						select {
						case writeErr <- err:
						default:
						}
						cancel()
						return
					}
				}
			}
		}
	}()

	send := func(frames [][]byte) error {
		select {
		case out <- frames:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	disp := NewDispatcher(c.cfg.Dispatcher, c.app, send, c.log)
	disp.Start(ctx)
	defer disp.Wait()

	dec := anpx.NewDecoder(
		anpx.WithReassemblyTTL(c.cfg.ReassemblyTTL),
		anpx.WithMaxFrameSize(c.cfg.MaxFrameBytes),
	)
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			select {
			case werr := <-writeErr:
				return werr
			default:
			}
			return err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		msg, derr := dec.Push(data)
		if derr != nil {
			if anpx.IsFatal(derr) {
				return derr
			}
			c.log.WithError(derr).Warn("dropping malformed frame")
			continue
		}
		if msg == nil {
			continue
		}
		if msg.Type != anpx.TypeRequest {
			c.log.WithField("type", msg.Type.String()).Warn("unexpected message type from gateway")
			continue
		}
		disp.Submit(msg)
	}
}
