// ingress.go — Public HTTP side: inbound mapping, slot lifecycle, response
// reconstruction.
// One handler invocation drives a request end to end: select a tunnel,
// register the pending slot, enqueue frames, wait for whichever of
// {response, timeout, tunnel loss, client cancel} resolves first.
package gateway

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/openanp/anpx-gateway/internal/anpx"
)

// hopByHop headers are connection-scoped and stripped in both directions.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// StripHopByHop copies h without hop-by-hop headers, including any named
// by a Connection header, with keys in stable sorted order.
func StripHopByHop(h http.Header) http.Header {
	drop := make(map[string]struct{}, len(hopByHop))
	for k := range hopByHop {
		drop[k] = struct{}{}
	}
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				drop[textproto.CanonicalMIMEHeaderKey(name)] = struct{}{}
			}
		}
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(http.Header, len(keys))
	for _, k := range keys {
		if _, skip := drop[textproto.CanonicalMIMEHeaderKey(k)]; skip {
			continue
		}
		out[k] = append([]string(nil), h[k]...)
	}
	return out
}

// IngressConfig carries the request-path knobs.
type IngressConfig struct {
	RequestTimeout time.Duration
	BodyMaxBytes   int64
	ChunkSize      int
}

// Ingress is the catch-all public HTTP handler.
type Ingress struct {
	cfg     IngressConfig
	reg     *Registry
	corr    *Correlator
	log     logrus.FieldLogger
	metrics *Metrics
}

// NewIngress wires the handler to the registry and correlator.
func NewIngress(cfg IngressConfig, reg *Registry, corr *Correlator, metrics *Metrics, log logrus.FieldLogger) *Ingress {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = anpx.DefaultChunkSize
	}
	return &Ingress{cfg: cfg, reg: reg, corr: corr, metrics: metrics, log: log}
}

func (g *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := g.readBody(r)
	if err != nil {
		g.writeError(w, ErrPayloadTooLarge)
		return
	}

	requestID := uuid.NewString()
	log := g.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"method":     r.Method,
		"host":       r.Host,
		"path":       r.URL.Path,
	})

	conn, err := g.reg.Select(r.Host, r.URL.Path, requestID)
	if err != nil {
		log.WithError(err).Debug("no tunnel for request")
		g.writeError(w, err)
		return
	}
	defer conn.release(requestID)

	slot, err := g.corr.Register(requestID, conn.ID, g.cfg.RequestTimeout)
	if err != nil {
		g.writeError(w, err)
		return
	}
	if g.metrics != nil {
		g.metrics.PendingRequests.Inc()
		defer g.metrics.PendingRequests.Dec()
	}

	frames, err := anpx.Encode(&anpx.Message{
		Type:      anpx.TypeRequest,
		RequestID: requestID,
		HTTPMeta: &anpx.HTTPMeta{
			Method:  r.Method,
			Path:    r.URL.Path,
			Headers: StripHopByHop(r.Header),
			Query:   r.URL.Query(),
		},
		Body: body,
	}, g.cfg.ChunkSize)
	if err != nil {
		log.WithError(err).Error("encode request")
		g.corr.Fail(requestID, err)
		<-slot.Done()
		g.writeError(w, err)
		return
	}
	if err := conn.Enqueue(frames); err != nil {
		g.corr.Fail(requestID, err)
		<-slot.Done()
		g.writeError(w, err)
		return
	}
	g.metrics.incFramesOut(len(frames))

	select {
	case res := <-slot.Done():
		if res.Err != nil {
			log.WithError(res.Err).Debug("request failed")
			g.writeError(w, res.Err)
			return
		}
		g.writeResponse(w, res.Msg)
	case <-r.Context().Done():
		// Client went away: pull the slot out of the table within this
		// request's lifetime. The tunnel itself stays up.
		g.corr.Fail(requestID, r.Context().Err())
		log.Debug("client cancelled")
	}
}

// readBody buffers the request body up to the configured cap. Requests
// without Content-Length are read to EOF against the same cap.
func (g *Ingress) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	max := g.cfg.BodyMaxBytes
	if max <= 0 {
		return io.ReadAll(r.Body)
	}
	if r.ContentLength > max {
		return nil, ErrPayloadTooLarge
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > max {
		return nil, ErrPayloadTooLarge
	}
	return body, nil
}

// writeResponse reconstructs the HTTP response from a logical frame.
func (g *Ingress) writeResponse(w http.ResponseWriter, msg *anpx.Message) {
	status := http.StatusOK
	if msg.RespMeta != nil && msg.RespMeta.Status > 0 {
		status = msg.RespMeta.Status
	}
	if msg.HTTPMeta != nil {
		for k, vs := range StripHopByHop(msg.HTTPMeta.Headers) {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
	}
	if status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified {
		w.Header().Set("Content-Length", strconv.Itoa(len(msg.Body)))
	}
	w.WriteHeader(status)
	_, _ = w.Write(msg.Body)
	g.metrics.incRequests(strconv.Itoa(status))
}

// writeError maps a taxonomy error onto its fixed status with a brief
// diagnostic body and no internal detail.
func (g *Ingress) writeError(w http.ResponseWriter, err error) {
	status, reason := StatusFor(err)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintln(w, reason)
	g.metrics.incRequests(strconv.Itoa(status))
}

// HandleTunnelMessage routes one decoded tunnel message to its pending
// slot. Called from the tunnel reader loop.
func (g *Ingress) HandleTunnelMessage(conn *Conn, msg *anpx.Message) {
	g.metrics.incFramesIn()
	switch msg.Type {
	case anpx.TypeResponse:
		if g.corr.Complete(msg.RequestID, msg) {
			conn.release(msg.RequestID)
		}
	case anpx.TypeError:
		// Receiver shed the request: fail the slot fast instead of
		// letting it ride out the timeout.
		if g.corr.Fail(msg.RequestID, ErrNoCapacity) {
			conn.release(msg.RequestID)
		}
	default:
		g.log.WithFields(logrus.Fields{
			"request_id": msg.RequestID,
			"type":       msg.Type.String(),
		}).Warn("unexpected tunnel message type")
	}
}

// HandleTunnelError reacts to a decode failure from a tunnel reader:
// request-scoped errors fail just that slot, fatal errors evict the whole
// tunnel (its remaining slots fail with tunnel lost).
func (g *Ingress) HandleTunnelError(conn *Conn, err error) (fatal bool) {
	var reqErr *anpx.RequestError
	if errors.As(err, &reqErr) {
		if g.corr.Fail(reqErr.RequestID, ErrTunnelProtocol) {
			conn.release(reqErr.RequestID)
		}
		conn.log.WithError(err).Warn("dropping malformed frame")
		return false
	}
	conn.log.WithError(err).Error("tunnel protocol failure")
	return true
}
