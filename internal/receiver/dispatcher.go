// dispatcher.go — Bounded worker pool between the tunnel reader and the
// local application.
// Requests past the queue bound are shed immediately with an Error frame
// carrying the original request_id, so the gateway fails the paired HTTP
// request fast instead of riding out its timeout.
package receiver

import (
	"context"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/openanp/anpx-gateway/internal/anpx"
)

// DispatcherConfig sizes the pool. Workers matches the gateway's
// max_pending_per_connection so the tunnel can saturate without shedding.
type DispatcherConfig struct {
	Workers    int
	QueueDepth int
	ChunkSize  int
}

// sendFunc delivers encoded frames to the tunnel writer.
type sendFunc func(frames [][]byte) error

// Dispatcher fans decoded request messages out to the application.
type Dispatcher struct {
	cfg  DispatcherConfig
	app  App
	send sendFunc
	log  logrus.FieldLogger

	jobs chan *anpx.Message
	wg   sync.WaitGroup
}

// NewDispatcher builds a stopped pool; Start launches the workers.
func NewDispatcher(cfg DispatcherConfig, app App, send sendFunc, log logrus.FieldLogger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 100
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 32
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = anpx.DefaultChunkSize
	}
	return &Dispatcher{
		cfg:  cfg,
		app:  app,
		send: send,
		log:  log,
		jobs: make(chan *anpx.Message, cfg.QueueDepth),
	}
}

// Start launches the worker pool; workers exit when ctx ends.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-d.jobs:
					d.handle(ctx, msg)
				}
			}
		}()
	}
}

// Wait blocks until every worker exited.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Submit queues one decoded request. A full queue sheds the request with
// an Error frame instead of blocking the tunnel reader.
func (d *Dispatcher) Submit(msg *anpx.Message) {
	select {
	case d.jobs <- msg:
	default:
		d.log.WithField("request_id", msg.RequestID).Warn("dispatch queue full, shedding request")
		d.reject(msg.RequestID)
	}
}

// reject emits a type-0xFF frame for the given request.
func (d *Dispatcher) reject(requestID string) {
	frames, err := anpx.Encode(&anpx.Message{
		Type:      anpx.TypeError,
		RequestID: requestID,
		RespMeta:  &anpx.RespMeta{Status: http.StatusServiceUnavailable, Reason: "receiver overloaded"},
	}, d.cfg.ChunkSize)
	if err != nil {
		d.log.WithError(err).Error("encode error frame")
		return
	}
	if err := d.send(frames); err != nil {
		d.log.WithError(err).Warn("send error frame")
	}
}

// handle runs one request through the application and frames the result.
func (d *Dispatcher) handle(ctx context.Context, msg *anpx.Message) {
	req := &Request{
		Method:  http.MethodGet,
		Path:    "/",
		Headers: make(http.Header),
		Body:    msg.Body,
	}
	if msg.HTTPMeta != nil {
		if msg.HTTPMeta.Method != "" {
			req.Method = msg.HTTPMeta.Method
		}
		if msg.HTTPMeta.Path != "" {
			req.Path = msg.HTTPMeta.Path
		}
		req.Headers = http.Header(msg.HTTPMeta.Headers)
		req.Query = msg.HTTPMeta.Query
	}

	resp, err := d.app.Accept(ctx, req)
	if err != nil {
		d.log.WithError(err).WithField("request_id", msg.RequestID).Error("application error")
		resp = &Response{
			Status: http.StatusInternalServerError,
			Reason: http.StatusText(http.StatusInternalServerError),
		}
	}

	reply := &anpx.Message{
		Type:      anpx.TypeResponse,
		RequestID: msg.RequestID,
		RespMeta:  &anpx.RespMeta{Status: resp.Status, Reason: resp.Reason},
		Body:      resp.Body,
	}
	if len(resp.Headers) > 0 {
		reply.HTTPMeta = &anpx.HTTPMeta{Headers: resp.Headers}
	}
	frames, err := anpx.Encode(reply, d.cfg.ChunkSize)
	if err != nil {
		d.log.WithError(err).WithField("request_id", msg.RequestID).Error("encode response")
		return
	}
	if err := d.send(frames); err != nil {
		// Tunnel is gone; the gateway already failed or will time out the
		// paired request. Nothing to resend.
		d.log.WithError(err).WithField("request_id", msg.RequestID).Warn("response dropped, tunnel lost")
	}
}
