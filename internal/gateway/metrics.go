// metrics.go — Prometheus instrumentation for the gateway.
package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the gateway collectors. All counters are safe for
// concurrent use; a nil *Metrics disables instrumentation.
type Metrics struct {
	TunnelsAdmitted prometheus.Counter
	TunnelsActive   prometheus.Gauge
	PendingRequests prometheus.Gauge
	FramesIn        prometheus.Counter
	FramesOut       prometheus.Counter
	Requests        *prometheus.CounterVec
	AuthFailures    *prometheus.CounterVec
	ReassemblyGC    prometheus.Counter
}

// NewMetrics builds and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TunnelsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anpx_tunnels_admitted_total",
			Help: "Tunnels admitted since start.",
		}),
		TunnelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "anpx_tunnels_active",
			Help: "Currently admitted tunnels.",
		}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "anpx_pending_requests",
			Help: "HTTP requests awaiting a tunnel response.",
		}),
		FramesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anpx_frames_in_total",
			Help: "ANPX messages decoded from tunnels; a chunked sequence counts once.",
		}),
		FramesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anpx_frames_out_total",
			Help: "ANPX frames written to tunnels.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anpx_http_requests_total",
			Help: "Ingress requests by final status code.",
		}, []string{"status"}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anpx_auth_failures_total",
			Help: "Tunnel admission failures by reason.",
		}, []string{"reason"}),
		ReassemblyGC: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anpx_reassembly_gc_total",
			Help: "Chunk-reassembly buffers dropped by the sweeper.",
		}),
	}
	reg.MustRegister(
		m.TunnelsAdmitted, m.TunnelsActive, m.PendingRequests,
		m.FramesIn, m.FramesOut, m.Requests, m.AuthFailures, m.ReassemblyGC,
	)
	return m
}

func (m *Metrics) incRequests(status string) {
	if m != nil {
		m.Requests.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) incFramesOut(n int) {
	if m != nil {
		m.FramesOut.Add(float64(n))
	}
}

func (m *Metrics) incFramesIn() {
	if m != nil {
		m.FramesIn.Inc()
	}
}

func (m *Metrics) incAuthFailure(reason string) {
	if m != nil {
		m.AuthFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) incReassemblyGC(n int) {
	if m != nil && n > 0 {
		m.ReassemblyGC.Add(float64(n))
	}
}
