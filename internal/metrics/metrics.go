// Package metrics exposes the daemon's Prometheus collectors, grounded on
// the teacher's promauto-based MetricsCollector (pkg/dialog/metrics.go),
// scaled down to the counters and histograms this daemon actually needs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rtpmidid"

// Collector holds every Prometheus metric the daemon reports.
type Collector struct {
	PeersTotal        prometheus.Gauge
	RoutesTotal       prometheus.Gauge
	MIDIEventsRouted  *prometheus.CounterVec
	SessionLatency    prometheus.Histogram
	CKExchangesTotal  prometheus.Counter
	ControlRequests   *prometheus.CounterVec
}

// New registers every collector against the default Prometheus registry.
// Calling New twice in the same process panics (promauto's registration
// semantics); callers should construct exactly one Collector per daemon.
func New() *Collector {
	return &Collector{
		PeersTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_total",
			Help:      "Number of peers currently registered with the router.",
		}),
		RoutesTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routes_total",
			Help:      "Number of routes currently present in the router graph.",
		}),
		MIDIEventsRouted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "midi_events_routed_total",
			Help:      "Total number of MIDI events routed, by source peer id.",
		}, []string{"peer_id"}),
		SessionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_latency_microseconds",
			Help:      "Estimated one-way latency of AppleMIDI sessions, from clock-sync rounds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 50000},
		}),
		CKExchangesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ck_exchanges_total",
			Help:      "Total number of completed CK clock-sync round trips.",
		}),
		ControlRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_plane_requests_total",
			Help:      "Total number of control-plane JSON-RPC requests, by method.",
		}, []string{"method"}),
	}
}

// ObserveLatency records a session's latency estimate in microseconds.
func (c *Collector) ObserveLatency(d time.Duration) {
	c.SessionLatency.Observe(float64(d.Microseconds()))
}

// SetGraphSize updates the peers/routes gauges to the router's current size.
func (c *Collector) SetGraphSize(peers, routes int) {
	c.PeersTotal.Set(float64(peers))
	c.RoutesTotal.Set(float64(routes))
}

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
