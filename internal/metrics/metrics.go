// Package metrics exposes scan and tunnel metrics for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/redpencil/rpio/internal/discovery"
	"github.com/redpencil/rpio/internal/tunnel"
)

const namespace = "rpio"

// SessionLister returns the live tunnel sessions.
type SessionLister func() []tunnel.Snapshot

// Collector owns a private registry with all rpio metrics.
type Collector struct {
	registry *prometheus.Registry

	scans         prometheus.Counter
	scanDuration  prometheus.Histogram
	hostFailures  *prometheus.CounterVec
	instances     *prometheus.GaugeVec
	skipped       *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	forwardsBytes *prometheus.CounterVec

	sessions     SessionLister
	sessionsDesc *prometheus.Desc
}

// New registers the collectors. sessions may be nil when no tunnel manager
// runs in the process.
func New(sessions SessionLister) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		scans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "scans_total",
			Help: "Number of completed discovery scans.",
		}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "scan_duration_seconds",
			Help:    "Wall time of discovery scans.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
		hostFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "probe_failures_total",
			Help: "Failed host probes by failure kind.",
		}, []string{"host", "kind"}),
		instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "instances",
			Help: "Running application instances per host in the latest scan.",
		}, []string{"host"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "skipped_records_total",
			Help: "Malformed inventory records skipped per host.",
		}, []string{"host"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tunnel_transitions_total",
			Help: "Tunnel state transitions by target state and failure kind.",
		}, []string{"to", "kind"}),
		forwardsBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tunnel_bytes_total",
			Help: "Bytes forwarded by closed tunnel sessions.",
		}, []string{"direction"}),
		sessions: sessions,
		sessionsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "tunnel_sessions"),
			"Live tunnel sessions by state.",
			[]string{"state"}, nil,
		),
	}
	c.registry.MustRegister(c.scans, c.scanDuration, c.hostFailures, c.instances, c.skipped, c.transitions, c.forwardsBytes, c)
	return c
}

// Describe implements prometheus.Collector for the live session gauge.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsDesc
}

// Collect implements prometheus.Collector for the live session gauge.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counts := map[tunnel.State]int{
		tunnel.StateConnecting: 0,
		tunnel.StateActive:     0,
		tunnel.StateClosing:    0,
	}
	if c.sessions != nil {
		for _, s := range c.sessions() {
			if _, live := counts[s.State]; live {
				counts[s.State]++
			}
		}
	}
	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.sessionsDesc, prometheus.GaugeValue, float64(n), state.String())
	}
}

// ObserveScan records one discovery result.
func (c *Collector) ObserveScan(res *discovery.Result) {
	c.scans.Inc()
	c.scanDuration.Observe(res.Duration.Seconds())
	c.instances.Reset()
	for _, id := range res.Hosts {
		c.instances.WithLabelValues(string(id)).Set(0)
	}
	for _, inst := range res.Instances {
		c.instances.WithLabelValues(string(inst.HostID)).Inc()
	}
	for id, fe := range res.Errors {
		c.hostFailures.WithLabelValues(string(id), string(fe.Kind)).Inc()
	}
	for id, n := range res.Skipped {
		c.skipped.WithLabelValues(string(id)).Add(float64(n))
	}
}

// ObserveTransition records one tunnel lifecycle event. It is a tunnel.Listener.
func (c *Collector) ObserveTransition(ev tunnel.Event) {
	c.transitions.WithLabelValues(ev.To.String(), string(ev.FailureKind)).Inc()
}

// ObserveClosed records the traffic of a terminal session.
func (c *Collector) ObserveClosed(s tunnel.Snapshot) {
	c.forwardsBytes.WithLabelValues("sent").Add(float64(s.Metrics.BytesSent))
	c.forwardsBytes.WithLabelValues("received").Add(float64(s.Metrics.BytesReceived))
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
