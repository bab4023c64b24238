// Package metrics exposes server counters in Prometheus format.
//
// All methods are safe to call on a nil *Metrics, which disables recording.
package metrics

import (
	"net/http"

	"github.com/openmined/dirsync/internal/server/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dirsync"

type Metrics struct {
	registry *prometheus.Registry

	commands    *prometheus.CounterVec
	fanout      prometheus.Counter
	connections prometheus.Gauge
	disconnects *prometheus.CounterVec
	bytesIn     prometheus.Counter
}

// New builds a registry with process collectors and a mailbox collector that
// reads depth from reg on every scrape.
func New(reg *session.Registry) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands serviced, by command and outcome.",
		}, []string{"command", "outcome"}),
		fanout: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mailbox_enqueued_total",
			Help:      "Changes appended to peer mailboxes.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Currently established peer connections.",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Closed peer connections, by reason.",
		}, []string{"reason"}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "content_received_bytes_total",
			Help:      "File content bytes received from peers.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.commands,
		m.fanout,
		m.connections,
		m.disconnects,
		m.bytesIn,
	)
	if reg != nil {
		m.registry.MustRegister(newMailboxCollector(reg))
	}
	return m
}

func (m *Metrics) Command(command, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, outcome).Inc()
}

func (m *Metrics) Enqueued(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.fanout.Add(float64(n))
}

func (m *Metrics) ContentReceived(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesIn.Add(float64(n))
}

func (m *Metrics) Connected() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) Disconnected(reason string) {
	if m == nil {
		return
	}
	m.connections.Dec()
	m.disconnects.WithLabelValues(reason).Inc()
}

// Handler serves Gatherer in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Gatherer(), promhttp.HandlerOpts{})
}

// Gatherer exposes the metric families. A nil Metrics gathers nothing.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

type mailboxCollector struct {
	reg     *session.Registry
	groups  *prometheus.Desc
	peers   *prometheus.Desc
	pending *prometheus.Desc
}

func newMailboxCollector(reg *session.Registry) *mailboxCollector {
	return &mailboxCollector{
		reg:     reg,
		groups:  prometheus.NewDesc(namespace+"_groups", "Sync groups known to this process.", nil, nil),
		peers:   prometheus.NewDesc(namespace+"_peers", "Peers holding a mailbox.", nil, nil),
		pending: prometheus.NewDesc(namespace+"_mailbox_pending", "Changes waiting in peer mailboxes.", nil, nil),
	}
}

func (c *mailboxCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.groups
	ch <- c.peers
	ch <- c.pending
}

func (c *mailboxCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.reg.Stats()

	peers, pending := 0, 0
	for _, g := range stats {
		peers += len(g.Peers)
		pending += g.Pending
	}

	ch <- prometheus.MustNewConstMetric(c.groups, prometheus.GaugeValue, float64(len(stats)))
	ch <- prometheus.MustNewConstMetric(c.peers, prometheus.GaugeValue, float64(peers))
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(pending))
}
