package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the node's prometheus collectors under one registry so
// tests can create isolated instances.
type Metrics struct {
	Registry *prometheus.Registry

	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	SendFailures     prometheus.Counter
	HeartbeatsSent   prometheus.Counter
	ElectionsStarted prometheus.Counter
	LeaderChanges    prometheus.Counter
	Stabilizations   prometheus.Counter

	ConnectedPeers prometheus.Gauge
	IsLeader       prometheus.Gauge
	CurrentTerm    prometheus.Gauge
	FingersSet     prometheus.Gauge
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meshdb",
				Name:      "messages_sent_total",
				Help:      "Messages handed to the send workers, by kind.",
			},
			[]string{"kind"},
		),
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meshdb",
				Name:      "messages_received_total",
				Help:      "Complete frames parsed off peer connections, by kind.",
			},
			[]string{"kind"},
		),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshdb",
			Name:      "send_failures_total",
			Help:      "Socket writes that failed and disconnected the peer.",
		}),
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshdb",
			Name:      "heartbeats_sent_total",
			Help:      "Fire-and-forget liveness probes sent.",
		}),
		ElectionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshdb",
			Name:      "elections_started_total",
			Help:      "Vote rounds initiated by this node.",
		}),
		LeaderChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshdb",
			Name:      "leader_changes_total",
			Help:      "Observed leader adoptions and step-downs.",
		}),
		Stabilizations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshdb",
			Name:      "ring_stabilizations_total",
			Help:      "Chord stabilization ticks executed.",
		}),

		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshdb",
			Name:      "connected_peers",
			Help:      "Peers with a completed handshake, both directions deduplicated.",
		}),
		IsLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshdb",
			Name:      "is_leader",
			Help:      "1 while this node is the elected leader.",
		}),
		CurrentTerm: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshdb",
			Name:      "current_term",
			Help:      "Latest election term observed.",
		}),
		FingersSet: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshdb",
			Name:      "ring_fingers_set",
			Help:      "Non-nil finger table entries.",
		}),
	}

	startTime := time.Now()
	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "meshdb",
		Name:      "uptime_seconds",
		Help:      "Process uptime in seconds.",
	}, func() float64 { return time.Since(startTime).Seconds() })

	m.Registry.MustRegister(
		m.MessagesSent, m.MessagesReceived, m.SendFailures, m.HeartbeatsSent,
		m.ElectionsStarted, m.LeaderChanges, m.Stabilizations,
		m.ConnectedPeers, m.IsLeader, m.CurrentTerm, m.FingersSet, uptime,
	)
	return m
}

// Handler exposes the registry for the status server's /metrics route.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
