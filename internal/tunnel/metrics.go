package tunnel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the relay's prometheus collectors. A nil Registerer yields
// working but unregistered collectors, which is what tests use.
type Metrics struct {
	SessionsActive  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsEvicted prometheus.Counter

	AgentConnsAccepted *prometheus.CounterVec
	AgentConnsPruned   *prometheus.CounterVec
	PoolIdle           *prometheus.GaugeVec

	Forwards        *prometheus.CounterVec
	ForwardDuration prometheus.Histogram

	BridgesActive prometheus.Gauge
	Bridges       *prometheus.CounterVec
	BridgeBytes   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay", Name: "sessions_active",
			Help: "Tunnel sessions currently registered.",
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Name: "sessions_created_total",
			Help: "Tunnel sessions created.",
		}),
		SessionsEvicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Name: "sessions_evicted_total",
			Help: "Tunnel sessions removed by eviction or the admin API.",
		}),
		AgentConnsAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Name: "agent_connections_accepted_total",
			Help: "Agent connections accepted into a session pool.",
		}, []string{"endpoint"}),
		AgentConnsPruned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Name: "agent_connections_pruned_total",
			Help: "Agent connections dropped from the pool as stale or already closed.",
		}, []string{"endpoint"}),
		PoolIdle: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relay", Name: "pool_idle_connections",
			Help: "Idle agent connections waiting in a session pool.",
		}, []string{"endpoint"}),
		Forwards: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Name: "forwards_total",
			Help: "Public requests forwarded over pooled connections, by outcome.",
		}, []string{"endpoint", "outcome"}),
		ForwardDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relay", Name: "forward_duration_seconds",
			Help:    "Time until the agent's response headers were received.",
			Buckets: prometheus.DefBuckets,
		}),
		BridgesActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay", Name: "bridges_active",
			Help: "CONNECT tunnels currently splicing bytes.",
		}),
		Bridges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Name: "bridges_total",
			Help: "CONNECT tunnels by terminal state.",
		}, []string{"state"}),
		BridgeBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Name: "bridge_bytes_total",
			Help: "Bytes spliced through CONNECT tunnels.",
		}, []string{"direction"}),
	}
}

func (m *Metrics) forgetEndpoint(id string) {
	m.PoolIdle.DeleteLabelValues(id)
	m.AgentConnsAccepted.DeleteLabelValues(id)
	m.AgentConnsPruned.DeleteLabelValues(id)
	m.Forwards.DeletePartialMatch(prometheus.Labels{"endpoint": id})
}

func orNopMetrics(m *Metrics) *Metrics {
	if m == nil {
		return NewMetrics(nil)
	}
	return m
}
