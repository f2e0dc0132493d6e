package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry *prometheus.Registry

	Reconnects      prometheus.Counter
	EventsTotal     *prometheus.CounterVec
	RequestsTotal   *prometheus.CounterVec
	RequestTimeouts prometheus.Counter
	DedupDrops      prometheus.Counter
	EchoSuppressed  prometheus.Counter
	Rollbacks       prometheus.Counter
	ActiveNotices   prometheus.Gauge
}

func New() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rustdash",
			Name:      "reconnects_total",
			Help:      "Transitions into the connected state after the first connect",
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rustdash",
			Name:      "push_events_total",
			Help:      "Unsolicited push events received by event name",
		}, []string{"event"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rustdash",
			Name:      "requests_total",
			Help:      "Correlated requests by kind and outcome",
		}, []string{"kind", "outcome"}),
		RequestTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rustdash",
			Name:      "request_timeouts_total",
			Help:      "Requests that got no reply within their bound",
		}),
		DedupDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rustdash",
			Name:      "chat_dedup_drops_total",
			Help:      "History entries discarded during merge because a live entry already had the key",
		}),
		EchoSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rustdash",
			Name:      "chat_echo_suppressed_total",
			Help:      "Live pushes recognized as echoes of local sends",
		}),
		Rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rustdash",
			Name:      "device_rollbacks_total",
			Help:      "Optimistic device writes reverted after a failed or timed-out confirmation",
		}),
		ActiveNotices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rustdash",
			Name:      "active_notices",
			Help:      "Notices currently displayed",
		}),
	}
	r.MustRegister(m.Reconnects, m.EventsTotal, m.RequestsTotal, m.RequestTimeouts,
		m.DedupDrops, m.EchoSuppressed, m.Rollbacks, m.ActiveNotices)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
