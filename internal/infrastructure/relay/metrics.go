package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	connections     prometheus.Gauge
	tracks          prometheus.Gauge
	framesForwarded prometheus.Counter
	framesDropped   *prometheus.CounterVec
	authFailures    prometheus.Counter
	groupMembers    prometheus.Gauge
	groupMessages   prometheus.Counter
}

// NewMetrics registers relay metrics on reg. A nil registerer keeps them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "pikarelay_connections",
			Help: "Open media connections",
		}),
		tracks: f.NewGauge(prometheus.GaugeOpts{
			Name: "pikarelay_tracks",
			Help: "Tracks with at least one publisher or subscriber",
		}),
		framesForwarded: f.NewCounter(prometheus.CounterOpts{
			Name: "pikarelay_frames_forwarded_total",
			Help: "Media messages delivered to subscribers",
		}),
		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pikarelay_frames_dropped_total",
			Help: "Media messages dropped by the relay",
		}, []string{"reason"}),
		authFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "pikarelay_auth_failures_total",
			Help: "Rejected relay tokens",
		}),
		groupMembers: f.NewGauge(prometheus.GaugeOpts{
			Name: "pikarelay_group_members",
			Help: "Connected group hub members",
		}),
		groupMessages: f.NewCounter(prometheus.CounterOpts{
			Name: "pikarelay_group_messages_total",
			Help: "Messages fanned out by the group hub",
		}),
	}
}
