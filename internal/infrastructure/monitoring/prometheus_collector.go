package monitoring

import (
	"pikacall/internal/core/domain"
	"pikacall/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Call lifecycle
	transitionsTotal *prometheus.CounterVec
	callsEndedTotal  *prometheus.CounterVec
	callsLive        prometheus.Gauge

	// Signaling
	signalsTotal        *prometheus.CounterVec
	signalsDroppedTotal *prometheus.CounterVec

	// Media
	framesSentTotal     prometheus.Counter
	framesReceivedTotal prometheus.Counter
	framesDroppedTotal  *prometheus.CounterVec
	reconnectAttempts   prometheus.Counter
	reconnectsTotal     prometheus.Counter
	jitterBufferMs      prometheus.Gauge
	jitterBufferHist    prometheus.Histogram
}

var _ ports.CallMetrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the call metrics on reg. Passing
// prometheus.DefaultRegisterer exposes them on the default /metrics handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	f := promauto.With(reg)
	return &PrometheusCollector{
		transitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pikacall_state_transitions_total",
			Help: "Call state transitions by target status",
		}, []string{"status"}),

		callsEndedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pikacall_calls_ended_total",
			Help: "Ended calls by reason",
		}, []string{"reason"}),

		callsLive: f.NewGauge(prometheus.GaugeOpts{
			Name: "pikacall_calls_live",
			Help: "Calls currently offering, ringing, connecting or active",
		}),

		signalsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pikacall_signals_total",
			Help: "Call signals sent and received",
		}, []string{"direction", "type"}),

		signalsDroppedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pikacall_signals_dropped_total",
			Help: "Call signals dropped before or after dispatch",
		}, []string{"reason"}),

		framesSentTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pikacall_media_frames_sent_total",
			Help: "Encrypted media frames written to the relay",
		}),

		framesReceivedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pikacall_media_frames_received_total",
			Help: "Media frames decrypted and buffered for playout",
		}),

		framesDroppedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pikacall_media_frames_dropped_total",
			Help: "Media frames dropped by reason",
		}, []string{"reason"}),

		reconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "pikacall_reconnect_attempts_total",
			Help: "Relay reconnect attempts",
		}),

		reconnectsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pikacall_reconnects_total",
			Help: "Successful relay reconnects",
		}),

		jitterBufferMs: f.NewGauge(prometheus.GaugeOpts{
			Name: "pikacall_jitter_buffer_ms",
			Help: "Audio currently held in the receive jitter buffer",
		}),

		jitterBufferHist: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pikacall_jitter_buffer_depth_ms",
			Help:    "Distribution of jitter buffer depth at playout",
			Buckets: []float64{0, 20, 40, 60, 80, 100, 120, 160, 240},
		}),
	}
}

func (p *PrometheusCollector) RecordTransition(status domain.CallStatus) {
	p.transitionsTotal.WithLabelValues(string(status)).Inc()
	switch status {
	case domain.StatusOffering, domain.StatusRinging:
		p.callsLive.Inc()
	case domain.StatusEnded:
		p.callsLive.Dec()
	}
}

func (p *PrometheusCollector) RecordCallEnded(reason string) {
	p.callsEndedTotal.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RecordSignal(direction, messageType string) {
	p.signalsTotal.WithLabelValues(direction, messageType).Inc()
}

func (p *PrometheusCollector) RecordSignalDropped(reason string) {
	p.signalsDroppedTotal.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RecordFramesSent(n int) {
	p.framesSentTotal.Add(float64(n))
}

func (p *PrometheusCollector) RecordFramesReceived(n int) {
	p.framesReceivedTotal.Add(float64(n))
}

func (p *PrometheusCollector) RecordFramesDropped(reason string, n int) {
	p.framesDroppedTotal.WithLabelValues(reason).Add(float64(n))
}

func (p *PrometheusCollector) RecordReconnectAttempt() {
	p.reconnectAttempts.Inc()
}

func (p *PrometheusCollector) RecordReconnect() {
	p.reconnectsTotal.Inc()
}

func (p *PrometheusCollector) SetJitterBufferMs(ms float64) {
	p.jitterBufferMs.Set(ms)
	p.jitterBufferHist.Observe(ms)
}
