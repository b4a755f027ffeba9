// Package metrics exposes Prometheus counters for the voice session engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "viva"

// Metrics holds the session engine's collectors. All Record methods are safe
// on a nil receiver.
type Metrics struct {
	Registry *prometheus.Registry

	SessionsStarted prometheus.Counter
	SessionsStopped *prometheus.CounterVec
	SessionActive   prometheus.Gauge

	StateTransitions *prometheus.CounterVec

	TurnsUploaded  prometheus.Counter
	TurnsDiscarded *prometheus.CounterVec
	TurnSeconds    prometheus.Histogram
	UploadAttempts *prometheus.CounterVec
	UploadLatency  prometheus.Histogram

	ReconnectAttempts *prometheus.CounterVec

	EventsReceived *prometheus.CounterVec
	EventsDeduped  prometheus.Counter

	PlaybackItems *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,

		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Voice sessions opened",
		}),
		SessionsStopped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_stopped_total",
			Help:      "Voice sessions stopped, by reason",
		}, []string{"reason", "forced"}),
		SessionActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_active",
			Help:      "1 while a voice session is active",
		}),

		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Engine state transitions, by target state",
		}, []string{"to"}),

		TurnsUploaded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_uploaded_total",
			Help:      "Answer turns accepted by the backend",
		}),
		TurnsDiscarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_discarded_total",
			Help:      "Answer turns dropped before upload, by reason",
		}, []string{"reason"}),
		TurnSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Length of uploaded answer turns",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
		UploadAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_attempts_total",
			Help:      "Audio chunk upload attempts, by outcome",
		}, []string{"outcome"}),
		UploadLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_latency_seconds",
			Help:      "Time from first attempt to acceptance of a turn",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),

		ReconnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Event stream reconnect attempts, by outcome",
		}, []string{"outcome"}),

		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Push events dispatched, by type",
		}, []string{"type"}),
		EventsDeduped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_deduplicated_total",
			Help:      "Push events dropped as already seen",
		}),

		PlaybackItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_items_total",
			Help:      "Synthesized speech items played, by role and outcome",
		}, []string{"role", "outcome"}),
	}
}

func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.SessionActive.Set(1)
}

func (m *Metrics) RecordSessionStop(reason string, forced bool) {
	if m == nil {
		return
	}
	f := "false"
	if forced {
		f = "true"
	}
	m.SessionsStopped.WithLabelValues(reason, f).Inc()
	m.SessionActive.Set(0)
}

func (m *Metrics) RecordState(to string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) RecordTurnUploaded(audioSeconds float64, latency time.Duration) {
	if m == nil {
		return
	}
	m.TurnsUploaded.Inc()
	m.TurnSeconds.Observe(audioSeconds)
	m.UploadLatency.Observe(latency.Seconds())
}

func (m *Metrics) RecordTurnDiscarded(reason string) {
	if m == nil {
		return
	}
	m.TurnsDiscarded.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordUploadAttempt(outcome string) {
	if m == nil {
		return
	}
	m.UploadAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordReconnect(outcome string) {
	if m == nil {
		return
	}
	m.ReconnectAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordEvent(eventType string, duplicate bool) {
	if m == nil {
		return
	}
	if duplicate {
		m.EventsDeduped.Inc()
		return
	}
	m.EventsReceived.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordPlayback(role, outcome string) {
	if m == nil {
		return
	}
	m.PlaybackItems.WithLabelValues(role, outcome).Inc()
}
