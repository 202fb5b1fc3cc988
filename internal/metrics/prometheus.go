package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the voice chat service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Turn pipeline
	TurnsTotal            *prometheus.CounterVec
	TranscriptionFailures *prometheus.CounterVec
	StageDuration         *prometheus.HistogramVec

	// Sessions
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsExpired prometheus.Counter

	// Uploaded audio
	ClipDuration  prometheus.Histogram
	ClipsRejected prometheus.Counter
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TurnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicechat_turns_total",
			Help: "Processed user turns by outcome",
		}, []string{"outcome"}),
		TranscriptionFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicechat_transcription_failures_total",
			Help: "Transcriptions replaced by fallback text, by kind",
		}, []string{"kind"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicechat_stage_duration_seconds",
			Help:    "Time spent in each external call of a turn",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"stage"}),

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "voicechat_active_sessions",
			Help: "Sessions currently held in memory",
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "voicechat_sessions_created_total",
			Help: "Sessions created",
		}),
		SessionsExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "voicechat_sessions_expired_total",
			Help: "Sessions dropped by the idle sweeper",
		}),

		ClipDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicechat_clip_duration_seconds",
			Help:    "Duration of uploaded audio clips",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
		ClipsRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "voicechat_clips_rejected_total",
			Help: "Uploaded clips rejected before transcription",
		}),
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) TurnFinished(outcome string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TranscriptionFailed(kind string) {
	if m == nil {
		return
	}
	m.TranscriptionFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed(expired bool) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	if expired {
		m.SessionsExpired.Inc()
	}
}

func (m *Metrics) ClipAccepted(seconds float64) {
	if m == nil {
		return
	}
	m.ClipDuration.Observe(seconds)
}

func (m *Metrics) ClipRejected() {
	if m == nil {
		return
	}
	m.ClipsRejected.Inc()
}
