package answer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's Prometheus collectors.
type Metrics struct {
	ConversationsAttached *prometheus.CounterVec
	WatchedConversations  prometheus.Gauge
	Accepts               *prometheus.CounterVec
	AcceptsSkipped        *prometheus.CounterVec
	FullScreen            prometheus.Counter
	VideoActivations      *prometheus.CounterVec
	HandlerFailures       *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConversationsAttached: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kioskanswer_conversations_attached_total",
			Help: "Conversations the watcher attached handlers to, partitioned by how they were discovered",
		}, []string{"source"}),
		WatchedConversations: f.NewGauge(prometheus.GaugeOpts{
			Name: "kioskanswer_watched_conversations",
			Help: "Conversations currently watched",
		}),
		Accepts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kioskanswer_accepts_total",
			Help: "Accept requests issued, partitioned by modality",
		}, []string{"modality"}),
		AcceptsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kioskanswer_accept_skipped_total",
			Help: "Invitations left for manual handling, partitioned by modality and reason",
		}, []string{"modality", "reason"}),
		FullScreen: f.NewCounter(prometheus.CounterOpts{
			Name: "kioskanswer_fullscreen_total",
			Help: "Full-screen requests issued for conversation windows",
		}),
		VideoActivations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kioskanswer_video_activations_total",
			Help: "Finished video activations, partitioned by result",
		}, []string{"result"}),
		HandlerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kioskanswer_handler_failures_total",
			Help: "Failures absorbed at notification boundaries, partitioned by handler",
		}, []string{"handler"}),
	}
}
