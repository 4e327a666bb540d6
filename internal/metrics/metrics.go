package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartrec_messages_total",
			Help: "Message lifecycle counter by stage and channel",
		},
		[]string{"stage", "channel"}, // queued|sent|failed|cancelled|rescheduled , official|unofficial
	)

	RateLimitDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartrec_rate_limit_denials_total",
			Help: "Sends refused by the rate limiter, by reason",
		},
		[]string{"reason"},
	)

	JobOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartrec_job_outcomes_total",
			Help: "Job handler outcomes by queue",
		},
		[]string{"queue", "outcome"}, // done|terminal|retry|reschedule
	)

	CartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartrec_carts_total",
			Help: "Abandoned carts by status transition",
		},
		[]string{"status"},
	)

	HealthScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cartrec_channel_health_score",
			Help: "Last computed health score per channel",
		},
		[]string{"channel"},
	)

	TransportLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cartrec_transport_seconds",
			Help:    "Outbound transport call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)
)

var registerOnce sync.Once

// MustRegister registers the collectors once; serve and worker may both call it.
func MustRegister(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(
			MessagesTotal,
			RateLimitDenials,
			JobOutcomes,
			CartsTotal,
			HealthScore,
			TransportLatency,
		)
	})
}
