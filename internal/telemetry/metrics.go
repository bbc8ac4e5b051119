package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "voiceforge_jobs_created_total", Help: "Jobs created by kind"}, []string{"kind"})
	JobsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "voiceforge_jobs_completed_total", Help: "Jobs that reached completed"}, []string{"kind"})
	JobsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "voiceforge_jobs_failed_total", Help: "Jobs that reached failed"}, []string{"kind"})
	JobsInFlight     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "voiceforge_jobs_inflight", Help: "Jobs currently executing"}, []string{"kind"})
	JobDuration      = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "voiceforge_job_duration_seconds", Help: "Wall time from dispatch to terminal state", Buckets: prometheus.ExponentialBuckets(0.1, 2, 10)}, []string{"kind", "status"})
	CustomVoices     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "voiceforge_custom_voices", Help: "Registered custom voices"})
	UploadBytes      = prometheus.NewCounter(prometheus.CounterOpts{Name: "voiceforge_upload_bytes_total", Help: "Bytes accepted by the upload endpoint"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "voiceforge_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
)

// Register adds the collectors to the default registry exactly once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsCompleted,
			JobsFailed,
			JobsInFlight,
			JobDuration,
			CustomVoices,
			UploadBytes,
			RateLimitRejects,
		)
	})
}

// Handler exposes /metrics with the singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
