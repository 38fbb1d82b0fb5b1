package remind

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics live on a per-service registry so tests can run several
// services in one process without duplicate registration panics.
type metrics struct {
	registry  *prometheus.Registry
	scheduled prometheus.Counter
	toasts    *prometheus.CounterVec
	toastLag  prometheus.Histogram
	requests  *prometheus.HistogramVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &metrics{
		registry: reg,
		scheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "remindd_reminders_scheduled_total",
			Help: "Number of reminders accepted for scheduling",
		}),
		toasts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "remindd_toasts_total",
			Help: "Number of toasts fired, by status",
		}, []string{"status"}),
		toastLag: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "remindd_toast_lag_seconds",
			Help:    "Lateness of fired toasts in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2.0, 12), // 0.1s .. ~204.8s
		}),
		requests: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "remindd_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
}
