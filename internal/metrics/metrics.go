package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)

	// Scheduling
	ScheduleTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "schedule_total", Help: "Schedule command results."},
		[]string{"result"}, // ok | idempotent | unknown_alias | past | error
	)
	CancelTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cancel_total", Help: "Cancel command results."},
		[]string{"result"}, // ok | missing | error
	)

	// Worker
	ClaimTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "worker_claim_total", Help: "Dispatch claim attempts."},
		[]string{"result"}, // ok | empty | error
	)
	ClaimBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_claim_batch_size",
			Help:    "Number of tasks returned per claim.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		},
	)
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "worker_inflight", Help: "Jobs being executed in this process."},
	)
	SendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "provider_send_total", Help: "Provider send outcomes."},
		[]string{"outcome"}, // sent | temp_fail | perm_fail
	)
	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "provider_send_duration_seconds",
			Help:    "Provider send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
	RetryTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_retry_total", Help: "Send retries scheduled."})
	SweepRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "correlation_sweep_removed_total", Help: "Expired correlations removed."})
)

func MustRegister() {
	prometheus.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		HTTPRequests, HTTPDuration,
		ScheduleTotal, CancelTotal,
		ClaimTotal, ClaimBatchSize, InFlight,
		SendTotal, SendDuration, RetryTotal, SweepRemoved,
	)
}
