package exporter

import "github.com/prometheus/client_golang/prometheus"

var (
	batchWriteRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logs_governor_batch_write_requests_total",
		Help: "Total number of BatchWriteItem calls issued",
	})

	batchWriteErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logs_governor_batch_write_errors_total",
		Help: "Total number of failed BatchWriteItem calls by error type",
	}, []string{"error_type"})

	batchWriteItemsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logs_governor_batch_write_items_total",
		Help: "Total number of items acknowledged by the backend",
	})

	unprocessedItemsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logs_governor_unprocessed_items_total",
		Help: "Total number of items the backend reported as unprocessed",
	})

	retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logs_governor_batch_write_retries_total",
		Help: "Total number of BatchWriteItem retries after backoff",
	})

	retriesExhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logs_governor_batch_write_retries_exhausted_total",
		Help: "Total number of batches given up after the retry limit",
	})

	batchWriteDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "logs_governor_batch_write_duration_seconds",
		Help:    "Latency of single BatchWriteItem calls",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(batchWriteRequestsTotal)
	prometheus.MustRegister(batchWriteErrorsTotal)
	prometheus.MustRegister(batchWriteItemsTotal)
	prometheus.MustRegister(unprocessedItemsTotal)
	prometheus.MustRegister(retriesTotal)
	prometheus.MustRegister(retriesExhaustedTotal)
	prometheus.MustRegister(batchWriteDuration)

	batchWriteRequestsTotal.Add(0)
	batchWriteItemsTotal.Add(0)
	unprocessedItemsTotal.Add(0)
	retriesTotal.Add(0)
	retriesExhaustedTotal.Add(0)
}
