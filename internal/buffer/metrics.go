package buffer

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsAppendedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logs_governor_events_appended_total",
		Help: "Total number of log events pushed to engine queues",
	})

	recordsRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logs_governor_records_rejected_total",
		Help: "Total number of records dropped for carrying no message",
	})

	messagesSlicedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logs_governor_messages_sliced_total",
		Help: "Total number of raw messages split into multiple events",
	})

	eventsTruncatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logs_governor_events_truncated_total",
		Help: "Total number of events truncated to the per-item byte limit",
	})

	flushCyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logs_governor_flush_cycles_total",
		Help: "Total number of flush cycles by trigger",
	}, []string{"trigger"})

	eventsDeliveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logs_governor_events_delivered_total",
		Help: "Total number of events acknowledged by the backend",
	})

	eventsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logs_governor_events_dropped_total",
		Help: "Total number of events dropped after retries were exhausted",
	})

	eventsRequeuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logs_governor_events_requeued_total",
		Help: "Total number of undelivered events pushed back to the queue front",
	})

	batchEvents = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "logs_governor_batch_events",
		Help:    "Number of events per assembled batch",
		Buckets: []float64{1, 2, 5, 10, 15, 20, 25},
	})

	batchBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "logs_governor_batch_bytes",
		Help:    "Assembled batch sizes in bytes including per-item overhead",
		Buckets: []float64{1024, 16 * 1024, 256 * 1024, 1024 * 1024, 4 * 1024 * 1024, 8 * 1024 * 1024, 16 * 1000 * 1000},
	})

	queueEvents = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "logs_governor_queue_events",
		Help: "Current number of events waiting in the queue",
	}, []string{"table"})

	queueBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "logs_governor_queue_bytes",
		Help: "Current total message bytes waiting in the queue",
	}, []string{"table"})

	drainsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logs_governor_drains_total",
		Help: "Total number of drain runs by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(eventsAppendedTotal)
	prometheus.MustRegister(recordsRejectedTotal)
	prometheus.MustRegister(messagesSlicedTotal)
	prometheus.MustRegister(eventsTruncatedTotal)
	prometheus.MustRegister(flushCyclesTotal)
	prometheus.MustRegister(eventsDeliveredTotal)
	prometheus.MustRegister(eventsDroppedTotal)
	prometheus.MustRegister(eventsRequeuedTotal)
	prometheus.MustRegister(batchEvents)
	prometheus.MustRegister(batchBytes)
	prometheus.MustRegister(queueEvents)
	prometheus.MustRegister(queueBytes)
	prometheus.MustRegister(drainsTotal)

	eventsAppendedTotal.Add(0)
	recordsRejectedTotal.Add(0)
	messagesSlicedTotal.Add(0)
	eventsTruncatedTotal.Add(0)
	eventsDeliveredTotal.Add(0)
	eventsDroppedTotal.Add(0)
	eventsRequeuedTotal.Add(0)
}
