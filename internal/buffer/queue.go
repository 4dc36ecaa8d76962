package buffer

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/logs-governor/internal/record"
)

// Queue is the FIFO of pending events owned by one engine. It also stamps
// events so timestamps follow queue order.
type Queue struct {
	mu     sync.Mutex
	events []*LogEvent
	bytes  int64
	last   int64
	now    func() time.Time

	gaugeEvents prometheus.Gauge
	gaugeBytes  prometheus.Gauge
}

// NewQueue creates an empty queue reporting its gauges under name.
func NewQueue(name string) *Queue {
	return &Queue{
		events:      make([]*LogEvent, 0, DefaultItemCountLimit),
		now:         time.Now,
		gaugeEvents: queueEvents.WithLabelValues(name),
		gaugeBytes:  queueBytes.WithLabelValues(name),
	}
}

// Push appends a new event and returns it.
func (q *Queue) Push(msg string, src record.Record) *LogEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	ts := q.now().UnixNano()
	if ts <= q.last {
		ts = q.last + 1
	}
	q.last = ts

	ev := &LogEvent{RenderedMessage: msg, Timestamp: ts, Source: src}
	q.events = append(q.events, ev)
	q.bytes += int64(len(msg))
	q.updateGauges()
	return ev
}

// PushFront puts events back at the head of the queue, keeping their order.
func (q *Queue) PushFront(events []*LogEvent) {
	if len(events) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	merged := make([]*LogEvent, 0, len(events)+len(q.events))
	merged = append(merged, events...)
	q.events = append(merged, q.events...)
	for _, ev := range events {
		q.bytes += int64(len(ev.RenderedMessage))
	}
	q.updateGauges()
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// FrontTimestamp returns the timestamp of the oldest queued event.
func (q *Queue) FrontTimestamp() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return 0, false
	}
	return q.events[0].Timestamp, true
}

// Bytes returns the total message bytes queued.
func (q *Queue) Bytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Take removes and returns the longest prefix that fits l. An event whose
// message plus per-item overhead exceeds l.PerItemByteLimit has its message
// cut to l.PerItemByteLimit bytes in place on the way and is returned in
// truncated as well, whether or not it made it into the batch. Each event is
// reported at most once.
func (q *Queue) Take(l Limits) (taken, truncated []*LogEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var total, n int
	for n < len(q.events) && n < l.ItemCountLimit {
		ev := q.events[n]
		if !ev.truncated && l.itemBytes(ev.RenderedMessage) > l.PerItemByteLimit {
			before := len(ev.RenderedMessage)
			ev.RenderedMessage = truncateUTF8(ev.RenderedMessage, l.PerItemByteLimit)
			ev.truncated = true
			q.bytes -= int64(before - len(ev.RenderedMessage))
			truncated = append(truncated, ev)
		}
		size := l.itemBytes(ev.RenderedMessage)
		if total+size > l.BatchByteBudget {
			break
		}
		total += size
		n++
	}
	if n == 0 {
		return nil, truncated
	}

	taken = make([]*LogEvent, n)
	copy(taken, q.events[:n])
	clear(q.events[:n])
	q.events = q.events[n:]
	for _, ev := range taken {
		q.bytes -= int64(len(ev.RenderedMessage))
	}
	if q.bytes < 0 {
		q.bytes = 0
	}
	q.maybeCompact()
	q.updateGauges()

	batchEvents.Observe(float64(n))
	batchBytes.Observe(float64(total))
	return taken, truncated
}

// maybeCompact compacts the slice if capacity is significantly larger than length.
// Must be called with q.mu held.
func (q *Queue) maybeCompact() {
	if cap(q.events) > 256 && cap(q.events) > len(q.events)+64 {
		compacted := make([]*LogEvent, len(q.events))
		copy(compacted, q.events)
		q.events = compacted
	}
}

// Must be called with q.mu held.
func (q *Queue) updateGauges() {
	q.gaugeEvents.Set(float64(len(q.events)))
	q.gaugeBytes.Set(float64(q.bytes))
}
