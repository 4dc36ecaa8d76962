// Package buffer implements the log shipping engine: an accumulator that
// queues rendered log events, a flush scheduler, a size-aware batch
// assembler, and a bounded drain sequence for shutdown.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/szibis/logs-governor/internal/exporter"
	"github.com/szibis/logs-governor/internal/logging"
	"github.com/szibis/logs-governor/internal/record"
)

const (
	DefaultFlushInterval = 2 * time.Second
	DefaultSliceLength   = 300000
	DefaultDrainTimeout  = 10 * time.Second
)

// DefaultForceFlushLevels are the levels that flush as soon as they are appended.
var DefaultForceFlushLevels = []string{"fatal", "panic"}

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	// Table is the destination table. Required.
	Table string
	// Writer performs BatchWriteItem calls. Required.
	Writer exporter.BatchWriter
	// PartitionKey is evaluated once per flush cycle. Defaults to the hostname.
	PartitionKey func() string

	FlushInterval time.Duration
	// SliceLength is the longest raw message, in runes, kept as one event.
	SliceLength int
	Limits      Limits

	// MaxRetries follows exporter.RetryConfig: zero selects the default,
	// negative disables retries.
	MaxRetries   int
	BackoffBase  time.Duration
	DrainTimeout time.Duration

	AttributeNames  exporter.AttributeNames
	AttributeSchema exporter.AttributeSchema
	Formatter       record.Formatter

	// ErrorHandler receives truncation notices and delivery failures.
	// When nil they are logged. It runs inside flush cycles and must not
	// append to the same engine.
	ErrorHandler     func(error)
	ExhaustionPolicy ExhaustionPolicy
	// ForceFlushLevels lists levels flushed immediately on append. Nil
	// selects DefaultForceFlushLevels; an empty slice disables the behaviour.
	ForceFlushLevels []string
}

// StaticKey returns a PartitionKey that always yields key.
func StaticKey(key string) func() string {
	return func() string { return key }
}

func defaultPartitionKey() func() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "logs-governor"
	}
	return StaticKey(host)
}

func (o Options) withDefaults() Options {
	if o.PartitionKey == nil {
		o.PartitionKey = defaultPartitionKey()
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.SliceLength <= 0 {
		o.SliceLength = DefaultSliceLength
	}
	o.Limits = o.Limits.withDefaults()
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
	if o.AttributeNames == (exporter.AttributeNames{}) {
		o.AttributeNames = exporter.DefaultAttributeNames()
	}
	if o.Formatter == nil {
		o.Formatter = record.DefaultFormatter
	}
	if o.ExhaustionPolicy == "" {
		o.ExhaustionPolicy = PolicyDrop
	}
	if o.ForceFlushLevels == nil {
		o.ForceFlushLevels = DefaultForceFlushLevels
	}
	return o
}

// Engine buffers log records for one destination and ships them in batches.
type Engine struct {
	opts      Options
	client    *exporter.Client
	queue     *Queue
	scheduler *Scheduler

	// life bounds backoff waits of timer and forced cycles. It is cancelled
	// when a drain passes its deadline.
	life     context.Context
	stopLife context.CancelFunc

	// forcedThrough is the timestamp of the newest force-level event. Forced
	// cycles repeat until no queued event is at or before it.
	forcedThrough atomic.Int64

	// cycleMu keeps at most one flush cycle outstanding.
	cycleMu sync.Mutex

	mu       sync.Mutex
	state    State
	deadline time.Time
}

// New validates opts and creates an idle Engine. The scheduler starts with
// the first Append.
func New(opts Options) (*Engine, error) {
	if opts.Table == "" {
		return nil, ErrMissingTable
	}
	if opts.Writer == nil {
		return nil, ErrMissingWriter
	}
	opts = opts.withDefaults()
	if err := opts.Limits.Validate(); err != nil {
		return nil, err
	}
	if _, err := ParseExhaustionPolicy(string(opts.ExhaustionPolicy)); err != nil {
		return nil, err
	}

	e := &Engine{
		opts: opts,
		client: exporter.NewClient(opts.Writer, exporter.RetryConfig{
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}),
		queue: NewQueue(opts.Table),
		state: StateActive,
	}
	e.life, e.stopLife = context.WithCancel(context.Background())
	e.scheduler = NewScheduler(opts.FlushInterval, e.onTick)
	return e, nil
}

// Append queues rec. Records with neither text nor an error value are
// dropped. Messages longer than SliceLength runes are split into several
// events, each flushed synchronously as soon as it is queued. Reaching
// ItemCountLimit or a force-flush level asks the scheduler goroutine for an
// immediate cycle and returns without waiting for it.
func (e *Engine) Append(rec record.Record) {
	if !rec.Accepted() {
		recordsRejectedTotal.Inc()
		return
	}

	raw := rec.Message.Raw()
	if utf8.RuneCountInString(raw) <= e.opts.SliceLength {
		ev := e.push(rec, rec)
		e.arm()
		forced := e.forcesFlush(rec.Level)
		if forced {
			for cur := e.forcedThrough.Load(); ev.Timestamp > cur; cur = e.forcedThrough.Load() {
				if e.forcedThrough.CompareAndSwap(cur, ev.Timestamp) {
					break
				}
			}
		}
		if forced || e.queue.Len() >= e.opts.Limits.ItemCountLimit {
			e.scheduler.Trigger()
		}
		return
	}

	messagesSlicedTotal.Inc()
	for _, chunk := range sliceRunes(raw, e.opts.SliceLength) {
		e.push(rec.WithText(chunk), rec)
		e.flushSlice()
	}
	e.arm()
}

// push renders view and queues it with src as its source record.
func (e *Engine) push(view, src record.Record) *LogEvent {
	ev := e.queue.Push(e.opts.Formatter(view), src)
	eventsAppendedTotal.Inc()
	return ev
}

func (e *Engine) forcesFlush(level string) bool {
	for _, l := range e.opts.ForceFlushLevels {
		if strings.EqualFold(l, level) {
			return true
		}
	}
	return false
}

// arm starts the scheduler while the engine is active. The state check and
// Start happen under e.mu, so Drain's state change orders against it.
func (e *Engine) arm() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateActive {
		e.scheduler.Start()
	}
}

// flushSlice cancels the scheduler and runs one cycle on the caller's
// goroutine. The caller re-arms the scheduler.
func (e *Engine) flushSlice() {
	e.scheduler.Stop()
	if err := e.cycle(e.life, triggerForced); err != nil {
		e.report(err)
	}
}

func (e *Engine) onTick(forced bool) {
	trigger := triggerTimer
	if forced {
		trigger = triggerForced
	}
	if err := e.cycle(e.life, trigger); err != nil {
		e.report(err)
	}
	if e.draining() {
		return
	}
	// Appends that piled up behind a slow cycle still flush in full batches.
	if e.queue.Len() >= e.opts.Limits.ItemCountLimit || e.forcePending() {
		e.scheduler.Trigger()
	}
}

func (e *Engine) forcePending() bool {
	ts, ok := e.queue.FrontTimestamp()
	return ok && ts <= e.forcedThrough.Load()
}

// Flush runs one flush cycle on the caller's goroutine.
func (e *Engine) Flush() error {
	return e.cycle(e.life, triggerManual)
}

// Len returns the number of queued events.
func (e *Engine) Len() int {
	return e.queue.Len()
}

// Table returns the destination table.
func (e *Engine) Table() string {
	return e.opts.Table
}

const (
	triggerTimer  = "timer"
	triggerForced = "forced"
	triggerDrain  = "drain"
	triggerManual = "manual"
)

// cycle takes one batch off the queue and delivers it. ctx bounds backoff
// waits only. It returns an error under PolicyEscalate, and while draining
// whenever retries run out under a policy other than requeue.
func (e *Engine) cycle(ctx context.Context, trigger string) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	flushCyclesTotal.WithLabelValues(trigger).Inc()

	events, truncated := e.queue.Take(e.opts.Limits)
	for _, ev := range truncated {
		eventsTruncatedTotal.Inc()
		e.report(&TruncationError{Event: ev, Limit: e.opts.Limits.PerItemByteLimit})
	}
	if len(events) == 0 {
		return nil
	}

	entries := make([]exporter.Entry, len(events))
	for i, ev := range events {
		entries[i] = exporter.Entry{
			Message:   ev.RenderedMessage,
			Timestamp: ev.Timestamp,
			Fields:    ev.Source.Fields,
		}
	}
	payload := exporter.BuildPayload(e.opts.Table, e.opts.PartitionKey(), e.opts.AttributeNames, e.opts.AttributeSchema, entries)

	err := e.client.Send(ctx, payload)
	if err == nil {
		eventsDeliveredTotal.Add(float64(len(events)))
		return nil
	}

	var exhausted *exporter.RetryExhaustedError
	if !errors.As(err, &exhausted) {
		return err
	}
	eventsDeliveredTotal.Add(float64(len(events) - len(exhausted.Remaining)))

	// A drain never discards: undelivered events go back to the queue so the
	// drain ends with a timeout or this error instead of an empty queue.
	if e.draining() {
		e.requeue(events, exhausted)
		if e.opts.ExhaustionPolicy == PolicyRequeue || isContextErr(exhausted.Err) {
			return nil
		}
		return err
	}

	switch e.opts.ExhaustionPolicy {
	case PolicyRequeue:
		e.requeue(events, exhausted)
		return nil
	case PolicyEscalate:
		return err
	default:
		eventsDroppedTotal.Add(float64(len(exhausted.Remaining)))
		e.report(err)
		return nil
	}
}

func (e *Engine) requeue(events []*LogEvent, exhausted *exporter.RetryExhaustedError) {
	undelivered := e.undelivered(events, exhausted)
	e.queue.PushFront(undelivered)
	eventsRequeuedTotal.Add(float64(len(undelivered)))
	logging.Warn("requeued undelivered events", logging.F(
		"table", e.opts.Table,
		"events", len(undelivered),
		"attempts", exhausted.Attempts,
	))
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// undelivered maps the requests the client gave up on back to their events.
func (e *Engine) undelivered(events []*LogEvent, exhausted *exporter.RetryExhaustedError) []*LogEvent {
	pending := make(map[int64]struct{}, len(exhausted.Remaining))
	for _, req := range exhausted.Remaining {
		if ts, ok := e.opts.AttributeNames.TimestampOf(req); ok {
			pending[ts] = struct{}{}
		}
	}
	out := make([]*LogEvent, 0, len(pending))
	for _, ev := range events {
		if _, ok := pending[ev.Timestamp]; ok {
			out = append(out, ev)
		}
	}
	return out
}

// report hands err to the error hook. A panicking hook is logged and
// otherwise ignored.
func (e *Engine) report(err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("error handler panicked", logging.F(
				"table", e.opts.Table,
				"panic", fmt.Sprint(r),
				"error", err.Error(),
			))
		}
	}()

	if e.opts.ErrorHandler != nil {
		e.opts.ErrorHandler(err)
		return
	}

	var exhausted *exporter.RetryExhaustedError
	if errors.As(err, &exhausted) {
		logging.Warn("dropping undelivered events after retries", logging.F(
			"table", e.opts.Table,
			"events", len(exhausted.Remaining),
			"attempts", exhausted.Attempts,
			"error", err.Error(),
		))
		return
	}
	logging.Error("log delivery error", logging.F(
		"table", e.opts.Table,
		"error", err.Error(),
	))
}
