// Package exporter delivers batches of log items to a DynamoDB-compatible
// backend through BatchWriteItem, retrying failed and partially processed
// batches with exponential backoff.
package exporter

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/cenkalti/backoff/v5"
	"github.com/szibis/logs-governor/internal/logging"
)

const (
	// DefaultMaxRetries is the number of retries after the first call.
	DefaultMaxRetries = 5
	// DefaultBackoffBase is the wait before the first retry.
	DefaultBackoffBase = 500 * time.Millisecond

	// maxBackoff caps a single wait when the configured schedule overflows.
	maxBackoff = 24 * time.Hour
)

// BatchWriter is the part of *dynamodb.Client used for delivery.
type BatchWriter interface {
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// RetryConfig controls the retry schedule.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first call. Zero selects
	// DefaultMaxRetries; negative values disable retries.
	MaxRetries int
	// BackoffBase is the first wait; wait n is BackoffBase * 2^(n-1).
	// Zero selects DefaultBackoffBase.
	BackoffBase time.Duration
}

// Client sends payloads and drives retries.
type Client struct {
	writer      BatchWriter
	maxRetries  int
	backoffBase time.Duration
}

// NewClient creates a Client writing through w.
func NewClient(w BatchWriter, cfg RetryConfig) *Client {
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = DefaultMaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	return &Client{
		writer:      w,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
	}
}

// MaxRetries returns the configured retry limit.
func (c *Client) MaxRetries() int {
	return c.maxRetries
}

// newBackOff builds the deterministic doubling schedule.
func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	ceiling := maxBackoff
	if c.maxRetries < 40 {
		if d := c.backoffBase << uint(c.maxRetries); d > 0 && d < ceiling {
			ceiling = d
		}
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.backoffBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         ceiling,
	}
	b.Reset()
	return b
}

// Send writes p and returns once it is fully acknowledged or the client
// gives up. A call error retries the same payload; unprocessed items narrow
// the next attempt to just those items. Giving up returns a
// *RetryExhaustedError carrying what was not delivered. Cancelling ctx
// interrupts a backoff wait but never an issued call.
func (c *Client) Send(ctx context.Context, p *Payload) error {
	if p == nil || p.Len() == 0 {
		return nil
	}

	schedule := c.newBackOff()
	current := &Payload{Table: p.Table, Requests: p.Requests}
	for attempt := 1; ; attempt++ {
		lastErr := c.write(ctx, current, attempt)
		if lastErr == nil && current.Len() == 0 {
			return nil
		}
		if lastErr != nil && lastErr.Type == ErrorTypeCanceled {
			return &RetryExhaustedError{Attempts: attempt, Remaining: current.Requests, Err: lastErr}
		}

		if attempt > c.maxRetries {
			retriesExhaustedTotal.Inc()
			exhausted := &RetryExhaustedError{Attempts: attempt, Remaining: current.Requests}
			if lastErr != nil {
				exhausted.Err = lastErr
			}
			return exhausted
		}

		delay := schedule.NextBackOff()
		logging.Debug("batch write retry scheduled", logging.F(
			"table", current.Table,
			"attempt", attempt,
			"items", current.Len(),
			"delay", delay.String(),
		))
		if err := sleep(ctx, delay); err != nil {
			return &RetryExhaustedError{Attempts: attempt, Remaining: current.Requests, Err: err}
		}
		retriesTotal.Inc()
	}
}

// write issues one call and narrows current to the unprocessed items on
// success. It returns the classified call error, if any.
func (c *Client) write(ctx context.Context, current *Payload, attempt int) *ExportError {
	batchWriteRequestsTotal.Inc()
	start := time.Now()
	out, err := c.writer.BatchWriteItem(context.WithoutCancel(ctx), current.Input())
	batchWriteDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		exportErr := classify(err)
		batchWriteErrorsTotal.WithLabelValues(string(exportErr.Type)).Inc()
		logging.Debug("batch write failed", logging.F(
			"table", current.Table,
			"attempt", attempt,
			"items", current.Len(),
			"error_type", string(exportErr.Type),
			"error", err.Error(),
		))
		return exportErr
	}

	var unprocessed int
	if out != nil {
		unprocessed = len(out.UnprocessedItems[current.Table])
	}
	batchWriteItemsTotal.Add(float64(current.Len() - unprocessed))
	if unprocessed == 0 {
		current.Requests = nil
		return nil
	}

	unprocessedItemsTotal.Add(float64(unprocessed))
	logging.Debug("batch write partially processed", logging.F(
		"table", current.Table,
		"attempt", attempt,
		"items", current.Len(),
		"unprocessed", unprocessed,
	))
	current.Requests = out.UnprocessedItems[current.Table]
	return nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
