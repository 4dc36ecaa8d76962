package buffer

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingTable is returned by New when no destination table is set.
	ErrMissingTable = errors.New("buffer: destination table is required")
	// ErrMissingWriter is returned by New when no backend writer is set.
	ErrMissingWriter = errors.New("buffer: backend writer is required")
	// ErrInvalidLimits is returned by New for limits that cannot form a batch.
	ErrInvalidLimits = errors.New("buffer: invalid batch limits")
	// ErrDrainTimeout is returned by Drain when events remain after the deadline.
	ErrDrainTimeout = errors.New("timeout reached while waiting for logs to submit")
)

// TruncationError reports an event whose message was cut to the per-item
// limit. The event is still delivered.
type TruncationError struct {
	Event *LogEvent
	Limit int
}

func (e *TruncationError) Error() string {
	return fmt.Sprintf("message truncated to %d bytes because it exceeds the item size limit", e.Limit)
}

// ExhaustionPolicy decides what happens to events still undelivered once the
// client gives up retrying.
type ExhaustionPolicy string

const (
	// PolicyDrop discards the events and reports the failure to the error hook.
	PolicyDrop ExhaustionPolicy = "drop"
	// PolicyRequeue puts the events back at the front of the queue.
	PolicyRequeue ExhaustionPolicy = "requeue"
	// PolicyEscalate fails the flush cycle with the exhaustion error.
	PolicyEscalate ExhaustionPolicy = "escalate"
)

// ParseExhaustionPolicy accepts drop, requeue or escalate. Empty means drop.
func ParseExhaustionPolicy(s string) (ExhaustionPolicy, error) {
	switch p := ExhaustionPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyDrop, nil
	case PolicyDrop, PolicyRequeue, PolicyEscalate:
		return p, nil
	default:
		return "", fmt.Errorf("unknown exhaustion policy %q (want drop, requeue or escalate)", s)
	}
}
