package buffer

import (
	"fmt"
	"unicode/utf8"

	"github.com/szibis/logs-governor/internal/record"
)

// Backend limits for a single BatchWriteItem call.
const (
	DefaultPerItemByteLimit     = 400000
	DefaultItemCountLimit       = 25
	DefaultBatchByteBudget      = 16000000
	DefaultPerItemOverheadBytes = 26
)

// LogEvent is one queued item. RenderedMessage only changes when the
// assembler truncates it.
type LogEvent struct {
	RenderedMessage string
	// Timestamp is epoch nanoseconds, strictly increasing within one engine.
	Timestamp int64
	Source    record.Record

	truncated bool
}

// Limits bounds what a single batch may carry.
type Limits struct {
	PerItemByteLimit     int
	ItemCountLimit       int
	BatchByteBudget      int
	PerItemOverheadBytes int
}

// DefaultLimits returns the DynamoDB BatchWriteItem limits.
func DefaultLimits() Limits {
	return Limits{
		PerItemByteLimit:     DefaultPerItemByteLimit,
		ItemCountLimit:       DefaultItemCountLimit,
		BatchByteBudget:      DefaultBatchByteBudget,
		PerItemOverheadBytes: DefaultPerItemOverheadBytes,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.PerItemByteLimit == 0 {
		l.PerItemByteLimit = d.PerItemByteLimit
	}
	if l.ItemCountLimit == 0 {
		l.ItemCountLimit = d.ItemCountLimit
	}
	if l.BatchByteBudget == 0 {
		l.BatchByteBudget = d.BatchByteBudget
	}
	if l.PerItemOverheadBytes == 0 {
		l.PerItemOverheadBytes = d.PerItemOverheadBytes
	}
	return l
}

// Validate reports limits that could never produce a batch.
func (l Limits) Validate() error {
	switch {
	case l.PerItemByteLimit <= 0:
		return fmt.Errorf("%w: per-item byte limit must be positive, got %d", ErrInvalidLimits, l.PerItemByteLimit)
	case l.ItemCountLimit <= 0:
		return fmt.Errorf("%w: item count limit must be positive, got %d", ErrInvalidLimits, l.ItemCountLimit)
	case l.PerItemOverheadBytes < 0:
		return fmt.Errorf("%w: per-item overhead must not be negative, got %d", ErrInvalidLimits, l.PerItemOverheadBytes)
	case l.BatchByteBudget < l.PerItemByteLimit+l.PerItemOverheadBytes:
		return fmt.Errorf("%w: batch byte budget %d cannot hold one item of %d bytes",
			ErrInvalidLimits, l.BatchByteBudget, l.PerItemByteLimit+l.PerItemOverheadBytes)
	}
	return nil
}

// itemBytes is the size an event counts against the batch budget.
func (l Limits) itemBytes(msg string) int {
	return len(msg) + l.PerItemOverheadBytes
}

// truncateUTF8 cuts s to at most limit bytes without splitting a rune.
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// sliceRunes splits s into consecutive chunks of at most n runes.
func sliceRunes(s string, n int) []string {
	var (
		chunks []string
		start  int
		count  int
	)
	for i := range s {
		if count == n {
			chunks = append(chunks, s[start:i])
			start, count = i, 0
		}
		count++
	}
	return append(chunks, s[start:])
}
