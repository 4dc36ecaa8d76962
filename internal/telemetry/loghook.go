package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/szibis/logs-governor/internal/buffer"
	"github.com/szibis/logs-governor/internal/exporter"
	"github.com/szibis/logs-governor/internal/logging"
	otellog "go.opentelemetry.io/otel/log"
)

// NewLogHook returns a logging.LogHook that emits log records via the OTEL log SDK.
// Returns nil if telemetry is not enabled.
func (t *Telemetry) NewLogHook() logging.LogHook {
	if !t.Enabled() {
		return nil
	}
	return func(level logging.Level, msg string, attrs map[string]interface{}) {
		t.emit(level, msg, attrs)
	}
}

// ErrorHandler wraps an engine error handler so every truncation notice and
// delivery failure is also exported as a log record with structured
// attributes. next may be nil. A disabled Telemetry returns next unchanged.
func (t *Telemetry) ErrorHandler(next func(error)) func(error) {
	if !t.Enabled() {
		return next
	}
	return func(err error) {
		level := logging.LevelError
		attrs := map[string]interface{}{"error": err.Error()}

		var truncated *buffer.TruncationError
		var exhausted *exporter.RetryExhaustedError
		switch {
		case errors.As(err, &truncated):
			level = logging.LevelWarn
			attrs["event.kind"] = "truncation"
			attrs["limit_bytes"] = truncated.Limit
			if truncated.Event != nil {
				attrs["event.timestamp"] = truncated.Event.Timestamp
			}
		case errors.As(err, &exhausted):
			attrs["event.kind"] = "retries_exhausted"
			attrs["attempts"] = exhausted.Attempts
			attrs["remaining"] = len(exhausted.Remaining)
		default:
			attrs["event.kind"] = "delivery"
		}
		t.emit(level, "engine error", attrs)

		if next != nil {
			next(err)
		}
	}
}

func (t *Telemetry) emit(level logging.Level, msg string, attrs map[string]interface{}) {
	var record otellog.Record
	record.SetBody(otellog.StringValue(msg))
	record.SetSeverity(toOTELSeverity(level))
	record.SetSeverityText(string(level))

	if len(attrs) > 0 {
		keys := make([]string, 0, len(attrs))
		for k := range attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		kvs := make([]otellog.KeyValue, 0, len(keys))
		for _, k := range keys {
			kvs = append(kvs, otellog.KeyValue{Key: k, Value: toOTELValue(attrs[k])})
		}
		record.AddAttributes(kvs...)
	}

	t.logger.Emit(context.Background(), record)
}

func toOTELSeverity(level logging.Level) otellog.Severity {
	switch level {
	case logging.LevelDebug:
		return otellog.SeverityDebug
	case logging.LevelWarn:
		return otellog.SeverityWarn
	case logging.LevelError:
		return otellog.SeverityError
	case logging.LevelFatal:
		return otellog.SeverityFatal
	default:
		return otellog.SeverityInfo
	}
}

func toOTELValue(v interface{}) otellog.Value {
	switch val := v.(type) {
	case nil:
		return otellog.StringValue("<nil>")
	case string:
		return otellog.StringValue(val)
	case int:
		return otellog.IntValue(val)
	case int64:
		return otellog.Int64Value(val)
	case float64:
		return otellog.Float64Value(val)
	case bool:
		return otellog.BoolValue(val)
	case []string:
		vals := make([]otellog.Value, len(val))
		for i, s := range val {
			vals[i] = otellog.StringValue(s)
		}
		return otellog.SliceValue(vals...)
	default:
		return otellog.StringValue(fmt.Sprint(val))
	}
}
