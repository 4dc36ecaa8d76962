// Package logging writes the process's own structured log lines, either as
// OTEL-shaped JSON or as a console text line.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// DebugEnv enables debug output for the default logger when set to any
// non-empty value.
const DebugEnv = "LOGS_GOVERNOR_DEBUG"

// Level is the OTEL severity text of a log line.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
)

// OTEL severity numbers of the first slot of each range.
var severityNumbers = map[Level]int{
	LevelDebug: 5,
	LevelInfo:  9,
	LevelWarn:  13,
	LevelError: 17,
	LevelFatal: 21,
}

// SeverityNumber returns the OTEL severity number for a level.
func SeverityNumber(level Level) int {
	return severityNumbers[level]
}

// ParseLevel maps a case-insensitive name to a Level. Unknown names map to
// LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// Format selects how lines are rendered.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// ParseFormat accepts json and text; empty means json.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatText:
		return f, nil
	default:
		return "", fmt.Errorf("unknown log format %q (want json or text)", s)
	}
}

// LogHook receives every written entry, letting telemetry forward lines over
// OTLP without this package importing it.
type LogHook func(level Level, msg string, attrs map[string]interface{})

// Logger writes entries at or above its minimum level to output.
type Logger struct {
	mu       sync.Mutex
	output   io.Writer
	format   Format
	resource map[string]string
	hook     LogHook
	minLevel int
	now      func() time.Time
}

// LogEntry is the JSON shape of one line.
type LogEntry struct {
	Timestamp      string                 `json:"Timestamp"`
	SeverityText   string                 `json:"SeverityText"`
	SeverityNumber int                    `json:"SeverityNumber"`
	Body           string                 `json:"Body"`
	Attributes     map[string]interface{} `json:"Attributes,omitempty"`
	Resource       map[string]string      `json:"Resource,omitempty"`
}

var defaultLogger = newLogger(os.Stdout)

func newLogger(w io.Writer) *Logger {
	l := &Logger{output: w, format: FormatJSON, minLevel: severityNumbers[LevelInfo], now: time.Now}
	if os.Getenv(DebugEnv) != "" {
		l.minLevel = severityNumbers[LevelDebug]
	}
	return l
}

// SetOutput sets the output writer of the default logger.
func SetOutput(w io.Writer) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.output = w
}

// SetFormat sets the line format of the default logger.
func SetFormat(f Format) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.format = f
}

// SetLevel sets the minimum level written by the default logger.
func SetLevel(level Level) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.minLevel = severityNumbers[level]
}

// DebugEnabled reports whether debug lines are currently written.
func DebugEnabled() bool {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	return defaultLogger.minLevel <= severityNumbers[LevelDebug]
}

// SetResource sets the resource attributes added to every JSON line.
func SetResource(resource map[string]string) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.resource = resource
}

// SetHook registers the hook of the default logger. nil removes it.
func SetHook(hook LogHook) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.hook = hook
}

func (l *Logger) log(level Level, msg string, attrs map[string]interface{}) {
	l.mu.Lock()
	if severityNumbers[level] < l.minLevel {
		l.mu.Unlock()
		return
	}
	ts := l.now().UTC()
	var line []byte
	if l.format == FormatText {
		line = textLine(ts, level, msg, attrs)
	} else {
		line, _ = json.Marshal(LogEntry{
			Timestamp:      ts.Format(time.RFC3339Nano),
			SeverityText:   string(level),
			SeverityNumber: severityNumbers[level],
			Body:           msg,
			Attributes:     attrs,
			Resource:       l.resource,
		})
		line = append(line, '\n')
	}
	_, _ = l.output.Write(line)
	hook := l.hook
	l.mu.Unlock()

	// The hook may log itself.
	if hook != nil {
		hook(level, msg, attrs)
	}
}

// textLine renders "ts LEVEL msg k=v ..." with keys sorted.
func textLine(ts time.Time, level Level, msg string, attrs map[string]interface{}) []byte {
	var b strings.Builder
	b.WriteString(ts.Format("2006-01-02T15:04:05.000Z07:00"))
	b.WriteByte(' ')
	fmt.Fprintf(&b, "%-5s ", level)
	b.WriteString(msg)

	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(attrs[k])
		if strings.ContainsAny(v, " \t\n\"=") {
			v = fmt.Sprintf("%q", v)
		}
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs at debug level. Dropped unless debug is enabled.
func Debug(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelDebug, msg, first(fields))
}

func Info(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelInfo, msg, first(fields))
}

func Warn(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelWarn, msg, first(fields))
}

func Error(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelError, msg, first(fields))
}

// Fatal logs at fatal level and exits with status 1.
func Fatal(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelFatal, msg, first(fields))
	os.Exit(1)
}

// F builds a fields map from alternating keys and values. Non-string keys
// and a trailing key without value are skipped.
func F(keyvals ...interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		if key, ok := keyvals[i].(string); ok {
			fields[key] = keyvals[i+1]
		}
	}
	return fields
}
