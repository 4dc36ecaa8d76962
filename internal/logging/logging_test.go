package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

var fixedTime = time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.UTC)

func testLogger(format Format) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := newLogger(&buf)
	l.minLevel = severityNumbers[LevelInfo]
	l.format = format
	l.now = func() time.Time { return fixedTime }
	return l, &buf
}

func decode(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var out []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("invalid JSON line %q: %v", line, err)
		}
		out = append(out, e)
	}
	return out
}

func TestF(t *testing.T) {
	tests := []struct {
		name    string
		keyvals []interface{}
		want    map[string]interface{}
	}{
		{"pairs", []interface{}{"table", "logs", "events", 3}, map[string]interface{}{"table": "logs", "events": 3}},
		{"empty", nil, map[string]interface{}{}},
		{"trailing key", []interface{}{"a", 1, "b"}, map[string]interface{}{"a": 1}},
		{"non-string key", []interface{}{1, "x", "k", "v"}, map[string]interface{}{"k": "v"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := F(tt.keyvals...)
			if len(got) != len(tt.want) {
				t.Fatalf("F() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("F()[%s] = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestJSONLine(t *testing.T) {
	l, buf := testLogger(FormatJSON)
	l.resource = map[string]string{"service.name": "logs-governor"}

	l.log(LevelWarn, "queue growing", F("events", 42, "table", "logs"))
	l.log(LevelInfo, "no fields", nil)

	entries := decode(t, buf)
	if len(entries) != 2 {
		t.Fatalf("got %d lines, want 2", len(entries))
	}
	e := entries[0]
	if e.Timestamp != "2024-05-06T07:08:09.123456789Z" {
		t.Errorf("Timestamp = %q", e.Timestamp)
	}
	if e.SeverityText != "WARN" || e.SeverityNumber != 13 || e.Body != "queue growing" {
		t.Errorf("entry = %+v", e)
	}
	if e.Attributes["events"] != float64(42) || e.Attributes["table"] != "logs" {
		t.Errorf("Attributes = %v", e.Attributes)
	}
	if e.Resource["service.name"] != "logs-governor" {
		t.Errorf("Resource = %v", e.Resource)
	}
	if strings.Contains(strings.Split(buf.String(), "\n")[1], "Attributes") {
		t.Error("nil attributes must be omitted")
	}
}

func TestTextLine(t *testing.T) {
	l, buf := testLogger(FormatText)
	l.log(LevelError, "delivery failed", F("table", "logs", "error", "throttled by backend", "attempts", 6))

	want := `2024-05-06T07:08:09.123Z ERROR delivery failed attempts=6 error="throttled by backend" table=logs` + "\n"
	if buf.String() != want {
		t.Errorf("got  %q\nwant %q", buf.String(), want)
	}

	buf.Reset()
	l.log(LevelInfo, "started", nil)
	if buf.String() != "2024-05-06T07:08:09.123Z INFO  started\n" {
		t.Errorf("got %q", buf.String())
	}
}

func TestLevelGate(t *testing.T) {
	l, buf := testLogger(FormatJSON)
	l.log(LevelDebug, "hidden", nil)
	if buf.Len() != 0 {
		t.Fatal("debug written at info level")
	}

	l.minLevel = severityNumbers[LevelError]
	l.log(LevelWarn, "hidden", nil)
	l.log(LevelError, "shown", nil)
	if entries := decode(t, buf); len(entries) != 1 || entries[0].Body != "shown" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestDefaultLoggerSetters(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(&bytes.Buffer{})
	SetLevel(LevelDebug)
	defer SetLevel(LevelInfo)

	if !DebugEnabled() {
		t.Error("DebugEnabled() = false after SetLevel(debug)")
	}
	Debug("trace", F("k", "v"))
	Info("info")
	Warn("warn")
	Error("error")
	if n := strings.Count(buf.String(), "\n"); n != 4 {
		t.Errorf("wrote %d lines, want 4", n)
	}

	SetLevel(LevelWarn)
	if DebugEnabled() {
		t.Error("DebugEnabled() = true at warn level")
	}

	buf.Reset()
	SetFormat(FormatText)
	defer SetFormat(FormatJSON)
	Warn("plain")
	if !strings.Contains(buf.String(), "WARN  plain") {
		t.Errorf("text output = %q", buf.String())
	}
}

func TestHook(t *testing.T) {
	l, _ := testLogger(FormatJSON)
	var got []string
	l.hook = func(level Level, msg string, attrs map[string]interface{}) {
		got = append(got, string(level)+":"+msg)
	}

	l.log(LevelWarn, "hooked", nil)
	l.log(LevelDebug, "gated", nil)
	if len(got) != 1 || got[0] != "WARN:hooked" {
		t.Errorf("hook calls = %v", got)
	}
}

func TestHookMayLog(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(&bytes.Buffer{})
	calls := 0
	SetHook(func(level Level, msg string, attrs map[string]interface{}) {
		calls++
		if calls == 1 {
			Info("from hook")
		}
	})
	defer SetHook(nil)

	Info("outer")
	if calls != 2 || strings.Count(buf.String(), "\n") != 2 {
		t.Errorf("calls = %d, output = %q", calls, buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"DEBUG":   LevelDebug,
		" Warn ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"fatal":   LevelFatal,
		"info":    LevelInfo,
		"verbose": LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatJSON, "JSON": FormatJSON, "text": FormatText} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("logfmt"); err == nil {
		t.Error("expected an error for an unknown format")
	}
}

func TestSeverityNumber(t *testing.T) {
	prev := 0
	for _, l := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal} {
		n := SeverityNumber(l)
		if n <= prev {
			t.Errorf("SeverityNumber(%s) = %d, not increasing", l, n)
		}
		prev = n
	}
	if SeverityNumber("TRACE") != 0 {
		t.Error("unknown levels have no severity number")
	}
}
