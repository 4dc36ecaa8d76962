package record

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fastjson"
)

type kindError struct{ code int }

func (e *kindError) Error() string { return fmt.Sprintf("code %d", e.code) }

func TestMessageVariants(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		raw     string
		isError bool
		empty   bool
	}{
		{name: "text", msg: Text("hello"), raw: "hello"},
		{name: "empty text", msg: Text(""), empty: true},
		{name: "zero value", msg: Message{}, empty: true},
		{name: "error", msg: Err("TypeError", "boom"), raw: "TypeError: boom", isError: true},
		{name: "error without text", msg: Err("TypeError", ""), raw: "TypeError", isError: true},
		{name: "error without kind", msg: Err("", "boom"), raw: "boom", isError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.Raw(); got != tt.raw {
				t.Errorf("Raw() = %q, want %q", got, tt.raw)
			}
			if got := tt.msg.IsError(); got != tt.isError {
				t.Errorf("IsError() = %v, want %v", got, tt.isError)
			}
			if got := tt.msg.Empty(); got != tt.empty {
				t.Errorf("Empty() = %v, want %v", got, tt.empty)
			}
		})
	}
}

func TestFromError(t *testing.T) {
	if !FromError(nil).Empty() {
		t.Error("FromError(nil) should be empty")
	}

	err := fmt.Errorf("write failed: %w", &kindError{code: 7})
	msg := FromError(err)
	ev := msg.ErrorValue()
	if ev == nil {
		t.Fatal("expected error value")
	}
	if ev.Kind != "*record.kindError" {
		t.Errorf("Kind = %q, want innermost type", ev.Kind)
	}
	if ev.Text != "write failed: code 7" {
		t.Errorf("Text = %q", ev.Text)
	}

	plain := FromError(errors.New("x"))
	if plain.ErrorValue().Kind != "*errors.errorString" {
		t.Errorf("Kind = %q", plain.ErrorValue().Kind)
	}
}

func TestRecordAccepted(t *testing.T) {
	if (Record{}).Accepted() {
		t.Error("empty record must not be accepted")
	}
	if !(Record{Message: Text("x")}).Accepted() {
		t.Error("text record must be accepted")
	}
	if !(Record{Message: Err("E", "")}).Accepted() {
		t.Error("error record must be accepted even with empty text")
	}
}

func TestWithTextKeepsFields(t *testing.T) {
	r := Record{Message: Err("E", "x"), Level: "error", Fields: map[string]any{"a": 1}}
	c := r.WithText("chunk")
	if c.Message.IsError() || c.Message.Raw() != "chunk" {
		t.Errorf("unexpected message %q", c.Message.Raw())
	}
	if v, ok := c.Field("a"); !ok || v != 1 {
		t.Errorf("field not carried over: %v %v", v, ok)
	}
	if !r.Message.IsError() {
		t.Error("original record mutated")
	}
	if _, ok := (Record{}).Field("a"); ok {
		t.Error("nil fields must report undefined")
	}
}

func TestDefaultFormatter(t *testing.T) {
	got := DefaultFormatter(Record{Message: Text("hello"), Level: "info"})
	if got != "info - hello" {
		t.Errorf("DefaultFormatter = %q", got)
	}
	got = DefaultFormatter(Record{Message: Err("TypeError", "bad"), Level: "error"})
	if got != "error - TypeError: bad" {
		t.Errorf("DefaultFormatter = %q", got)
	}
	if MessageOnly(Record{Message: Text("raw"), Level: "info"}) != "raw" {
		t.Error("MessageOnly should return the raw message")
	}
}

func TestJSONFormatter(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r := Record{
		Message: Text("hello"),
		Level:   "warn",
		Time:    ts,
		Fields: map[string]any{
			"user":    "u1",
			"count":   3,
			"ratio":   0.5,
			"ok":      true,
			"nothing": nil,
			"big":     int64(math.MaxInt64),
			"tags":    []string{"a", "b"},
			"nested":  map[string]any{"z": 1, "a": []any{"x", 2}},
			"cause":   errors.New("inner"),
			"message": "shadowed",
		},
	}

	out := JSONFormatter(r)
	v, err := fastjson.Parse(out)
	if err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, out)
	}
	if got := string(v.GetStringBytes("message")); got != "hello" {
		t.Errorf("message = %q", got)
	}
	if got := string(v.GetStringBytes("level")); got != "warn" {
		t.Errorf("level = %q", got)
	}
	if got := string(v.GetStringBytes("time")); got != "2024-03-01T12:00:00Z" {
		t.Errorf("time = %q", got)
	}
	if v.GetInt("count") != 3 || v.GetFloat64("ratio") != 0.5 || !v.GetBool("ok") {
		t.Errorf("scalar fields wrong: %s", out)
	}
	if v.Get("nothing").Type() != fastjson.TypeNull {
		t.Errorf("nil field should be null: %s", out)
	}
	if v.GetInt64("big") != math.MaxInt64 {
		t.Errorf("big = %d", v.GetInt64("big"))
	}
	if len(v.GetArray("tags")) != 2 {
		t.Errorf("tags: %s", out)
	}
	if string(v.GetStringBytes("nested", "a", "0")) != "x" {
		t.Errorf("nested: %s", out)
	}
	if string(v.GetStringBytes("cause", "message")) != "inner" {
		t.Errorf("cause: %s", out)
	}
	if !strings.HasPrefix(out, `{"level":"warn","message":"hello"`) {
		t.Errorf("unexpected key order: %s", out)
	}
}

func TestJSONFormatterErrorMessage(t *testing.T) {
	out := JSONFormatter(Record{Message: Err("RangeError", "too far"), Level: "error"})
	v, err := fastjson.Parse(out)
	if err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if string(v.GetStringBytes("message", "kind")) != "RangeError" {
		t.Errorf("kind missing: %s", out)
	}
	if string(v.GetStringBytes("message", "message")) != "too far" {
		t.Errorf("text missing: %s", out)
	}
}

func TestJSONFormatterDepthLimit(t *testing.T) {
	var nested any = "leaf"
	for i := 0; i < maxDepth+3; i++ {
		nested = map[string]any{"n": nested}
	}
	out := JSONFormatter(Record{Message: Text("deep"), Fields: map[string]any{"d": nested}})
	if _, err := fastjson.Parse(out); err != nil {
		t.Fatalf("invalid JSON for deep value: %v", err)
	}
}
