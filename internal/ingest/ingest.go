// Package ingest feeds records into the engine from outside sources: JSON
// lines on a reader, a lumberjack (Beats) listener, and a log/slog handler.
package ingest

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/logs-governor/internal/record"
	"github.com/valyala/fastjson"
)

// Sink accepts records. *buffer.Engine satisfies it.
type Sink interface {
	Append(rec record.Record)
}

// Source labels.
const (
	SourceLines      = "lines"
	SourceLumberjack = "lumberjack"
	SourceSlog       = "slog"
)

var (
	recordsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logs_governor_ingest_records_total",
		Help: "Total number of records received per ingest source",
	}, []string{"source"})

	parseErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logs_governor_ingest_parse_errors_total",
		Help: "Total number of inputs that could not be decoded and were kept as plain text",
	}, []string{"source"})
)

func init() {
	prometheus.MustRegister(recordsReceived)
	prometheus.MustRegister(parseErrors)

	for _, s := range []string{SourceLines, SourceLumberjack, SourceSlog} {
		recordsReceived.WithLabelValues(s)
		parseErrors.WithLabelValues(s)
	}
}

// Keys names the document keys that map onto record parts. Everything else
// becomes a field.
type Keys struct {
	Message string
	Level   string
	Time    string
}

// DefaultKeys returns message, level and time, the keys JSONFormatter writes.
func DefaultKeys() Keys {
	return Keys{Message: "message", Level: "level", Time: "time"}
}

func (k Keys) withDefaults() Keys {
	d := DefaultKeys()
	if k.Message == "" {
		k.Message = d.Message
	}
	if k.Level == "" {
		k.Level = d.Level
	}
	if k.Time == "" {
		k.Time = d.Time
	}
	return k
}

// fromDocument builds a record from a decoded JSON object. A message object
// with kind and message keys becomes an error message.
func fromDocument(doc map[string]any, keys Keys, defaultLevel string) record.Record {
	rec := record.Record{Level: defaultLevel}
	fields := make(map[string]any, len(doc))
	for k, v := range doc {
		switch k {
		case keys.Message:
			rec.Message = messageOf(v)
		case keys.Level:
			if s, ok := v.(string); ok && s != "" {
				rec.Level = strings.ToLower(s)
			} else {
				fields[k] = v
			}
		case keys.Time:
			if t, ok := timeOf(v); ok {
				rec.Time = t
			} else {
				fields[k] = v
			}
		default:
			fields[k] = v
		}
	}
	if len(fields) > 0 {
		rec.Fields = fields
	}
	return rec
}

func messageOf(v any) record.Message {
	switch val := v.(type) {
	case string:
		return record.Text(val)
	case map[string]any:
		kind, _ := val["kind"].(string)
		text, _ := val["message"].(string)
		if kind != "" || text != "" {
			return record.Err(kind, text)
		}
	case nil:
		return record.Message{}
	}
	return record.Text(stringify(v))
}

func timeOf(v any) (time.Time, bool) {
	switch val := v.(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, val)
		return t, err == nil
	case int64:
		return time.UnixMilli(val), true
	case float64:
		return time.UnixMilli(int64(val)), true
	}
	return time.Time{}, false
}

// valueOf converts a parsed JSON value into plain Go values: strings, int64
// or float64 numbers, bools, nil, []any and map[string]any.
func valueOf(v *fastjson.Value) any {
	switch v.Type() {
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeNumber:
		if n, err := v.Int64(); err == nil {
			return n
		}
		return v.GetFloat64()
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeFalse:
		return false
	case fastjson.TypeArray:
		items := v.GetArray()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = valueOf(item)
		}
		return out
	case fastjson.TypeObject:
		o := v.GetObject()
		out := make(map[string]any, o.Len())
		o.Visit(func(k []byte, item *fastjson.Value) {
			out[string(k)] = valueOf(item)
		})
		return out
	default:
		return nil
	}
}

func stringify(v any) string {
	a := arena.Get()
	defer arena.Put(a)
	return string(encode(a, v, 0).MarshalTo(nil))
}

var arena fastjson.ArenaPool

func encode(a *fastjson.Arena, v any, depth int) *fastjson.Value {
	if depth > 8 {
		return a.NewNull()
	}
	switch val := v.(type) {
	case nil:
		return a.NewNull()
	case string:
		return a.NewString(val)
	case bool:
		if val {
			return a.NewTrue()
		}
		return a.NewFalse()
	case int64:
		return a.NewNumberInt(int(val))
	case float64:
		return a.NewNumberFloat64(val)
	case []any:
		arr := a.NewArray()
		for i, item := range val {
			arr.SetArrayItem(i, encode(a, item, depth+1))
		}
		return arr
	case map[string]any:
		o := a.NewObject()
		for k, item := range val {
			o.Set(k, encode(a, item, depth+1))
		}
		return o
	default:
		return a.NewNull()
	}
}
