package ingest

import (
	"context"
	"log/slog"
	"strings"

	"github.com/szibis/logs-governor/internal/record"
)

// HandlerOptions configures the slog handler.
type HandlerOptions struct {
	// Level is the minimum level forwarded. Defaults to slog.LevelInfo.
	Level slog.Leveler
	// ErrorKey names the attribute whose error value becomes the message
	// instead of the text. Empty disables it.
	ErrorKey string
}

// Handler is a slog.Handler that forwards every record to a Sink, so a Go
// program's own logs can be shipped through the engine. Attributes become
// record fields; groups prefix keys with "group.".
type Handler struct {
	sink   Sink
	opts   HandlerOptions
	attrs  []slog.Attr
	prefix string
}

var _ slog.Handler = (*Handler)(nil)

// NewHandler returns a handler appending to sink.
func NewHandler(sink Sink, opts HandlerOptions) *Handler {
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}
	return &Handler{sink: sink, opts: opts}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	rec := record.Record{
		Message: record.Text(r.Message),
		Level:   levelName(r.Level),
		Time:    r.Time,
	}

	fields := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		h.addAttr(&rec, fields, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.addAttr(&rec, fields, h.prefix, a)
		return true
	})
	if len(fields) > 0 {
		rec.Fields = fields
	}

	if !rec.Accepted() {
		return nil
	}
	h.sink.Append(rec)
	recordsReceived.WithLabelValues(SourceSlog).Inc()
	return nil
}

func (h *Handler) addAttr(rec *record.Record, fields map[string]any, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			h.addAttr(rec, fields, p, ga)
		}
		return
	}
	if h.opts.ErrorKey != "" && prefix == "" && a.Key == h.opts.ErrorKey {
		if err, ok := a.Value.Any().(error); ok {
			if r := rec.Message.Raw(); r != "" {
				fields["msg"] = r
			}
			rec.Message = record.FromError(err)
			return
		}
	}
	fields[prefix+a.Key] = attrValue(a.Value)
}

func attrValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time()
	default:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.Any()
	}
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h2 := *h
	h2.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	h2.attrs = append(h2.attrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a = slog.Attr{Key: strings.TrimSuffix(h.prefix, ".") + "." + a.Key, Value: a.Value}
		}
		h2.attrs = append(h2.attrs, a)
	}
	return &h2
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.prefix = h.prefix + name + "."
	return &h2
}

// levelName maps slog levels onto the lowercase names the engine matches.
func levelName(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "debug"
	case l < slog.LevelWarn:
		return "info"
	case l < slog.LevelError:
		return "warn"
	case l < slog.LevelError+4:
		return "error"
	default:
		return "fatal"
	}
}
