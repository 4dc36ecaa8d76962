package ingest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/szibis/logs-governor/internal/logging"
	"github.com/szibis/logs-governor/internal/record"
	"github.com/valyala/fastjson"
)

// DefaultMaxLineBytes bounds a single input line.
const DefaultMaxLineBytes = 1 << 20

// LineOptions configures ReadLines.
type LineOptions struct {
	Keys Keys
	// DefaultLevel applies to lines without a level. Defaults to "info".
	DefaultLevel string
	// MaxLineBytes bounds one line. Longer lines fail the read.
	MaxLineBytes int
}

// ReadLines reads newline-delimited input until EOF or ctx is done and
// appends one record per non-blank line. A line holding a JSON object is
// decoded into message, level, time and fields; any other line is kept as a
// text message. It returns the number of records appended.
func ReadLines(ctx context.Context, r io.Reader, sink Sink, opts LineOptions) (int, error) {
	keys := opts.Keys.withDefaults()
	level := opts.DefaultLevel
	if level == "" {
		level = "info"
	}
	maxLine := opts.MaxLineBytes
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(64*1024, maxLine)), maxLine)

	var p fastjson.Parser
	n := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rec := parseLine(&p, line, keys, level)
		if !rec.Accepted() {
			continue
		}
		sink.Append(rec)
		recordsReceived.WithLabelValues(SourceLines).Inc()
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("read lines: %w", err)
	}
	return n, nil
}

func parseLine(p *fastjson.Parser, line []byte, keys Keys, level string) record.Record {
	if line[0] != '{' {
		return record.Record{Message: record.Text(string(line)), Level: level}
	}
	v, err := p.ParseBytes(line)
	if err != nil || v.Type() != fastjson.TypeObject {
		parseErrors.WithLabelValues(SourceLines).Inc()
		if logging.DebugEnabled() {
			logging.Debug("input line is not valid JSON, keeping it as text", logging.F("error", fmt.Sprint(err)))
		}
		return record.Record{Message: record.Text(string(line)), Level: level}
	}
	doc, _ := valueOf(v).(map[string]any)
	return fromDocument(doc, keys, level)
}
