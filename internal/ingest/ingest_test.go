package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	client "github.com/elastic/go-lumber/client/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/szibis/logs-governor/internal/logging"
	"github.com/szibis/logs-governor/internal/record"
	tlspkg "github.com/szibis/logs-governor/internal/tls"
)

func TestMain(m *testing.M) {
	logging.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type recordingSink struct {
	mu   sync.Mutex
	recs []record.Record
}

func (s *recordingSink) Append(rec record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
}

func (s *recordingSink) records() []record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]record.Record(nil), s.recs...)
}

func TestReadLines(t *testing.T) {
	input := strings.Join([]string{
		`plain text line`,
		``,
		`   `,
		`{"message":"user logged in","level":"WARN","user":"alice","attempts":3,"ratio":0.5,"tags":["a","b"]}`,
		`{"message":{"kind":"TypeError","message":"x is undefined"},"level":"error"}`,
		`{"msg":"no message key","time":"2024-01-02T03:04:05Z"}`,
		`{broken json`,
		`{"message":""}`,
	}, "\n")

	sink := &recordingSink{}
	before := testutil.ToFloat64(parseErrors.WithLabelValues(SourceLines))
	n, err := ReadLines(context.Background(), strings.NewReader(input), sink, LineOptions{})
	if err != nil {
		t.Fatalf("ReadLines() error = %v", err)
	}
	if n != 4 {
		t.Fatalf("appended %d records, want 4", n)
	}
	recs := sink.records()

	if recs[0].Message.Raw() != "plain text line" || recs[0].Level != "info" {
		t.Errorf("plain line = %+v", recs[0])
	}

	r := recs[1]
	if r.Message.Raw() != "user logged in" || r.Level != "warn" {
		t.Errorf("json line = %q %q", r.Message.Raw(), r.Level)
	}
	if r.Fields["user"] != "alice" || r.Fields["attempts"] != int64(3) || r.Fields["ratio"] != 0.5 {
		t.Errorf("fields = %v", r.Fields)
	}
	if tags, ok := r.Fields["tags"].([]any); !ok || len(tags) != 2 {
		t.Errorf("tags = %v", r.Fields["tags"])
	}

	if ev := recs[2].Message.ErrorValue(); ev == nil || ev.Kind != "TypeError" || ev.Text != "x is undefined" {
		t.Errorf("error message = %+v", recs[2].Message)
	}

	// No message key: the record is empty text and skipped, so the fourth
	// record is the broken line kept as text.
	if recs[3].Message.Raw() != "{broken json" {
		t.Errorf("broken line = %q", recs[3].Message.Raw())
	}
	if got := testutil.ToFloat64(parseErrors.WithLabelValues(SourceLines)) - before; got != 1 {
		t.Errorf("parse errors delta = %v, want 1", got)
	}
}

func TestReadLinesCustomKeys(t *testing.T) {
	sink := &recordingSink{}
	in := `{"msg":"hello","severity":"debug","ts":1700000000000,"level":"x"}`
	_, err := ReadLines(context.Background(), strings.NewReader(in), sink, LineOptions{
		Keys:         Keys{Message: "msg", Level: "severity", Time: "ts"},
		DefaultLevel: "notice",
	})
	if err != nil {
		t.Fatal(err)
	}
	r := sink.records()[0]
	if r.Message.Raw() != "hello" || r.Level != "debug" {
		t.Errorf("record = %q %q", r.Message.Raw(), r.Level)
	}
	if !r.Time.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("time = %v", r.Time)
	}
	if r.Fields["level"] != "x" {
		t.Errorf("unmapped key should stay a field: %v", r.Fields)
	}
}

func TestReadLinesTooLong(t *testing.T) {
	sink := &recordingSink{}
	in := "short\n" + strings.Repeat("x", 200) + "\n"
	n, err := ReadLines(context.Background(), strings.NewReader(in), sink, LineOptions{MaxLineBytes: 100})
	if err == nil {
		t.Fatal("expected an error for an oversized line")
	}
	if n != 1 {
		t.Errorf("appended %d records before the error, want 1", n)
	}
}

func TestReadLinesCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := ReadLines(ctx, strings.NewReader("a\nb\n"), &recordingSink{}, LineOptions{})
	if !errors.Is(err, context.Canceled) || n != 0 {
		t.Errorf("ReadLines() = %d, %v", n, err)
	}
}

func TestLumberjackReceivesBatches(t *testing.T) {
	sink := &recordingSink{}
	lj, err := ListenLumberjack("127.0.0.1:0", sink, LumberjackOptions{})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lj.Serve(ctx) }()

	c, err := client.SyncDial(lj.Addr().String(), client.Timeout(5*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	events := []interface{}{
		map[string]interface{}{"message": "from beats", "level": "error", "host": map[string]interface{}{"name": "web-1"}},
		map[string]interface{}{"message": "second", "@timestamp": "2024-01-01T00:00:00Z"},
	}
	n, err := c.Send(events)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if n != 2 {
		t.Errorf("acked %d events, want 2", n)
	}
	c.Close()

	recs := sink.records()
	if len(recs) != 2 {
		t.Fatalf("received %d records, want 2", len(recs))
	}
	if recs[0].Message.Raw() != "from beats" || recs[0].Level != "error" {
		t.Errorf("first record = %q %q", recs[0].Message.Raw(), recs[0].Level)
	}
	host, _ := recs[0].Fields["host"].(map[string]interface{})
	if host["name"] != "web-1" {
		t.Errorf("host field = %v", recs[0].Fields["host"])
	}
	if recs[1].Fields["@timestamp"] == nil {
		t.Error("non-mapped keys must be kept as fields")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve() error = %v", err)
	}
	if err := lj.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	_ = lj.Close()
}

func TestLumberjackTLSErrors(t *testing.T) {
	_, err := ListenLumberjack("127.0.0.1:0", &recordingSink{}, LumberjackOptions{
		TLS: tlspkg.ServerConfig{Enabled: true, CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"},
	})
	if err == nil || !strings.Contains(err.Error(), "lumberjack tls") {
		t.Fatalf("expected a TLS error, got %v", err)
	}
}

func TestSlogHandler(t *testing.T) {
	sink := &recordingSink{}
	logger := slog.New(NewHandler(sink, HandlerOptions{Level: slog.LevelDebug, ErrorKey: "err"}))

	logger.Debug("starting", "port", 8080)
	logger.With("service", "api").WithGroup("req").Info("served", "path", "/", slog.Group("timing", "ms", 12.5))
	logger.Error("request failed", "err", fmt.Errorf("wrap: %w", io.ErrUnexpectedEOF))
	logger.Log(context.Background(), slog.LevelError+4, "giving up")

	recs := sink.records()
	if len(recs) != 4 {
		t.Fatalf("got %d records, want 4", len(recs))
	}

	if recs[0].Level != "debug" || recs[0].Fields["port"] != int64(8080) {
		t.Errorf("debug record = %+v", recs[0])
	}

	served := recs[1]
	if served.Fields["service"] != "api" || served.Fields["req.path"] != "/" || served.Fields["req.timing.ms"] != 12.5 {
		t.Errorf("served fields = %v", served.Fields)
	}

	failed := recs[2]
	ev := failed.Message.ErrorValue()
	if ev == nil || ev.Text != "wrap: unexpected EOF" {
		t.Fatalf("error message = %+v", failed.Message)
	}
	if failed.Fields["msg"] != "request failed" {
		t.Errorf("original text should move to msg field: %v", failed.Fields)
	}

	if recs[3].Level != "fatal" {
		t.Errorf("level above error = %q, want fatal", recs[3].Level)
	}
}

func TestSlogHandlerLevelFilter(t *testing.T) {
	sink := &recordingSink{}
	logger := slog.New(NewHandler(sink, HandlerOptions{}))
	logger.Debug("hidden")
	logger.Info("")
	logger.Warn("shown")

	recs := sink.records()
	if len(recs) != 1 || recs[0].Message.Raw() != "shown" || recs[0].Level != "warn" {
		t.Errorf("records = %+v", recs)
	}
}

func TestLevelName(t *testing.T) {
	tests := map[slog.Level]string{
		slog.LevelDebug - 4: "debug",
		slog.LevelInfo:      "info",
		slog.LevelWarn + 1:  "warn",
		slog.LevelError:     "error",
		slog.LevelError + 8: "fatal",
	}
	for l, want := range tests {
		if got := levelName(l); got != want {
			t.Errorf("levelName(%v) = %q, want %q", l, got, want)
		}
	}
}
