package buffer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/szibis/logs-governor/internal/record"
)

// fakeWriter records every batch it receives and answers through respond.
type fakeWriter struct {
	mu      sync.Mutex
	batches [][]types.WriteRequest
	times   []time.Time
	respond func(call int, reqs []types.WriteRequest) (*dynamodb.BatchWriteItemOutput, error)
	delay   time.Duration
}

func (w *fakeWriter) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	var reqs []types.WriteRequest
	for _, r := range in.RequestItems {
		reqs = r
	}

	w.mu.Lock()
	w.batches = append(w.batches, reqs)
	w.times = append(w.times, time.Now())
	call := len(w.batches)
	respond, delay := w.respond, w.delay
	w.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if respond == nil {
		return &dynamodb.BatchWriteItemOutput{}, nil
	}
	return respond(call, reqs)
}

func (w *fakeWriter) calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.batches)
}

// messages returns the message attribute of every item in batch i.
func (w *fakeWriter) messages(i int) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, req := range w.batches[i] {
		out = append(out, req.PutRequest.Item["message"].(*types.AttributeValueMemberS).Value)
	}
	return out
}

func (w *fakeWriter) item(i, j int) map[string]types.AttributeValue {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.batches[i][j].PutRequest.Item
}

// errorSink collects errors passed to the engine's error hook.
type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) handle(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *errorSink) all() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func newTestEngine(t *testing.T, w *fakeWriter, mutate func(*Options)) *Engine {
	t.Helper()
	opts := Options{
		Table:         "logs",
		Writer:        w,
		PartitionKey:  StaticKey("stream"),
		FlushInterval: time.Hour,
		Formatter:     record.MessageOnly,
		BackoffBase:   time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { e.scheduler.Stop() })
	return e
}

func text(msg string) record.Record {
	return record.Record{Message: record.Text(msg), Level: "info"}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
