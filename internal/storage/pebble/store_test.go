package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/szibis/logs-governor/internal/buffer"
	"github.com/szibis/logs-governor/internal/compression"
	"github.com/szibis/logs-governor/internal/exporter"
	"github.com/szibis/logs-governor/internal/logging"
	"github.com/szibis/logs-governor/internal/record"
)

func TestMain(m *testing.M) {
	logging.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func newTestStore(t *testing.T, mutate func(*Options)) *Store {
	t.Helper()
	opts := Options{
		DataDir:       t.TempDir(),
		Fsync:         FsyncModeInterval,
		FsyncInterval: 2 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := Open(opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func put(pk string, ts int64, msg string) types.WriteRequest {
	return types.WriteRequest{PutRequest: &types.PutRequest{Item: map[string]types.AttributeValue{
		"id":        &types.AttributeValueMemberS{Value: pk},
		"timestamp": &types.AttributeValueMemberN{Value: fmt.Sprint(ts)},
		"message":   &types.AttributeValueMemberS{Value: msg},
	}}}
}

func batch(table string, reqs ...types.WriteRequest) *dynamodb.BatchWriteItemInput {
	return &dynamodb.BatchWriteItemInput{RequestItems: map[string][]types.WriteRequest{table: reqs}}
}

func messages(items []map[string]types.AttributeValue) []string {
	var out []string
	for _, item := range items {
		out = append(out, item["message"].(*types.AttributeValueMemberS).Value)
	}
	return out
}

func TestOpenRequiresDataDir(t *testing.T) {
	if _, err := Open(Options{}); err == nil {
		t.Fatal("expected an error without a data dir")
	}
}

func TestWriteAndQueryInTimestampOrder(t *testing.T) {
	for _, c := range []compression.Type{compression.TypeNone, compression.TypeZstd, compression.TypeLZ4} {
		t.Run(string(c), func(t *testing.T) {
			s := newTestStore(t, func(o *Options) { o.Compression = c })
			ctx := context.Background()

			_, err := s.BatchWriteItem(ctx, batch("logs",
				put("a", 30, "third"),
				put("a", -5, "first"),
				put("a", 10, "second"),
				put("b", 1, "other stream"),
			))
			if err != nil {
				t.Fatalf("BatchWriteItem() error = %v", err)
			}

			items, err := s.Query(ctx, "logs", "a")
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			if got := strings.Join(messages(items), ","); got != "first,second,third" {
				t.Errorf("messages = %s", got)
			}

			items, _ = s.Query(ctx, "logs", "b")
			if len(items) != 1 {
				t.Errorf("expected 1 item in partition b, got %d", len(items))
			}
			items, _ = s.Query(ctx, "other-table", "a")
			if len(items) != 0 {
				t.Errorf("expected no items in another table, got %d", len(items))
			}
		})
	}
}

func TestPutOverwritesSameKey(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	if _, err := s.BatchWriteItem(ctx, batch("logs", put("a", 1, "old"))); err != nil {
		t.Fatal(err)
	}
	if _, err := s.BatchWriteItem(ctx, batch("logs", put("a", 1, "new"))); err != nil {
		t.Fatal(err)
	}
	items, _ := s.Query(ctx, "logs", "a")
	if got := messages(items); len(got) != 1 || got[0] != "new" {
		t.Errorf("messages = %v", got)
	}
}

func TestDeleteRequest(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	if _, err := s.BatchWriteItem(ctx, batch("logs", put("a", 1, "x"), put("a", 2, "y"))); err != nil {
		t.Fatal(err)
	}
	del := types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: map[string]types.AttributeValue{
		"id":        &types.AttributeValueMemberS{Value: "a"},
		"timestamp": &types.AttributeValueMemberN{Value: "1"},
	}}}
	if _, err := s.BatchWriteItem(ctx, batch("logs", del)); err != nil {
		t.Fatal(err)
	}
	items, _ := s.Query(ctx, "logs", "a")
	if got := messages(items); len(got) != 1 || got[0] != "y" {
		t.Errorf("messages = %v", got)
	}
}

func TestValidationErrors(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	tooMany := make([]types.WriteRequest, MaxBatchItems+1)
	for i := range tooMany {
		tooMany[i] = put("a", int64(i), "m")
	}

	tests := []struct {
		name string
		in   *dynamodb.BatchWriteItemInput
	}{
		{"empty", &dynamodb.BatchWriteItemInput{}},
		{"too many items", batch("logs", tooMany...)},
		{"missing partition key", batch("logs", types.WriteRequest{PutRequest: &types.PutRequest{Item: map[string]types.AttributeValue{
			"timestamp": &types.AttributeValueMemberN{Value: "1"},
		}}})},
		{"non-integer timestamp", batch("logs", types.WriteRequest{PutRequest: &types.PutRequest{Item: map[string]types.AttributeValue{
			"id":        &types.AttributeValueMemberS{Value: "a"},
			"timestamp": &types.AttributeValueMemberN{Value: "1.5"},
		}}})},
		{"oversized item", batch("logs", put("a", 1, strings.Repeat("x", MaxItemBytes)))},
		{"empty request", batch("logs", types.WriteRequest{})},
		{"binary attribute", batch("logs", types.WriteRequest{PutRequest: &types.PutRequest{Item: map[string]types.AttributeValue{
			"id":        &types.AttributeValueMemberS{Value: "a"},
			"timestamp": &types.AttributeValueMemberN{Value: "1"},
			"blob":      &types.AttributeValueMemberB{Value: []byte{1}},
		}}})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.BatchWriteItem(ctx, tt.in)
			var apiErr smithy.APIError
			if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "ValidationException" {
				t.Fatalf("expected ValidationException, got %v", err)
			}
		})
	}

	// A rejected batch writes nothing.
	items, _ := s.Query(ctx, "logs", "a")
	if len(items) != 0 {
		t.Errorf("rejected batches must not be applied, found %d items", len(items))
	}
}

func TestWriteCapacityReturnsUnprocessed(t *testing.T) {
	s := newTestStore(t, func(o *Options) { o.WriteCapacity = 2 })
	ctx := context.Background()

	out, err := s.BatchWriteItem(ctx, batch("logs", put("a", 1, "1"), put("a", 2, "2"), put("a", 3, "3"), put("a", 4, "4")))
	if err != nil {
		t.Fatal(err)
	}
	left := out.UnprocessedItems["logs"]
	if len(left) != 2 {
		t.Fatalf("expected 2 unprocessed, got %d", len(left))
	}
	names := exporter.DefaultAttributeNames()
	if ts, _ := names.TimestampOf(left[0]); ts != 3 {
		t.Errorf("first unprocessed timestamp = %d", ts)
	}
	items, _ := s.Query(ctx, "logs", "a")
	if len(items) != 2 {
		t.Errorf("expected 2 stored items, got %d", len(items))
	}
}

func TestClosedStore(t *testing.T) {
	s := newTestStore(t, nil)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	_, err := s.BatchWriteItem(context.Background(), batch("logs", put("a", 1, "x")))
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorFault() != smithy.FaultServer {
		t.Errorf("expected a server fault, got %v", err)
	}
	if _, err := s.Query(context.Background(), "logs", "a"); err == nil {
		t.Error("expected Query on a closed store to fail")
	}
}

func TestCanceledContext(t *testing.T) {
	s := newTestStore(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.BatchWriteItem(ctx, batch("logs", put("a", 1, "x"))); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestParseFsyncMode(t *testing.T) {
	for in, want := range map[string]FsyncMode{"": FsyncModeInterval, "always": FsyncModeAlways, "Never": FsyncModeNever} {
		got, err := ParseFsyncMode(in)
		if err != nil || got != want {
			t.Errorf("ParseFsyncMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseFsyncMode("sometimes"); err == nil {
		t.Error("expected an error")
	}
}

// The engine drains into the store through partial failures.
func TestEngineDeliversThroughStore(t *testing.T) {
	s := newTestStore(t, func(o *Options) { o.WriteCapacity = 7 })

	e, err := buffer.New(buffer.Options{
		Table:           "logs",
		Writer:          s,
		PartitionKey:    buffer.StaticKey("host-1"),
		FlushInterval:   time.Hour,
		BackoffBase:     time.Millisecond,
		Formatter:       record.MessageOnly,
		AttributeSchema: exporter.AttributeSchema{"user": exporter.AttributeString, "tags": exporter.AttributeStringSet},
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 40; i++ {
		e.Append(record.Record{
			Message: record.Text(fmt.Sprintf("event %02d", i)),
			Level:   "info",
			Fields:  map[string]any{"user": "u", "tags": []string{"a", "b"}},
		})
	}
	if err := e.Drain(context.Background()); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	items, err := s.Query(context.Background(), "logs", "host-1")
	if err != nil {
		t.Fatal(err)
	}
	got := messages(items)
	if len(got) != 40 {
		t.Fatalf("stored %d items, want 40", len(got))
	}
	for i, m := range got {
		if m != fmt.Sprintf("event %02d", i) {
			t.Fatalf("item %d = %q", i, m)
		}
	}
	if tags := items[0]["tags"].(*types.AttributeValueMemberSS).Value; len(tags) != 2 {
		t.Errorf("tags = %v", tags)
	}
}
