// Package pebblestore is a local, embedded stand-in for the DynamoDB
// backend. It accepts BatchWriteItem calls and keeps items in a Pebble
// database keyed by table, partition key and timestamp, so the engine can run
// without AWS and tests can exercise partial failures.
package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/logs-governor/internal/compression"
	"github.com/szibis/logs-governor/internal/exporter"
)

const (
	// MaxBatchItems is the most write requests one call may carry.
	MaxBatchItems = 25
	// MaxItemBytes is the largest item accepted.
	MaxItemBytes = 400 * 1024
)

// FsyncMode defines durability behavior for committed batches.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways syncs the WAL on every committed batch.
	FsyncModeAlways
	// FsyncModeInterval lets Pebble group WAL syncs within FsyncInterval.
	FsyncModeInterval
	// FsyncModeNever leaves syncing to Pebble.
	FsyncModeNever
)

// ParseFsyncMode accepts always, interval or never. Empty means interval.
func ParseFsyncMode(s string) (FsyncMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "interval":
		return FsyncModeInterval, nil
	case "always":
		return FsyncModeAlways, nil
	case "never":
		return FsyncModeNever, nil
	default:
		return FsyncModeUnspecified, fmt.Errorf("unknown fsync mode %q (want always, interval or never)", s)
	}
}

// Options configures the store.
type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir       string
	Fsync         FsyncMode
	FsyncInterval time.Duration
	// Compression applies to stored item values.
	Compression compression.Type
	// AttributeNames locate the partition key and timestamp of each item.
	AttributeNames exporter.AttributeNames
	// WriteCapacity caps how many requests one call applies; the rest come
	// back as unprocessed items. Zero means unlimited.
	WriteCapacity int
	// PebbleOptions allows advanced tuning of Pebble.
	PebbleOptions *pebble.Options
}

var (
	storeItemsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logs_governor_pebble_items_written_total",
		Help: "Total number of items written to the local Pebble backend",
	})

	storeCommitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "logs_governor_pebble_commit_duration_seconds",
		Help:    "Latency of Pebble batch commits",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(storeItemsWritten)
	prometheus.MustRegister(storeCommitDuration)

	storeItemsWritten.Add(0)
}

// Store implements exporter.BatchWriter on top of Pebble.
type Store struct {
	inner     *pebble.DB
	writeSync bool
	opts      Options

	mu     sync.Mutex
	closed bool
}

var _ exporter.BatchWriter = (*Store)(nil)

// Open creates or opens a store.
func Open(opts Options) (*Store, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebblestore: Options.DataDir is required")
	}
	if opts.AttributeNames == (exporter.AttributeNames{}) {
		opts.AttributeNames = exporter.DefaultAttributeNames()
	}
	if opts.Compression == "" {
		opts.Compression = compression.TypeZstd
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	switch opts.Fsync {
	case FsyncModeAlways, FsyncModeNever:
	default:
		interval := opts.FsyncInterval
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("pebblestore: open %s: %w", opts.DataDir, err)
	}
	return &Store{
		inner:     inner,
		writeSync: opts.Fsync != FsyncModeNever,
		opts:      opts,
	}, nil
}

// Close closes the database. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.inner.Close()
}

type pendingWrite struct {
	table string
	req   types.WriteRequest
	key   []byte
	value []byte
}

// BatchWriteItem validates the whole request like the remote service does,
// then applies up to WriteCapacity requests in one Pebble batch.
func (s *Store) BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in == nil || len(in.RequestItems) == 0 {
		return nil, validationError("the batch write request list is empty")
	}

	var writes []pendingWrite
	for table, reqs := range in.RequestItems {
		if table == "" || strings.IndexByte(table, 0) >= 0 {
			return nil, validationError("invalid table name %q", table)
		}
		for _, req := range reqs {
			w, err := s.prepare(table, req)
			if err != nil {
				return nil, err
			}
			writes = append(writes, w)
		}
	}
	if len(writes) > MaxBatchItems {
		return nil, validationError("too many items requested for the BatchWriteItem call: %d", len(writes))
	}

	applied := writes
	var unprocessed map[string][]types.WriteRequest
	if c := s.opts.WriteCapacity; c > 0 && len(writes) > c {
		applied = writes[:c]
		unprocessed = make(map[string][]types.WriteRequest)
		for _, w := range writes[c:] {
			unprocessed[w.table] = append(unprocessed[w.table], w.req)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, &smithy.GenericAPIError{Code: "ServiceUnavailable", Message: "store is closed", Fault: smithy.FaultServer}
	}

	b := s.inner.NewBatch()
	defer b.Close()
	for _, w := range applied {
		var err error
		if w.value == nil {
			err = b.Delete(w.key, nil)
		} else {
			err = b.Set(w.key, w.value, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("pebblestore: stage write: %w", err)
		}
	}

	syncMode := pebble.NoSync
	if s.writeSync {
		syncMode = pebble.Sync
	}
	start := time.Now()
	if err := b.Commit(syncMode); err != nil {
		return nil, &smithy.GenericAPIError{Code: "InternalServerError", Message: err.Error(), Fault: smithy.FaultServer}
	}
	storeCommitDuration.Observe(time.Since(start).Seconds())
	storeItemsWritten.Add(float64(len(applied)))

	return &dynamodb.BatchWriteItemOutput{UnprocessedItems: unprocessed}, nil
}

func (s *Store) prepare(table string, req types.WriteRequest) (pendingWrite, error) {
	var item map[string]types.AttributeValue
	switch {
	case req.PutRequest != nil:
		item = req.PutRequest.Item
	case req.DeleteRequest != nil:
		item = req.DeleteRequest.Key
	default:
		return pendingWrite{}, validationError("write request has neither a put nor a delete")
	}

	key, err := s.key(table, item)
	if err != nil {
		return pendingWrite{}, err
	}
	w := pendingWrite{table: table, req: req, key: key}
	if req.PutRequest == nil {
		return w, nil
	}

	if size := itemSize(item); size > MaxItemBytes {
		return pendingWrite{}, validationError("item size %d has exceeded the maximum allowed size", size)
	}
	w.value, err = encodeItem(item, s.opts.Compression)
	if err != nil {
		return pendingWrite{}, validationError("%v", err)
	}
	return w, nil
}

func (s *Store) key(table string, item map[string]types.AttributeValue) ([]byte, error) {
	names := s.opts.AttributeNames
	pk, ok := item[names.PartitionKey].(*types.AttributeValueMemberS)
	if !ok || pk.Value == "" || strings.IndexByte(pk.Value, 0) >= 0 {
		return nil, validationError("missing or invalid key attribute %q", names.PartitionKey)
	}
	ts, ok := item[names.Timestamp].(*types.AttributeValueMemberN)
	if !ok {
		return nil, validationError("missing key attribute %q", names.Timestamp)
	}
	n, err := strconv.ParseInt(ts.Value, 10, 64)
	if err != nil {
		return nil, validationError("key attribute %q is not an integer: %s", names.Timestamp, ts.Value)
	}
	return itemKey(table, pk.Value, n), nil
}

// Query returns the items of one partition in timestamp order.
func (s *Store) Query(ctx context.Context, table, partitionKey string) ([]map[string]types.AttributeValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("pebblestore: store is closed")
	}

	prefix := partitionPrefix(table, partitionKey)
	iter, err := s.inner.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var items []map[string]types.AttributeValue
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item, err := decodeItem(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("pebblestore: decode %x: %w", iter.Key(), err)
		}
		items = append(items, item)
	}
	return items, iter.Error()
}

func validationError(format string, args ...any) error {
	return &smithy.GenericAPIError{
		Code:    "ValidationException",
		Message: fmt.Sprintf(format, args...),
		Fault:   smithy.FaultClient,
	}
}
