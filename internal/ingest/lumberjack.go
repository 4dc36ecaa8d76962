package ingest

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/elastic/go-lumber/lj"
	server "github.com/elastic/go-lumber/server/v2"
	"github.com/szibis/logs-governor/internal/logging"
	tlspkg "github.com/szibis/logs-governor/internal/tls"
)

// LumberjackOptions configures the Beats listener.
type LumberjackOptions struct {
	Keys         Keys
	DefaultLevel string
	// Timeout bounds reads from idle connections. Zero keeps the library default.
	Timeout time.Duration
	TLS     tlspkg.ServerConfig
}

// Lumberjack receives event batches from Beats shippers over the lumberjack
// v2 protocol and appends each event as a record. A batch is acknowledged
// once all its events are queued in the engine.
type Lumberjack struct {
	srv   *server.Server
	ln    net.Listener
	sink  Sink
	keys  Keys
	level string

	closeOnce sync.Once
}

// ListenLumberjack starts listening on addr.
func ListenLumberjack(addr string, sink Sink, opts LumberjackOptions) (*Lumberjack, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("lumberjack listen %s: %w", addr, err)
	}
	ln, err = tlspkg.WrapListener(ln, opts.TLS)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("lumberjack tls: %w", err)
	}
	var so []server.Option
	if opts.Timeout > 0 {
		so = append(so, server.Timeout(opts.Timeout))
	}
	srv, err := server.NewWithListener(ln, so...)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("lumberjack server: %w", err)
	}
	level := opts.DefaultLevel
	if level == "" {
		level = "info"
	}
	return &Lumberjack{
		srv:   srv,
		ln:    ln,
		sink:  sink,
		keys:  opts.Keys.withDefaults(),
		level: level,
	}, nil
}

// Addr returns the listening address.
func (l *Lumberjack) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve consumes batches until ctx is done or the listener is closed.
func (l *Lumberjack) Serve(ctx context.Context) error {
	batches := l.srv.ReceiveChan()
	for {
		select {
		case <-ctx.Done():
			return nil
		case b, ok := <-batches:
			if !ok {
				return nil
			}
			l.handle(b)
		}
	}
}

func (l *Lumberjack) handle(b *lj.Batch) {
	for _, ev := range b.Events {
		doc, ok := ev.(map[string]interface{})
		if !ok {
			parseErrors.WithLabelValues(SourceLumberjack).Inc()
			logging.Warn("dropping lumberjack event that is not an object", logging.F("type", fmt.Sprintf("%T", ev)))
			continue
		}
		rec := fromDocument(doc, l.keys, l.level)
		if !rec.Accepted() {
			continue
		}
		l.sink.Append(rec)
		recordsReceived.WithLabelValues(SourceLumberjack).Inc()
	}
	b.ACK()
}

// Close stops the listener. Pending unacknowledged batches are resent by
// the shipper.
func (l *Lumberjack) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.srv.Close()
	})
	return err
}
