// Package telemetry exports logs-governor's own logs and metrics over OTLP.
// Shipped application records never pass through here; this is only the
// process's self-monitoring.
package telemetry

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	prombridge "go.opentelemetry.io/contrib/bridges/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc/credentials"

	tlspkg "github.com/szibis/logs-governor/internal/tls"
)

const instrumentationName = "github.com/szibis/logs-governor"

// Config holds configuration for OTLP telemetry export.
type Config struct {
	Endpoint        string              // OTLP endpoint (empty = disabled)
	Protocol        string              // "grpc" or "http"
	Insecure        bool                // use insecure connection
	Timeout         time.Duration       // per-export timeout
	PushInterval    time.Duration       // metric push interval (default: 30s)
	Compression     string              // "gzip" or ""
	Headers         map[string]string   // custom headers (auth, etc.)
	ShutdownTimeout time.Duration       // shutdown grace period (default: 5s)
	TLS             tlspkg.ClientConfig // used unless Insecure is set
}

// Service identifies this process in exported resources.
type Service struct {
	Name    string
	Version string
	// Table is the destination table the engine ships to.
	Table string
}

// Telemetry holds the OTEL SDK providers for self-monitoring.
type Telemetry struct {
	logProvider     *sdklog.LoggerProvider
	meterProvider   *metric.MeterProvider
	logger          otellog.Logger
	shutdownFuncs   []func(context.Context) error
	shutdownTimeout time.Duration
}

// Enabled returns true if telemetry is configured.
func (t *Telemetry) Enabled() bool {
	return t != nil && t.logger != nil
}

// ShutdownTimeout returns the configured shutdown timeout.
func (t *Telemetry) ShutdownTimeout() time.Duration {
	if t == nil || t.shutdownTimeout <= 0 {
		return 5 * time.Second
	}
	return t.shutdownTimeout
}

// Init creates and starts OTLP log and metric exporters.
// Returns nil if cfg.Endpoint is empty (telemetry disabled).
func Init(ctx context.Context, cfg Config, svc Service) (*Telemetry, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}

	res, err := newResource(ctx, svc)
	if err != nil {
		return nil, err
	}

	tr, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}

	logExporter, err := tr.logExporter(ctx)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create log exporter: %w", err)
	}
	t := newTelemetry(res, sdklog.NewBatchProcessor(logExporter))
	t.shutdownTimeout = cfg.ShutdownTimeout

	metricExporter, err := tr.metricExporter(ctx)
	if err != nil {
		_ = t.Shutdown(ctx)
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	pushInterval := cfg.PushInterval
	if pushInterval <= 0 {
		pushInterval = 30 * time.Second
	}

	// The Prometheus registry (engine, exporter, ingest and store metrics)
	// is bridged into the OTLP metric pipeline.
	t.meterProvider = metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(
			metric.NewPeriodicReader(metricExporter,
				metric.WithInterval(pushInterval),
				metric.WithProducer(prombridge.NewMetricProducer()),
			),
		),
	)
	t.shutdownFuncs = append(t.shutdownFuncs, t.meterProvider.Shutdown)

	return t, nil
}

func newResource(ctx context.Context, svc Service) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(svc.Name),
		semconv.ServiceVersion(svc.Version),
	}
	if svc.Table != "" {
		attrs = append(attrs, attribute.String("logs_governor.table", svc.Table))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}
	return res, nil
}

func newTelemetry(res *resource.Resource, processor sdklog.Processor) *Telemetry {
	t := &Telemetry{}
	t.logProvider = sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(processor),
	)
	t.shutdownFuncs = append(t.shutdownFuncs, t.logProvider.Shutdown)
	t.logger = t.logProvider.Logger(instrumentationName)
	return t
}

// Shutdown flushes and stops all providers, joining their errors. Later
// calls are no-ops.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for _, fn := range t.shutdownFuncs {
		errs = append(errs, fn(ctx))
	}
	t.shutdownFuncs = nil
	return errors.Join(errs...)
}

// transport is the exporter setup shared by logs and metrics.
type transport struct {
	endpoint string
	http     bool
	insecure bool
	tls      *tls.Config
	timeout  time.Duration
	gzip     bool
	headers  map[string]string
}

func newTransport(cfg Config) (transport, error) {
	tr := transport{
		endpoint: cfg.Endpoint,
		http:     cfg.Protocol == "http",
		insecure: cfg.Insecure,
		timeout:  cfg.Timeout,
		gzip:     cfg.Compression == "gzip",
		headers:  cfg.Headers,
	}
	if !cfg.Insecure {
		tc, err := tlspkg.NewClientTLSConfig(cfg.TLS)
		if err != nil {
			return transport{}, fmt.Errorf("telemetry: %w", err)
		}
		tr.tls = tc
	}
	return tr, nil
}

func (tr transport) logExporter(ctx context.Context) (sdklog.Exporter, error) {
	if tr.http {
		opts := []otlploghttp.Option{otlploghttp.WithEndpoint(tr.endpoint)}
		switch {
		case tr.insecure:
			opts = append(opts, otlploghttp.WithInsecure())
		case tr.tls != nil:
			opts = append(opts, otlploghttp.WithTLSClientConfig(tr.tls))
		}
		if tr.timeout > 0 {
			opts = append(opts, otlploghttp.WithTimeout(tr.timeout))
		}
		if tr.gzip {
			opts = append(opts, otlploghttp.WithCompression(otlploghttp.GzipCompression))
		}
		if len(tr.headers) > 0 {
			opts = append(opts, otlploghttp.WithHeaders(tr.headers))
		}
		return otlploghttp.New(ctx, opts...)
	}

	opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(tr.endpoint)}
	switch {
	case tr.insecure:
		opts = append(opts, otlploggrpc.WithInsecure())
	case tr.tls != nil:
		opts = append(opts, otlploggrpc.WithTLSCredentials(credentials.NewTLS(tr.tls)))
	}
	if tr.timeout > 0 {
		opts = append(opts, otlploggrpc.WithTimeout(tr.timeout))
	}
	if tr.gzip {
		opts = append(opts, otlploggrpc.WithCompressor("gzip"))
	}
	if len(tr.headers) > 0 {
		opts = append(opts, otlploggrpc.WithHeaders(tr.headers))
	}
	return otlploggrpc.New(ctx, opts...)
}

func (tr transport) metricExporter(ctx context.Context) (metric.Exporter, error) {
	if tr.http {
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(tr.endpoint)}
		switch {
		case tr.insecure:
			opts = append(opts, otlpmetrichttp.WithInsecure())
		case tr.tls != nil:
			opts = append(opts, otlpmetrichttp.WithTLSClientConfig(tr.tls))
		}
		if tr.timeout > 0 {
			opts = append(opts, otlpmetrichttp.WithTimeout(tr.timeout))
		}
		if tr.gzip {
			opts = append(opts, otlpmetrichttp.WithCompression(otlpmetrichttp.GzipCompression))
		}
		if len(tr.headers) > 0 {
			opts = append(opts, otlpmetrichttp.WithHeaders(tr.headers))
		}
		return otlpmetrichttp.New(ctx, opts...)
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(tr.endpoint)}
	switch {
	case tr.insecure:
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	case tr.tls != nil:
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(credentials.NewTLS(tr.tls)))
	}
	if tr.timeout > 0 {
		opts = append(opts, otlpmetricgrpc.WithTimeout(tr.timeout))
	}
	if tr.gzip {
		opts = append(opts, otlpmetricgrpc.WithCompressor("gzip"))
	}
	if len(tr.headers) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(tr.headers))
	}
	return otlpmetricgrpc.New(ctx, opts...)
}
