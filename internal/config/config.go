// Package config loads logs-governor settings from defaults, an optional
// YAML file and command-line flags, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/szibis/logs-governor/internal/auth"
	"github.com/szibis/logs-governor/internal/buffer"
	"github.com/szibis/logs-governor/internal/compression"
	"github.com/szibis/logs-governor/internal/exporter"
	"github.com/szibis/logs-governor/internal/ingest"
	"github.com/szibis/logs-governor/internal/logging"
	"github.com/szibis/logs-governor/internal/record"
	pebblestore "github.com/szibis/logs-governor/internal/storage/pebble"
	"github.com/szibis/logs-governor/internal/telemetry"
	tlspkg "github.com/szibis/logs-governor/internal/tls"
)

// Backends.
const (
	BackendDynamoDB = "dynamodb"
	BackendPebble   = "pebble"
)

// Formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config holds the application configuration.
type Config struct {
	ConfigFile string

	// Destination
	Table               string
	PartitionKey        string // empty = hostname
	PartitionKeyLayout  string // Go time layout appended to the key, evaluated per flush
	Backend             string
	Region              string
	Endpoint            string
	PebblePath          string
	PebbleFsync         string
	PebbleFsyncInterval time.Duration
	PebbleCompression   string
	PebbleWriteCapacity int

	// Attributes
	PartitionKeyAttribute string
	TimestampAttribute    string
	MessageAttribute      string
	AttributeSchema       map[string]string

	// Buffer
	FlushInterval        time.Duration
	SliceLength          int
	PerItemByteLimit     int
	ItemCountLimit       int
	BatchByteBudget      int
	PerItemOverheadBytes int
	ForceFlushLevels     []string

	// Retry and drain
	MaxRetries       int // retries after the first call; 0 disables retries
	BackoffBase      time.Duration
	ExhaustionPolicy string
	DrainTimeout     time.Duration

	// Format renders stored messages: text ("level - message") or json.
	Format string

	// Ingest
	Stdin                 bool
	LumberjackAddr        string
	LumberjackTLSCert     string
	LumberjackTLSKey      string
	LumberjackTLSClientCA string
	MaxLineBytes          int
	DefaultLevel          string
	MessageKey            string
	LevelKey              string
	TimeKey               string

	// Telemetry
	TelemetryEndpoint        string
	TelemetryProtocol        string
	TelemetryInsecure        bool
	TelemetryTimeout         time.Duration
	TelemetryPushInterval    time.Duration
	TelemetryCompression     string
	TelemetryShutdownTimeout time.Duration
	TelemetryHeaders         map[string]string
	TelemetryTLSCA           string
	TelemetryTLSCert         string
	TelemetryTLSKey          string
	TelemetryTLSServerName   string
	TelemetryTLSSkipVerify   bool

	StatsAddr        string
	StatsBearerToken string
	StatsUsername    string
	StatsPassword    string
	MemoryLimitRatio float64
	LogLevel         string
	LogFormat        string
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	limits := buffer.DefaultLimits()
	names := exporter.DefaultAttributeNames()
	return &Config{
		Backend:             BackendDynamoDB,
		PebbleFsync:         "interval",
		PebbleFsyncInterval: 5 * time.Millisecond,
		PebbleCompression:   string(compression.TypeZstd),

		PartitionKeyAttribute: names.PartitionKey,
		TimestampAttribute:    names.Timestamp,
		MessageAttribute:      names.Message,

		FlushInterval:        buffer.DefaultFlushInterval,
		SliceLength:          buffer.DefaultSliceLength,
		PerItemByteLimit:     limits.PerItemByteLimit,
		ItemCountLimit:       limits.ItemCountLimit,
		BatchByteBudget:      limits.BatchByteBudget,
		PerItemOverheadBytes: limits.PerItemOverheadBytes,
		ForceFlushLevels:     append([]string{}, buffer.DefaultForceFlushLevels...),

		MaxRetries:       exporter.DefaultMaxRetries,
		BackoffBase:      exporter.DefaultBackoffBase,
		ExhaustionPolicy: string(buffer.PolicyDrop),
		DrainTimeout:     buffer.DefaultDrainTimeout,

		Format: FormatText,

		Stdin:        true,
		MaxLineBytes: ingest.DefaultMaxLineBytes,
		DefaultLevel: "info",
		MessageKey:   ingest.DefaultKeys().Message,
		LevelKey:     ingest.DefaultKeys().Level,
		TimeKey:      ingest.DefaultKeys().Time,

		TelemetryProtocol:        "grpc",
		TelemetryInsecure:        true,
		TelemetryPushInterval:    30 * time.Second,
		TelemetryShutdownTimeout: 5 * time.Second,

		StatsAddr:        ":9090",
		MemoryLimitRatio: 0.9,
		LogLevel:         "info",
		LogFormat:        string(logging.FormatJSON),
	}
}

// BindFlags registers every override flag on fs. Flag defaults mirror
// DefaultConfig; only flags set on the command line override the file.
func BindFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()
	fs.StringP("config", "c", "", "Path to YAML configuration file")

	fs.String("table", "", "Destination table name")
	fs.String("partition-key", "", "Partition key value for stored items (default: hostname)")
	fs.String("partition-key-layout", "", "Go time layout appended to the partition key, e.g. 2006-01-02")
	fs.String("backend", d.Backend, "Backend: dynamodb or pebble")
	fs.String("region", "", "AWS region (default: from the environment)")
	fs.String("endpoint", "", "Custom DynamoDB endpoint URL")
	fs.String("pebble-path", "", "Data directory of the pebble backend")
	fs.String("pebble-fsync", d.PebbleFsync, "Pebble fsync mode: always, interval or never")
	fs.String("pebble-compression", d.PebbleCompression, "Pebble value compression: none, zstd, gzip or lz4")
	fs.Int("pebble-write-capacity", 0, "Requests applied per pebble call before returning unprocessed items (0 = unlimited)")

	fs.Duration("flush-interval", d.FlushInterval, "Time between timer-driven flushes")
	fs.Int("slice-length", d.SliceLength, "Messages longer than this many characters are split")
	fs.Int("item-count-limit", d.ItemCountLimit, "Maximum items per batch")
	fs.String("batch-byte-budget", FormatByteSize(int64(d.BatchByteBudget)), "Maximum bytes per batch (supports Ki, Mi, Gi)")
	fs.StringSlice("force-flush-levels", d.ForceFlushLevels, "Levels that flush immediately")

	fs.Int("max-retries", d.MaxRetries, "Retries after the first call (0 disables retries)")
	fs.Duration("backoff-base", d.BackoffBase, "Wait before the first retry, doubled for each following one")
	fs.String("exhaustion-policy", d.ExhaustionPolicy, "What to do with undelivered events: drop, requeue or escalate")
	fs.Duration("drain-timeout", d.DrainTimeout, "Maximum time spent delivering queued events on shutdown")

	fs.String("format", d.Format, "Stored message format: text or json")
	fs.Bool("stdin", d.Stdin, "Read JSON lines from standard input")
	fs.String("lumberjack-listen", "", "Lumberjack (Beats) listen address (empty = disabled)")
	fs.String("lumberjack-tls-cert", "", "TLS certificate of the lumberjack listener")
	fs.String("lumberjack-tls-key", "", "TLS private key of the lumberjack listener")
	fs.String("lumberjack-tls-client-ca", "", "CA file; when set, lumberjack clients must present a certificate")

	fs.String("telemetry-endpoint", "", "OTLP endpoint for self telemetry (empty = disabled)")
	fs.String("telemetry-protocol", d.TelemetryProtocol, "OTLP protocol: grpc or http")
	fs.String("stats-addr", d.StatsAddr, "Listen address of the /metrics endpoint (empty = disabled)")
	fs.String("log-level", d.LogLevel, "Log level: debug, info, warn or error")
	fs.String("log-format", d.LogFormat, "Format of the process's own log lines: json or text")
}

// Load builds the effective configuration: defaults, then the file named by
// the config flag, then explicitly set flags.
func Load(fs *pflag.FlagSet) (*Config, error) {
	cfg := DefaultConfig()

	path, err := fs.GetString("config")
	if err != nil {
		return nil, err
	}
	if path != "" {
		y, err := LoadYAML(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		y.ApplyTo(cfg)
		cfg.ConfigFile = path
	}

	if err := applyFlagOverrides(fs, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlagOverrides(fs *pflag.FlagSet, cfg *Config) error {
	var errs []error
	fs.Visit(func(f *pflag.Flag) {
		var err error
		switch f.Name {
		case "table":
			cfg.Table = f.Value.String()
		case "partition-key":
			cfg.PartitionKey = f.Value.String()
		case "partition-key-layout":
			cfg.PartitionKeyLayout = f.Value.String()
		case "backend":
			cfg.Backend = f.Value.String()
		case "region":
			cfg.Region = f.Value.String()
		case "endpoint":
			cfg.Endpoint = f.Value.String()
		case "pebble-path":
			cfg.PebblePath = f.Value.String()
		case "pebble-fsync":
			cfg.PebbleFsync = f.Value.String()
		case "pebble-compression":
			cfg.PebbleCompression = f.Value.String()
		case "pebble-write-capacity":
			cfg.PebbleWriteCapacity, err = fs.GetInt(f.Name)
		case "flush-interval":
			cfg.FlushInterval, err = fs.GetDuration(f.Name)
		case "slice-length":
			cfg.SliceLength, err = fs.GetInt(f.Name)
		case "item-count-limit":
			cfg.ItemCountLimit, err = fs.GetInt(f.Name)
		case "batch-byte-budget":
			var n int64
			n, err = ParseByteSize(f.Value.String())
			cfg.BatchByteBudget = int(n)
		case "force-flush-levels":
			cfg.ForceFlushLevels, err = fs.GetStringSlice(f.Name)
		case "max-retries":
			cfg.MaxRetries, err = fs.GetInt(f.Name)
		case "backoff-base":
			cfg.BackoffBase, err = fs.GetDuration(f.Name)
		case "exhaustion-policy":
			cfg.ExhaustionPolicy = f.Value.String()
		case "drain-timeout":
			cfg.DrainTimeout, err = fs.GetDuration(f.Name)
		case "format":
			cfg.Format = f.Value.String()
		case "stdin":
			cfg.Stdin, err = fs.GetBool(f.Name)
		case "lumberjack-listen":
			cfg.LumberjackAddr = f.Value.String()
		case "lumberjack-tls-cert":
			cfg.LumberjackTLSCert = f.Value.String()
		case "lumberjack-tls-key":
			cfg.LumberjackTLSKey = f.Value.String()
		case "lumberjack-tls-client-ca":
			cfg.LumberjackTLSClientCA = f.Value.String()
		case "telemetry-endpoint":
			cfg.TelemetryEndpoint = f.Value.String()
		case "telemetry-protocol":
			cfg.TelemetryProtocol = f.Value.String()
		case "stats-addr":
			cfg.StatsAddr = f.Value.String()
		case "log-level":
			cfg.LogLevel = f.Value.String()
		case "log-format":
			cfg.LogFormat = f.Value.String()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("flag --%s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Table == "" {
		errs = append(errs, "table must be set")
	}
	switch c.Backend {
	case BackendDynamoDB:
	case BackendPebble:
		if c.PebblePath == "" {
			errs = append(errs, "pebble-path must be set when backend is pebble")
		}
		if _, err := pebblestore.ParseFsyncMode(c.PebbleFsync); err != nil {
			errs = append(errs, "pebble-fsync "+err.Error())
		}
		if _, err := compression.ParseType(c.PebbleCompression); err != nil {
			errs = append(errs, "pebble-compression "+err.Error())
		}
		if c.PebbleWriteCapacity < 0 {
			errs = append(errs, fmt.Sprintf("pebble-write-capacity must be non-negative, got %d", c.PebbleWriteCapacity))
		}
	default:
		errs = append(errs, fmt.Sprintf("backend must be dynamodb or pebble, got %q", c.Backend))
	}

	if c.FlushInterval <= 0 {
		errs = append(errs, fmt.Sprintf("flush-interval must be positive, got %s", c.FlushInterval))
	}
	if c.SliceLength <= 0 {
		errs = append(errs, fmt.Sprintf("slice-length must be positive, got %d", c.SliceLength))
	}
	if err := c.limits().Validate(); err != nil {
		errs = append(errs, "limits are invalid: "+err.Error())
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("max-retries must be non-negative, got %d", c.MaxRetries))
	}
	if c.BackoffBase <= 0 {
		errs = append(errs, fmt.Sprintf("backoff-base must be positive, got %s", c.BackoffBase))
	}
	if _, err := buffer.ParseExhaustionPolicy(c.ExhaustionPolicy); err != nil {
		errs = append(errs, "exhaustion-policy "+err.Error())
	}
	if c.DrainTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("drain-timeout must be positive, got %s", c.DrainTimeout))
	}
	if c.Format != FormatText && c.Format != FormatJSON {
		errs = append(errs, fmt.Sprintf("format must be text or json, got %q", c.Format))
	}

	names := []string{c.PartitionKeyAttribute, c.TimestampAttribute, c.MessageAttribute}
	for _, n := range names {
		if n == "" {
			errs = append(errs, "attribute names must not be empty")
			break
		}
	}
	if c.PartitionKeyAttribute == c.TimestampAttribute || c.PartitionKeyAttribute == c.MessageAttribute || c.TimestampAttribute == c.MessageAttribute {
		errs = append(errs, "attribute names must be distinct")
	}
	for field, typ := range c.AttributeSchema {
		if !exporter.AttributeType(typ).Valid() {
			errs = append(errs, fmt.Sprintf("attributes.schema.%s must be one of S, N, BOOL, SS, NS, L, M, got %q", field, typ))
		}
		if slices.Contains(names, field) {
			errs = append(errs, fmt.Sprintf("attributes.schema.%s must not redefine a key or message attribute", field))
		}
	}

	if !c.Stdin && c.LumberjackAddr == "" {
		errs = append(errs, "ingest needs stdin or a lumberjack address")
	}
	if err := c.LumberjackTLSConfig().Validate(); err != nil {
		errs = append(errs, "lumberjack-tls "+err.Error())
	}
	if c.LumberjackTLSClientCA != "" && c.LumberjackTLSCert == "" {
		errs = append(errs, "lumberjack-tls-client-ca needs lumberjack-tls-cert and lumberjack-tls-key")
	}
	if err := c.TelemetryTLSConfig().Validate(); err != nil {
		errs = append(errs, "telemetry-tls "+err.Error())
	}
	if c.MaxLineBytes <= 0 {
		errs = append(errs, fmt.Sprintf("max-line-bytes must be positive, got %d", c.MaxLineBytes))
	}
	if c.TelemetryEndpoint != "" && c.TelemetryProtocol != "grpc" && c.TelemetryProtocol != "http" {
		errs = append(errs, fmt.Sprintf("telemetry-protocol must be grpc or http, got %q", c.TelemetryProtocol))
	}
	if err := c.StatsAuth().Validate(); err != nil {
		errs = append(errs, "stats-auth "+err.Error())
	}
	if _, err := logging.ParseFormat(c.LogFormat); err != nil {
		errs = append(errs, "log-format "+err.Error())
	}
	if c.MemoryLimitRatio < 0 || c.MemoryLimitRatio > 1 {
		errs = append(errs, fmt.Sprintf("memory-limit-ratio must be between 0.0 and 1.0, got %.2f", c.MemoryLimitRatio))
	}

	if len(errs) > 0 {
		return errors.New("configuration validation failed:\n  - " + strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) limits() buffer.Limits {
	return buffer.Limits{
		PerItemByteLimit:     c.PerItemByteLimit,
		ItemCountLimit:       c.ItemCountLimit,
		BatchByteBudget:      c.BatchByteBudget,
		PerItemOverheadBytes: c.PerItemOverheadBytes,
	}
}

// AttributeNames returns the configured item attribute names.
func (c *Config) AttributeNames() exporter.AttributeNames {
	return exporter.AttributeNames{
		PartitionKey: c.PartitionKeyAttribute,
		Timestamp:    c.TimestampAttribute,
		Message:      c.MessageAttribute,
	}
}

// PartitionKeyFunc returns the per-flush partition key strategy. With a
// layout the current UTC time is appended, giving one stream per period.
func (c *Config) PartitionKeyFunc(now func() time.Time) func() string {
	if c.PartitionKey == "" && c.PartitionKeyLayout == "" {
		return nil
	}
	base := c.PartitionKey
	if c.PartitionKeyLayout == "" {
		return buffer.StaticKey(base)
	}
	if now == nil {
		now = time.Now
	}
	layout := c.PartitionKeyLayout
	return func() string {
		suffix := now().UTC().Format(layout)
		if base == "" {
			return suffix
		}
		return base + "-" + suffix
	}
}

// ExporterOptions projects the retry settings onto the delivery client.
func (c *Config) ExporterOptions() exporter.RetryConfig {
	retries := c.MaxRetries
	if retries == 0 {
		retries = -1
	}
	return exporter.RetryConfig{MaxRetries: retries, BackoffBase: c.BackoffBase}
}

// EngineOptions projects the configuration onto buffer.Options writing
// through w. errorHandler may be nil.
func (c *Config) EngineOptions(w exporter.BatchWriter, errorHandler func(error)) (buffer.Options, error) {
	policy, err := buffer.ParseExhaustionPolicy(c.ExhaustionPolicy)
	if err != nil {
		return buffer.Options{}, err
	}
	formatter := record.DefaultFormatter
	if c.Format == FormatJSON {
		formatter = record.JSONFormatter
	}
	var schema exporter.AttributeSchema
	if len(c.AttributeSchema) > 0 {
		schema = make(exporter.AttributeSchema, len(c.AttributeSchema))
		for field, typ := range c.AttributeSchema {
			schema[field] = exporter.AttributeType(typ)
		}
	}
	retry := c.ExporterOptions()
	return buffer.Options{
		Table:            c.Table,
		Writer:           w,
		PartitionKey:     c.PartitionKeyFunc(nil),
		FlushInterval:    c.FlushInterval,
		SliceLength:      c.SliceLength,
		Limits:           c.limits(),
		MaxRetries:       retry.MaxRetries,
		BackoffBase:      retry.BackoffBase,
		DrainTimeout:     c.DrainTimeout,
		AttributeNames:   c.AttributeNames(),
		AttributeSchema:  schema,
		Formatter:        formatter,
		ErrorHandler:     errorHandler,
		ExhaustionPolicy: policy,
		ForceFlushLevels: c.ForceFlushLevels,
	}, nil
}

// PebbleOptions projects the local backend settings.
func (c *Config) PebbleOptions() (pebblestore.Options, error) {
	mode, err := pebblestore.ParseFsyncMode(c.PebbleFsync)
	if err != nil {
		return pebblestore.Options{}, err
	}
	ct, err := compression.ParseType(c.PebbleCompression)
	if err != nil {
		return pebblestore.Options{}, err
	}
	return pebblestore.Options{
		DataDir:        c.PebblePath,
		Fsync:          mode,
		FsyncInterval:  c.PebbleFsyncInterval,
		Compression:    ct,
		AttributeNames: c.AttributeNames(),
		WriteCapacity:  c.PebbleWriteCapacity,
	}, nil
}

// LineOptions projects the stdin reader settings.
func (c *Config) LineOptions() ingest.LineOptions {
	return ingest.LineOptions{
		Keys:         c.ingestKeys(),
		DefaultLevel: c.DefaultLevel,
		MaxLineBytes: c.MaxLineBytes,
	}
}

// LumberjackOptions projects the Beats listener settings.
func (c *Config) LumberjackOptions() ingest.LumberjackOptions {
	return ingest.LumberjackOptions{
		Keys:         c.ingestKeys(),
		DefaultLevel: c.DefaultLevel,
		TLS:          c.LumberjackTLSConfig(),
	}
}

// LumberjackTLSConfig returns the listener TLS settings. TLS is on once a
// certificate or key is configured.
func (c *Config) LumberjackTLSConfig() tlspkg.ServerConfig {
	return tlspkg.ServerConfig{
		Enabled:      c.LumberjackTLSCert != "" || c.LumberjackTLSKey != "",
		CertFile:     c.LumberjackTLSCert,
		KeyFile:      c.LumberjackTLSKey,
		ClientCAFile: c.LumberjackTLSClientCA,
	}
}

// TelemetryTLSConfig returns the OTLP client TLS settings.
func (c *Config) TelemetryTLSConfig() tlspkg.ClientConfig {
	return tlspkg.ClientConfig{
		Enabled: c.TelemetryTLSCA != "" || c.TelemetryTLSCert != "" || c.TelemetryTLSKey != "" ||
			c.TelemetryTLSServerName != "" || c.TelemetryTLSSkipVerify,
		CAFile:             c.TelemetryTLSCA,
		CertFile:           c.TelemetryTLSCert,
		KeyFile:            c.TelemetryTLSKey,
		ServerName:         c.TelemetryTLSServerName,
		InsecureSkipVerify: c.TelemetryTLSSkipVerify,
	}
}

func (c *Config) ingestKeys() ingest.Keys {
	return ingest.Keys{Message: c.MessageKey, Level: c.LevelKey, Time: c.TimeKey}
}

// TelemetryConfig projects the OTLP self-telemetry settings.
func (c *Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Endpoint:        c.TelemetryEndpoint,
		Protocol:        c.TelemetryProtocol,
		Insecure:        c.TelemetryInsecure,
		Timeout:         c.TelemetryTimeout,
		PushInterval:    c.TelemetryPushInterval,
		Compression:     c.TelemetryCompression,
		Headers:         c.TelemetryHeaders,
		ShutdownTimeout: c.TelemetryShutdownTimeout,
		TLS:             c.TelemetryTLSConfig(),
	}
}

// StatsAuth returns the credentials guarding /metrics.
func (c *Config) StatsAuth() auth.Config {
	return auth.Config{BearerToken: c.StatsBearerToken, Username: c.StatsUsername, Password: c.StatsPassword}
}

// Level returns the configured log level.
func (c *Config) Level() logging.Level {
	return logging.ParseLevel(c.LogLevel)
}

// LogOutputFormat returns the configured format of the process's own log
// lines. Invalid values fall back to JSON; Validate reports them.
func (c *Config) LogOutputFormat() logging.Format {
	f, err := logging.ParseFormat(c.LogFormat)
	if err != nil {
		return logging.FormatJSON
	}
	return f
}
