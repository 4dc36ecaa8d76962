package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the YAML configuration file structure.
type YAMLConfig struct {
	Destination DestinationYAMLConfig `yaml:"destination"`
	Attributes  AttributesYAMLConfig  `yaml:"attributes"`
	Buffer      BufferYAMLConfig      `yaml:"buffer"`
	Retry       RetryYAMLConfig       `yaml:"retry"`
	Drain       DrainYAMLConfig       `yaml:"drain"`
	Format      string                `yaml:"format"` // "text" or "json"
	Ingest      IngestYAMLConfig      `yaml:"ingest"`
	Telemetry   TelemetryYAMLConfig   `yaml:"telemetry"`
	Stats       StatsYAMLConfig       `yaml:"stats"`
	Memory      MemoryYAMLConfig      `yaml:"memory"`
	LogLevel    string                `yaml:"log_level"`
	LogFormat   string                `yaml:"log_format"` // "json" or "text"
}

// DestinationYAMLConfig selects the table and backend items are written to.
type DestinationYAMLConfig struct {
	Table              string           `yaml:"table"`
	PartitionKey       string           `yaml:"partition_key"`        // default: hostname
	PartitionKeyLayout string           `yaml:"partition_key_layout"` // time layout appended to the key
	Backend            string           `yaml:"backend"`              // "dynamodb" or "pebble"
	Region             string           `yaml:"region"`
	Endpoint           string           `yaml:"endpoint"` // custom endpoint (DynamoDB Local, LocalStack)
	Pebble             PebbleYAMLConfig `yaml:"pebble"`
}

// PebbleYAMLConfig configures the local backend.
type PebbleYAMLConfig struct {
	Path          string   `yaml:"path"`
	Fsync         string   `yaml:"fsync"` // always, interval or never
	FsyncInterval Duration `yaml:"fsync_interval"`
	Compression   string   `yaml:"compression"` // none, zstd, gzip or lz4
	WriteCapacity int      `yaml:"write_capacity"`
}

// AttributesYAMLConfig names item attributes and types extra record fields.
type AttributesYAMLConfig struct {
	PartitionKey string            `yaml:"partition_key"`
	Timestamp    string            `yaml:"timestamp"`
	Message      string            `yaml:"message"`
	Schema       map[string]string `yaml:"schema"` // field -> S, N, BOOL, SS, NS, L, M
}

// BufferYAMLConfig holds batching configuration.
type BufferYAMLConfig struct {
	FlushInterval        Duration `yaml:"flush_interval"`
	SliceLength          int      `yaml:"slice_length"`
	PerItemByteLimit     ByteSize `yaml:"per_item_byte_limit"`
	ItemCountLimit       int      `yaml:"item_count_limit"`
	BatchByteBudget      ByteSize `yaml:"batch_byte_budget"`
	PerItemOverheadBytes *int     `yaml:"per_item_overhead_bytes"`
	ForceFlushLevels     []string `yaml:"force_flush_levels"`
}

// RetryYAMLConfig holds delivery retry configuration.
type RetryYAMLConfig struct {
	MaxRetries       *int     `yaml:"max_retries"` // 0 disables retries
	BackoffBase      Duration `yaml:"backoff_base"`
	ExhaustionPolicy string   `yaml:"exhaustion_policy"` // drop, requeue or escalate
}

// DrainYAMLConfig holds shutdown configuration.
type DrainYAMLConfig struct {
	Timeout Duration `yaml:"timeout"`
}

// IngestYAMLConfig selects record sources.
type IngestYAMLConfig struct {
	Stdin         *bool               `yaml:"stdin"`
	Lumberjack    string              `yaml:"lumberjack"` // listen address (empty = disabled)
	LumberjackTLS ServerTLSYAMLConfig `yaml:"lumberjack_tls"`
	MaxLineBytes  ByteSize            `yaml:"max_line_bytes"`
	DefaultLevel  string              `yaml:"default_level"`
	MessageKey    string              `yaml:"message_key"`
	LevelKey      string              `yaml:"level_key"`
	TimeKey       string              `yaml:"time_key"`
}

// ServerTLSYAMLConfig secures a listener.
type ServerTLSYAMLConfig struct {
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ClientCAFile string `yaml:"client_ca_file"` // require client certificates (mTLS)
}

// ClientTLSYAMLConfig secures an outbound connection.
type ClientTLSYAMLConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// TelemetryYAMLConfig holds OTLP self-monitoring telemetry configuration.
type TelemetryYAMLConfig struct {
	Endpoint        string              `yaml:"endpoint"`         // OTLP endpoint (empty = disabled)
	Protocol        string              `yaml:"protocol"`         // "grpc" or "http" (default: "grpc")
	Insecure        *bool               `yaml:"insecure"`         // Use insecure connection (default: true)
	Timeout         Duration            `yaml:"timeout"`          // Per-export timeout (0 = SDK default 10s)
	PushInterval    Duration            `yaml:"push_interval"`    // Metric push interval (default: 30s)
	Compression     string              `yaml:"compression"`      // "gzip" or "" (default: "")
	ShutdownTimeout Duration            `yaml:"shutdown_timeout"` // Shutdown grace period (default: 5s)
	Headers         map[string]string   `yaml:"headers"`          // Custom headers (auth, etc.)
	TLS             ClientTLSYAMLConfig `yaml:"tls"`              // Used when insecure is false
}

// StatsYAMLConfig holds the metrics endpoint configuration.
type StatsYAMLConfig struct {
	Address     string              `yaml:"address"` // empty disables /metrics
	BearerToken string              `yaml:"bearer_token"`
	BasicAuth   BasicAuthYAMLConfig `yaml:"basic_auth"`
}

// BasicAuthYAMLConfig holds basic credentials.
type BasicAuthYAMLConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MemoryYAMLConfig holds memory limit configuration.
type MemoryYAMLConfig struct {
	// LimitRatio is the ratio of container memory to use for GOMEMLIMIT (0.0-1.0)
	LimitRatio float64 `yaml:"limit_ratio"`
}

// Duration is a wrapper for time.Duration that supports YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize is a wrapper for int64 that supports human-readable YAML values.
// Accepted formats: raw integer (bytes), or suffixed: Ki, Mi, Gi.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for ByteSize.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return FormatByteSize(int64(b)), nil
}

// ParseByteSize parses a human-readable byte size string.
// Accepted suffixes: Ki (1024), Mi (1048576), Gi (1073741824).
// Plain integers are treated as bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	suffixes := []struct {
		name string
		mult int64
	}{
		{"Gi", 1 << 30},
		{"Mi", 1 << 20},
		{"Ki", 1 << 10},
	}
	for _, sf := range suffixes {
		if strings.HasSuffix(s, sf.name) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, sf.name))
			var f float64
			if _, err := fmt.Sscanf(numStr, "%f", &f); err != nil {
				return 0, fmt.Errorf("invalid byte size: %q", s)
			}
			return int64(f * float64(sf.mult)), nil
		}
	}
	var n int64
	var trail string
	if _, err := fmt.Sscanf(s, "%d%s", &n, &trail); err == nil && trail != "" {
		return 0, fmt.Errorf("invalid byte size: %q (use Ki, Mi or Gi suffixes)", s)
	}
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	return n, nil
}

// FormatByteSize formats bytes as a human-readable string with binary suffix.
func FormatByteSize(b int64) string {
	switch {
	case b >= 1<<30 && b%(1<<30) == 0:
		return fmt.Sprintf("%dGi", b>>30)
	case b >= 1<<20 && b%(1<<20) == 0:
		return fmt.Sprintf("%dMi", b>>20)
	case b >= 1<<10 && b%(1<<10) == 0:
		return fmt.Sprintf("%dKi", b>>10)
	default:
		return fmt.Sprintf("%d", b)
	}
}

// LoadYAML loads configuration from a YAML file.
func LoadYAML(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseYAML(data)
}

// ParseYAML parses YAML configuration from bytes. Unknown keys are errors.
func ParseYAML(data []byte) (*YAMLConfig, error) {
	cfg := &YAMLConfig{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// ApplyTo overlays every value set in the file onto cfg.
func (y *YAMLConfig) ApplyTo(cfg *Config) {
	d := y.Destination
	setString(&cfg.Table, d.Table)
	setString(&cfg.PartitionKey, d.PartitionKey)
	setString(&cfg.PartitionKeyLayout, d.PartitionKeyLayout)
	setString(&cfg.Backend, d.Backend)
	setString(&cfg.Region, d.Region)
	setString(&cfg.Endpoint, d.Endpoint)
	setString(&cfg.PebblePath, d.Pebble.Path)
	setString(&cfg.PebbleFsync, d.Pebble.Fsync)
	setDuration(&cfg.PebbleFsyncInterval, d.Pebble.FsyncInterval)
	setString(&cfg.PebbleCompression, d.Pebble.Compression)
	if d.Pebble.WriteCapacity != 0 {
		cfg.PebbleWriteCapacity = d.Pebble.WriteCapacity
	}

	a := y.Attributes
	setString(&cfg.PartitionKeyAttribute, a.PartitionKey)
	setString(&cfg.TimestampAttribute, a.Timestamp)
	setString(&cfg.MessageAttribute, a.Message)
	if len(a.Schema) > 0 {
		cfg.AttributeSchema = make(map[string]string, len(a.Schema))
		for k, v := range a.Schema {
			cfg.AttributeSchema[k] = v
		}
	}

	b := y.Buffer
	setDuration(&cfg.FlushInterval, b.FlushInterval)
	setInt(&cfg.SliceLength, b.SliceLength)
	setInt(&cfg.PerItemByteLimit, int(b.PerItemByteLimit))
	setInt(&cfg.ItemCountLimit, b.ItemCountLimit)
	setInt(&cfg.BatchByteBudget, int(b.BatchByteBudget))
	if b.PerItemOverheadBytes != nil {
		cfg.PerItemOverheadBytes = *b.PerItemOverheadBytes
	}
	if b.ForceFlushLevels != nil {
		cfg.ForceFlushLevels = append([]string{}, b.ForceFlushLevels...)
	}

	if y.Retry.MaxRetries != nil {
		cfg.MaxRetries = *y.Retry.MaxRetries
	}
	setDuration(&cfg.BackoffBase, y.Retry.BackoffBase)
	setString(&cfg.ExhaustionPolicy, y.Retry.ExhaustionPolicy)
	setDuration(&cfg.DrainTimeout, y.Drain.Timeout)
	setString(&cfg.Format, y.Format)

	in := y.Ingest
	if in.Stdin != nil {
		cfg.Stdin = *in.Stdin
	}
	setString(&cfg.LumberjackAddr, in.Lumberjack)
	setString(&cfg.LumberjackTLSCert, in.LumberjackTLS.CertFile)
	setString(&cfg.LumberjackTLSKey, in.LumberjackTLS.KeyFile)
	setString(&cfg.LumberjackTLSClientCA, in.LumberjackTLS.ClientCAFile)
	setInt(&cfg.MaxLineBytes, int(in.MaxLineBytes))
	setString(&cfg.DefaultLevel, in.DefaultLevel)
	setString(&cfg.MessageKey, in.MessageKey)
	setString(&cfg.LevelKey, in.LevelKey)
	setString(&cfg.TimeKey, in.TimeKey)

	t := y.Telemetry
	setString(&cfg.TelemetryEndpoint, t.Endpoint)
	setString(&cfg.TelemetryProtocol, t.Protocol)
	if t.Insecure != nil {
		cfg.TelemetryInsecure = *t.Insecure
	}
	setDuration(&cfg.TelemetryTimeout, t.Timeout)
	setDuration(&cfg.TelemetryPushInterval, t.PushInterval)
	setString(&cfg.TelemetryCompression, t.Compression)
	setDuration(&cfg.TelemetryShutdownTimeout, t.ShutdownTimeout)
	if len(t.Headers) > 0 {
		cfg.TelemetryHeaders = t.Headers
	}
	setString(&cfg.TelemetryTLSCA, t.TLS.CAFile)
	setString(&cfg.TelemetryTLSCert, t.TLS.CertFile)
	setString(&cfg.TelemetryTLSKey, t.TLS.KeyFile)
	setString(&cfg.TelemetryTLSServerName, t.TLS.ServerName)
	if t.TLS.InsecureSkipVerify {
		cfg.TelemetryTLSSkipVerify = true
	}

	setString(&cfg.StatsAddr, y.Stats.Address)
	setString(&cfg.StatsBearerToken, y.Stats.BearerToken)
	setString(&cfg.StatsUsername, y.Stats.BasicAuth.Username)
	setString(&cfg.StatsPassword, y.Stats.BasicAuth.Password)
	if y.Memory.LimitRatio != 0 {
		cfg.MemoryLimitRatio = y.Memory.LimitRatio
	}
	setString(&cfg.LogLevel, y.LogLevel)
	setString(&cfg.LogFormat, y.LogFormat)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v Duration) {
	if v != 0 {
		*dst = time.Duration(v)
	}
}
