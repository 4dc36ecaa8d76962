package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
)

// ValidationSeverity indicates the severity of a validation issue.
type ValidationSeverity string

const (
	// SeverityError indicates a configuration error that prevents startup.
	SeverityError ValidationSeverity = "error"
	// SeverityWarning indicates a potential issue that won't prevent startup.
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue represents a single validation finding.
type ValidationIssue struct {
	Severity ValidationSeverity `json:"severity"`
	Field    string             `json:"field"`
	Message  string             `json:"message"`
}

// ValidationResult holds the complete validation output.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	File   string            `json:"file"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// JSON returns the validation result as formatted JSON.
func (r *ValidationResult) JSON() string {
	data, _ := json.MarshalIndent(r, "", "  ")
	return string(data)
}

func (r *ValidationResult) fail(field, msg string) {
	r.Valid = false
	r.Issues = append(r.Issues, ValidationIssue{Severity: SeverityError, Field: field, Message: msg})
}

func (r *ValidationResult) warn(field, msg string) {
	r.Issues = append(r.Issues, ValidationIssue{Severity: SeverityWarning, Field: field, Message: msg})
}

// ValidateFile loads a YAML config file and validates it, returning structured results.
func ValidateFile(path string) *ValidationResult {
	result := &ValidationResult{Valid: true, File: path}

	info, err := os.Stat(path)
	if err != nil {
		result.fail("file", fmt.Sprintf("cannot access file: %v", err))
		return result
	}
	if info.IsDir() {
		result.fail("file", "path is a directory, expected a file")
		return result
	}

	y, err := LoadYAML(path)
	if err != nil {
		result.fail("yaml", fmt.Sprintf("YAML parse error: %v", err))
		return result
	}

	cfg := DefaultConfig()
	y.ApplyTo(cfg)
	cfg.ConfigFile = path
	ValidateConfig(cfg, result)
	return result
}

// ValidateConfig appends the errors and warnings for cfg to result.
func ValidateConfig(cfg *Config, result *ValidationResult) {
	if err := cfg.Validate(); err != nil {
		msg := err.Error()
		prefix := "configuration validation failed:\n  - "
		if strings.HasPrefix(msg, prefix) {
			for _, item := range strings.Split(strings.TrimPrefix(msg, prefix), "\n  - ") {
				field, message := parseValidationError(item)
				result.fail(field, message)
			}
		} else {
			result.fail("config", msg)
		}
	}
	addWarnings(cfg, result)
}

// parseValidationError extracts field and message from a validation error string.
// e.g. "flush-interval must be positive, got 0s" → field="flush-interval", message=...
func parseValidationError(s string) (string, string) {
	s = strings.TrimSpace(s)
	for _, sep := range []string{" must ", " is ", " should ", " are ", " needs ", " unknown "} {
		if idx := strings.Index(s, sep); idx > 0 {
			field := s[:idx]
			if !strings.Contains(field, " ") {
				return field, s
			}
		}
	}
	return "config", s
}

// addWarnings checks for non-fatal issues that are worth flagging.
func addWarnings(cfg *Config, result *ValidationResult) {
	if cfg.TelemetryEndpoint != "" && cfg.TelemetryInsecure && !isLocalhost(cfg.TelemetryEndpoint) {
		result.warn("telemetry.insecure", fmt.Sprintf("insecure connection to non-localhost endpoint %q", cfg.TelemetryEndpoint))
	}

	if cfg.SliceLength > cfg.PerItemByteLimit {
		result.warn("buffer.slice_length", fmt.Sprintf(
			"slices of %d characters exceed the %d byte item limit and will be truncated", cfg.SliceLength, cfg.PerItemByteLimit))
	}

	if cfg.ExhaustionPolicy == "requeue" && cfg.MaxRetries == 0 {
		result.warn("retry.exhaustion_policy", "requeue without retries keeps failing events queued until the drain timeout")
	}

	if cfg.Backend == BackendPebble && cfg.Endpoint != "" {
		result.warn("destination.endpoint", "endpoint is ignored by the pebble backend")
	}

	if cfg.Backend == BackendPebble && cfg.PebbleFsync == "never" {
		result.warn("destination.pebble.fsync", "fsync never can lose acknowledged items on a crash")
	}

	if cfg.StatsAuth().Enabled() && cfg.StatsAddr == "" {
		result.warn("stats.bearer_token", "stats credentials are set but the stats endpoint is disabled")
	}

	if cfg.LumberjackAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.LumberjackAddr); err != nil {
			result.warn("ingest.lumberjack", fmt.Sprintf("listen address %q looks invalid: %v", cfg.LumberjackAddr, err))
		}
	}
}

func isLocalhost(endpoint string) bool {
	host := endpoint
	if h, _, err := net.SplitHostPort(endpoint); err == nil {
		host = h
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
