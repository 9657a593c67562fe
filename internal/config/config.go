// Package config provides the configuration schema, loader, hot-reload watcher
// and provider registry for npustt.
package config

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to a [slog.Level]. Unknown and empty levels map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Audio        AudioConfig        `yaml:"audio"`
	Segmentation SegmentationConfig `yaml:"segmentation"`
	Inference    InferenceConfig    `yaml:"inference"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Sinks        SinksConfig        `yaml:"sinks"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig holds the operator HTTP surface and logging settings.
type ServerConfig struct {
	// ListenAddr is the address of the health, metrics and stats endpoints
	// (e.g., ":9090"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig describes the frame stream.
type AudioConfig struct {
	// SampleRate in Hz. Must be 8000 or 16000. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// BlockSize is the number of samples per frame. Default: 512.
	BlockSize int `yaml:"block_size"`
}

// SegmentationConfig tunes utterance detection. Both fields are
// hot-reloadable.
type SegmentationConfig struct {
	// VADThreshold is the speech probability threshold. Default: 0.5.
	VADThreshold float64 `yaml:"vad_threshold"`

	// SilenceThresholdMs is the trailing silence that ends an utterance.
	// Default: 500.
	SilenceThresholdMs int `yaml:"silence_threshold_ms"`
}

// SilenceThreshold returns SilenceThresholdMs as a duration.
func (s SegmentationConfig) SilenceThreshold() time.Duration {
	return time.Duration(s.SilenceThresholdMs) * time.Millisecond
}

// InferenceConfig selects where and how the model runs.
type InferenceConfig struct {
	// Device is the preferred target. Default: "NPU".
	Device string `yaml:"device"`

	// DeviceFallbacks are tried in order when Device is unavailable.
	// Default: ["CPU", "GPU"].
	DeviceFallbacks []string `yaml:"device_fallbacks"`

	// StaticInputSeconds is the compiled input window for static-shape
	// backends. Default: 30. Variable-length backends ignore it.
	StaticInputSeconds float64 `yaml:"static_input_seconds"`

	// OutputStride overrides the model's samples-per-frame ratio. 0 uses the
	// model metadata.
	OutputStride int `yaml:"output_stride"`

	// Language is a hint for multilingual models.
	Language string `yaml:"language"`

	// CircuitBreaker guards inference calls. Disabled when MaxFailures is 0.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// StaticInputLength returns the static window in samples at sampleRate,
// rounded to the nearest sample.
func (c InferenceConfig) StaticInputLength(sampleRate int) int {
	return int(math.Round(c.StaticInputSeconds * float64(sampleRate)))
}

// CircuitBreakerConfig tunes the inference circuit breaker.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the
	// breaker.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// PipelineConfig holds queueing and shutdown policies.
type PipelineConfig struct {
	FrameQueueSize    int    `yaml:"frame_queue_size"`
	HandoffQueueSize  int    `yaml:"handoff_queue_size"`
	Backpressure      string `yaml:"backpressure"`
	ClassifierFailure string `yaml:"classifier_failure"`
	InflightOnStop    string `yaml:"inflight_on_stop"`
	FlushOnStop       bool   `yaml:"flush_on_stop"`
}

// ProvidersConfig selects the implementation of each collaborator. Each
// entry's Name is looked up in the [Registry].
type ProvidersConfig struct {
	STT    ProviderEntry `yaml:"stt"`
	VAD    ProviderEntry `yaml:"vad"`
	Source ProviderEntry `yaml:"source"`
}

// ProviderEntry is the common configuration block shared by all provider types.
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "exec", "whisper").
	Name string `yaml:"name"`

	// BaseURL is the endpoint of server-backed providers.
	BaseURL string `yaml:"base_url"`

	// Model is the model location: a path, a file, or a server-side name.
	Model string `yaml:"model"`

	// Options holds provider-specific values. Values may be strings, numbers
	// or booleans.
	Options map[string]any `yaml:"options"`
}

// StringOptions returns Options with every value formatted as a string,
// for backends that take a flat string map.
func (e ProviderEntry) StringOptions() map[string]string {
	if len(e.Options) == 0 {
		return nil
	}
	out := make(map[string]string, len(e.Options))
	for k, v := range e.Options {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// OptionString returns Options[key] formatted as a string, or "" when absent.
func (e ProviderEntry) OptionString(key string) string {
	v, ok := e.Options[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// OptionKeys returns the option names in sorted order.
func (e ProviderEntry) OptionKeys() []string {
	keys := make([]string, 0, len(e.Options))
	for k := range e.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SinksConfig enables transcript outputs. The console sink is always on.
type SinksConfig struct {
	Console ConsoleSinkConfig `yaml:"console"`
	Journal JournalSinkConfig `yaml:"journal"`
	NATS    NATSSinkConfig    `yaml:"nats"`
}

// ConsoleSinkConfig configures the stdout transcript printer.
type ConsoleSinkConfig struct {
	// Timings appends inference time and real-time factor to each line.
	Timings bool `yaml:"timings"`

	// Log additionally writes every event, including failures and drops, as
	// a structured log record.
	Log bool `yaml:"log"`
}

// JournalSinkConfig configures the transcript journal. Path selects a SQLite
// file, DSN a PostgreSQL database. With neither set the journal is disabled.
type JournalSinkConfig struct {
	Path          string `yaml:"path"`
	DSN           string `yaml:"dsn"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
}

// Enabled reports whether a journal backend is configured.
func (j JournalSinkConfig) Enabled() bool { return j.Path != "" || j.DSN != "" }

// NATSSinkConfig configures publishing to NATS. The sink is enabled when
// Servers is non-empty or Embedded is set.
type NATSSinkConfig struct {
	Servers       []string `yaml:"servers"`
	SubjectPrefix string   `yaml:"subject_prefix"`
	Token         string   `yaml:"token"`
	Username      string   `yaml:"username"`
	Password      string   `yaml:"password"`

	// Embedded starts an in-process NATS server and publishes to it.
	Embedded bool `yaml:"embedded"`

	// EmbeddedHost and EmbeddedPort are the embedded server's listen
	// address. Defaults: 127.0.0.1 and 4222.
	EmbeddedHost string `yaml:"embedded_host"`
	EmbeddedPort int    `yaml:"embedded_port"`
}

// Enabled reports whether the NATS sink is configured.
func (c NATSSinkConfig) Enabled() bool {
	return c.Embedded || len(c.Servers) > 0
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	// ServiceName defaults to "npustt".
	ServiceName string `yaml:"service_name"`

	// TraceExporter is "none", "stdout" or "otlp". Default: "none".
	TraceExporter string `yaml:"trace_exporter"`

	// OTLPEndpoint is the collector address for the otlp exporter.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// OTLPInsecure disables TLS to the collector.
	OTLPInsecure bool `yaml:"otlp_insecure"`
}
