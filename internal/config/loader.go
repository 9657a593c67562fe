package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/npustt/pkg/provider/vad"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":    {"exec", "whisper", "whisper-native"},
	"vad":    {"energy"},
	"source": {"wav", "synthetic"},
}

// Valid values of the pipeline policy fields.
var (
	validBackpressure      = []string{"block", "drop"}
	validClassifierFailure = []string{"silence", "halt"}
	validInflightOnStop    = []string{"finish", "abandon"}
	validTraceExporters    = []string{"none", "stdout", "otlp"}
)

// Load reads the YAML configuration file at path and returns a validated [Config]
// with defaults applied. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected. An empty document yields the default
// configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied: 16 kHz audio
// from the synthetic source, the energy classifier and the exec backend on
// the NPU.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.BlockSize == 0 {
		cfg.Audio.BlockSize = 512
	}
	if cfg.Segmentation.VADThreshold == 0 {
		cfg.Segmentation.VADThreshold = 0.5
	}
	if cfg.Segmentation.SilenceThresholdMs == 0 {
		cfg.Segmentation.SilenceThresholdMs = 500
	}
	if cfg.Inference.Device == "" {
		cfg.Inference.Device = "NPU"
	}
	if cfg.Inference.DeviceFallbacks == nil {
		cfg.Inference.DeviceFallbacks = []string{"CPU", "GPU"}
	}
	if cfg.Inference.StaticInputSeconds == 0 {
		cfg.Inference.StaticInputSeconds = 30
	}
	if cfg.Inference.CircuitBreaker.MaxFailures > 0 && cfg.Inference.CircuitBreaker.ResetTimeout == 0 {
		cfg.Inference.CircuitBreaker.ResetTimeout = 30 * time.Second
	}
	if cfg.Pipeline.FrameQueueSize == 0 {
		cfg.Pipeline.FrameQueueSize = 256
	}
	if cfg.Pipeline.HandoffQueueSize == 0 {
		cfg.Pipeline.HandoffQueueSize = 4
	}
	if cfg.Pipeline.Backpressure == "" {
		cfg.Pipeline.Backpressure = "block"
	}
	if cfg.Pipeline.ClassifierFailure == "" {
		cfg.Pipeline.ClassifierFailure = "silence"
	}
	if cfg.Pipeline.InflightOnStop == "" {
		cfg.Pipeline.InflightOnStop = "finish"
	}
	if cfg.Providers.STT.Name == "" {
		cfg.Providers.STT.Name = "exec"
	}
	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = "energy"
	}
	if cfg.Providers.Source.Name == "" {
		cfg.Providers.Source.Name = "synthetic"
	}
	if cfg.Sinks.NATS.Embedded {
		if cfg.Sinks.NATS.EmbeddedHost == "" {
			cfg.Sinks.NATS.EmbeddedHost = "127.0.0.1"
		}
		if cfg.Sinks.NATS.EmbeddedPort == 0 {
			cfg.Sinks.NATS.EmbeddedPort = 4222
		}
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "npustt"
	}
	if cfg.Telemetry.TraceExporter == "" {
		cfg.Telemetry.TraceExporter = "none"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if err := vad.CheckSampleRate(cfg.Audio.SampleRate); err != nil {
		errs = append(errs, fmt.Errorf("audio.sample_rate: %w", err))
	}
	if cfg.Audio.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d must not be negative", cfg.Audio.BlockSize))
	}

	if t := cfg.Segmentation.VADThreshold; t < 0 || t >= 1 {
		errs = append(errs, fmt.Errorf("segmentation.vad_threshold %.2f is out of range [0, 1)", t))
	}
	if cfg.Segmentation.SilenceThresholdMs < 0 {
		errs = append(errs, fmt.Errorf("segmentation.silence_threshold_ms %d must not be negative", cfg.Segmentation.SilenceThresholdMs))
	}

	if cfg.Inference.StaticInputSeconds < 0 {
		errs = append(errs, fmt.Errorf("inference.static_input_seconds %.2f must not be negative", cfg.Inference.StaticInputSeconds))
	}
	if cfg.Inference.OutputStride < 0 {
		errs = append(errs, fmt.Errorf("inference.output_stride %d must not be negative", cfg.Inference.OutputStride))
	}
	for i, d := range cfg.Inference.DeviceFallbacks {
		if d == "" {
			errs = append(errs, fmt.Errorf("inference.device_fallbacks[%d] must not be empty", i))
		}
	}
	if cfg.Inference.CircuitBreaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("inference.circuit_breaker.max_failures %d must not be negative", cfg.Inference.CircuitBreaker.MaxFailures))
	}

	if cfg.Pipeline.FrameQueueSize < 0 {
		errs = append(errs, fmt.Errorf("pipeline.frame_queue_size %d must not be negative", cfg.Pipeline.FrameQueueSize))
	}
	if cfg.Pipeline.HandoffQueueSize < 0 {
		errs = append(errs, fmt.Errorf("pipeline.handoff_queue_size %d must not be negative", cfg.Pipeline.HandoffQueueSize))
	}
	errs = appendEnum(errs, "pipeline.backpressure", cfg.Pipeline.Backpressure, validBackpressure)
	errs = appendEnum(errs, "pipeline.classifier_failure", cfg.Pipeline.ClassifierFailure, validClassifierFailure)
	errs = appendEnum(errs, "pipeline.inflight_on_stop", cfg.Pipeline.InflightOnStop, validInflightOnStop)

	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("source", cfg.Providers.Source.Name)
	if cfg.Providers.Source.Name == "wav" && cfg.Providers.Source.OptionString("path") == "" {
		errs = append(errs, errors.New("providers.source: the wav source requires options.path"))
	}

	if cfg.Sinks.Journal.Path != "" && cfg.Sinks.Journal.DSN != "" {
		errs = append(errs, errors.New("sinks.journal.path and sinks.journal.dsn are mutually exclusive"))
	}
	if cfg.Sinks.Journal.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("sinks.journal.retention_days %d must not be negative", cfg.Sinks.Journal.RetentionDays))
	}
	if cfg.Sinks.Journal.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("sinks.journal.max_sessions %d must not be negative", cfg.Sinks.Journal.MaxSessions))
	}
	if cfg.Sinks.NATS.Embedded && len(cfg.Sinks.NATS.Servers) > 0 {
		errs = append(errs, errors.New("sinks.nats: servers and embedded are mutually exclusive"))
	}

	errs = appendEnum(errs, "telemetry.trace_exporter", cfg.Telemetry.TraceExporter, validTraceExporters)
	if cfg.Telemetry.TraceExporter == "otlp" && cfg.Telemetry.OTLPEndpoint == "" {
		errs = append(errs, errors.New("telemetry.otlp_endpoint is required when trace_exporter is otlp"))
	}

	return errors.Join(errs...)
}

func appendEnum(errs []error, field, value string, valid []string) []error {
	if value == "" || slices.Contains(valid, value) {
		return errs
	}
	return append(errs, fmt.Errorf("%s %q is invalid; valid values: %v", field, value, valid))
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
