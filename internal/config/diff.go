package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// The first group of fields can be applied to a running pipeline; changes to
// anything else are listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VADThresholdChanged bool
	NewVADThreshold     float64

	SilenceThresholdChanged bool
	NewSilenceThresholdMs   int

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart (e.g., "inference", "sinks").
	RestartRequired []string
}

// Changed reports whether d contains any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.VADThresholdChanged || d.SilenceThresholdChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Segmentation.VADThreshold != new.Segmentation.VADThreshold {
		d.VADThresholdChanged = true
		d.NewVADThreshold = new.Segmentation.VADThreshold
	}
	if old.Segmentation.SilenceThresholdMs != new.Segmentation.SilenceThresholdMs {
		d.SilenceThresholdChanged = true
		d.NewSilenceThresholdMs = new.Segmentation.SilenceThresholdMs
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	sections := []struct {
		name     string
		old, new any
	}{
		{"audio", old.Audio, new.Audio},
		{"inference", old.Inference, new.Inference},
		{"pipeline", old.Pipeline, new.Pipeline},
		{"providers", old.Providers, new.Providers},
		{"sinks", old.Sinks, new.Sinks},
		{"telemetry", old.Telemetry, new.Telemetry},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
