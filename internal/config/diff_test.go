package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/npustt/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	d := config.Diff(cfg, cfg)
	if d.Changed() {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level is hot-reloadable, got RestartRequired=%v", d.RestartRequired)
	}
}

func TestDiff_SegmentationChanged(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Segmentation.VADThreshold = 0.35
	new.Segmentation.SilenceThresholdMs = 800

	d := config.Diff(old, new)
	if !d.VADThresholdChanged || d.NewVADThreshold != 0.35 {
		t.Errorf("vad threshold: got changed=%v value=%v", d.VADThresholdChanged, d.NewVADThreshold)
	}
	if !d.SilenceThresholdChanged || d.NewSilenceThresholdMs != 800 {
		t.Errorf("silence threshold: got changed=%v value=%v", d.SilenceThresholdChanged, d.NewSilenceThresholdMs)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("segmentation is hot-reloadable, got RestartRequired=%v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.ListenAddr = ":9091"
	new.Inference.Device = "CPU"
	new.Sinks.Journal.Path = "/tmp/j.db"
	new.Providers.STT.Options = map[string]any{"command": "runner"}

	d := config.Diff(old, new)
	want := []string{"server.listen_addr", "inference", "providers", "sinks"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired: got %v, want %v", d.RestartRequired, want)
	}
	if d.LogLevelChanged || d.VADThresholdChanged || d.SilenceThresholdChanged {
		t.Errorf("unexpected hot-reload change: %+v", d)
	}
	if !d.Changed() {
		t.Error("Changed() should be true")
	}
}
