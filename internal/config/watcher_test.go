package config_test

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/npustt/internal/config"
)

const tunedBaseYAML = `
server:
  log_level: info
segmentation:
  vad_threshold: 0.5
  silence_threshold_ms: 500
inference:
  device: NPU
`

// reload is one onChange call as seen by the test.
type reload struct {
	old, new *config.Config
}

// watchFile writes content to a temp config file and watches it with a short
// poll interval. Reloads are delivered on the returned channel.
func watchFile(t *testing.T, content string) (string, *config.Watcher, <-chan reload) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "npustt.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	reloads := make(chan reload, 8)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		reloads <- reload{old, new}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return path, w, reloads
}

// rewrite replaces the file and moves its mtime forward by step seconds so
// coarse filesystem timestamps still register the edit.
func rewrite(t *testing.T, path, content string, step int) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	touch(t, path, step)
}

func touch(t *testing.T, path string, step int) {
	t.Helper()
	at := time.Now().Add(time.Duration(step) * time.Second)
	if err := os.Chtimes(path, at, at); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func nextReload(t *testing.T, reloads <-chan reload) reload {
	t.Helper()
	select {
	case r := <-reloads:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no reload within 2s")
		return reload{}
	}
}

func expectNoReload(t *testing.T, reloads <-chan reload) {
	t.Helper()
	select {
	case r := <-reloads:
		t.Fatalf("unexpected reload: %+v", config.Diff(r.old, r.new))
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcher_InitialLoadAppliesDefaults(t *testing.T) {
	t.Parallel()
	_, w, _ := watchFile(t, "inference:\n  device: CPU\n")

	cfg := w.Current()
	if cfg.Inference.Device != "CPU" {
		t.Errorf("device = %q, want CPU", cfg.Inference.Device)
	}
	if cfg.Segmentation.SilenceThreshold() != 500*time.Millisecond || cfg.Audio.SampleRate != 16000 {
		t.Errorf("defaults not applied: silence %v, rate %d", cfg.Segmentation.SilenceThreshold(), cfg.Audio.SampleRate)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for a missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("segmentation:\n  vad_threshold: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for an out-of-range vad_threshold")
	}
}

func TestWatcher_ReloadDiffs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		edit  string
		check func(t *testing.T, d config.ConfigDiff)
	}{
		{
			name: "segmentation tuning is hot",
			edit: "segmentation:\n  vad_threshold: 0.65\n  silence_threshold_ms: 800\ninference:\n  device: NPU\n",
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.VADThresholdChanged || d.NewVADThreshold != 0.65 {
					t.Errorf("vad threshold diff = %v/%v, want 0.65", d.VADThresholdChanged, d.NewVADThreshold)
				}
				if !d.SilenceThresholdChanged || d.NewSilenceThresholdMs != 800 {
					t.Errorf("silence diff = %v/%v, want 800", d.SilenceThresholdChanged, d.NewSilenceThresholdMs)
				}
				if len(d.RestartRequired) != 0 {
					t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
				}
			},
		},
		{
			name: "log level is hot",
			edit: "server:\n  log_level: debug\nsegmentation:\n  vad_threshold: 0.5\ninference:\n  device: NPU\n",
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
					t.Errorf("log level diff = %v/%q, want debug", d.LogLevelChanged, d.NewLogLevel)
				}
				if d.VADThresholdChanged || d.SilenceThresholdChanged {
					t.Errorf("unexpected segmentation change: %+v", d)
				}
			},
		},
		{
			name: "device change needs restart",
			edit: "segmentation:\n  vad_threshold: 0.5\ninference:\n  device: GPU\n",
			check: func(t *testing.T, d config.ConfigDiff) {
				if !slices.Contains(d.RestartRequired, "inference") {
					t.Errorf("RestartRequired = %v, want inference", d.RestartRequired)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path, w, reloads := watchFile(t, tunedBaseYAML)

			rewrite(t, path, tt.edit, 2)
			r := nextReload(t, reloads)
			if r.old.Inference.Device != "NPU" {
				t.Errorf("old config device = %q, want NPU", r.old.Inference.Device)
			}
			if w.Current() != r.new {
				t.Error("Current() is not the config passed to onChange")
			}
			tt.check(t, config.Diff(r.old, r.new))
		})
	}
}

// An operator tunes the silence threshold, saves a broken edit, then fixes
// it. Only valid edits reach onChange, and Current never holds the broken one.
func TestWatcher_RejectedEditKeepsLastValid(t *testing.T) {
	t.Parallel()
	path, w, reloads := watchFile(t, tunedBaseYAML)

	rewrite(t, path, "segmentation:\n  silence_threshold_ms: 700\n", 2)
	first := nextReload(t, reloads)
	if got := first.new.Segmentation.SilenceThreshold(); got != 700*time.Millisecond {
		t.Fatalf("silence threshold = %v, want 700ms", got)
	}

	for i, broken := range []string{
		"segmentation:\n  vad_threshold: 1.5\n",
		"pipeline:\n  backpressure: spill\n",
		"segmentation:\n  silence_ms: 300\n",
	} {
		rewrite(t, path, broken, 3+i)
		expectNoReload(t, reloads)
		if got := w.Current().Segmentation.SilenceThreshold(); got != 700*time.Millisecond {
			t.Fatalf("after broken edit %d: silence threshold = %v, want 700ms", i, got)
		}
	}

	rewrite(t, path, "segmentation:\n  silence_threshold_ms: 300\n", 10)
	fixed := nextReload(t, reloads)
	if fixed.old != first.new {
		t.Error("old config of the fixed edit is not the last valid config")
	}
	if d := config.Diff(fixed.old, fixed.new); !d.SilenceThresholdChanged || d.NewSilenceThresholdMs != 300 {
		t.Errorf("diff = %+v, want silence threshold 300", d)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	path, _, reloads := watchFile(t, tunedBaseYAML)

	touch(t, path, 2)
	expectNoReload(t, reloads)
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	path, w, reloads := watchFile(t, tunedBaseYAML)

	w.Stop()
	w.Stop()
	rewrite(t, path, "segmentation:\n  vad_threshold: 0.9\n", 2)
	expectNoReload(t, reloads)
}
