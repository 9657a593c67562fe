package app

import (
	"log/slog"

	"github.com/MrWong99/npustt/internal/config"
)

// ApplyConfig applies the hot-reloadable differences between old and new to
// the running app. It is meant as the [config.Watcher] callback. Changes that
// need a restart are logged and otherwise ignored.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VADThresholdChanged {
		if err := a.pipeline.SetVADThreshold(d.NewVADThreshold); err != nil {
			slog.Warn("app: rejected vad threshold", "value", d.NewVADThreshold, "err", err)
		} else {
			slog.Info("vad threshold changed", "value", d.NewVADThreshold)
		}
	}
	if d.SilenceThresholdChanged {
		th := new.Segmentation.SilenceThreshold()
		if err := a.pipeline.SetSilenceThreshold(th); err != nil {
			slog.Warn("app: rejected silence threshold", "value", th, "err", err)
		} else {
			slog.Info("silence threshold changed", "value", th)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("configuration changes require a restart", "sections", d.RestartRequired)
	}
}
