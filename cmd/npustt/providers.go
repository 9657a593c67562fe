package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/MrWong99/npustt/internal/app"
	"github.com/MrWong99/npustt/internal/config"
	"github.com/MrWong99/npustt/pkg/audio"
	"github.com/MrWong99/npustt/pkg/audio/wavfile"
	"github.com/MrWong99/npustt/pkg/provider/stt"
	sttexec "github.com/MrWong99/npustt/pkg/provider/stt/exec"
	"github.com/MrWong99/npustt/pkg/provider/stt/whisper"
	"github.com/MrWong99/npustt/pkg/provider/vad"
	"github.com/MrWong99/npustt/pkg/provider/vad/energy"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterBackend("exec", func(entry config.ProviderEntry) (stt.Backend, error) {
		command := entry.OptionString("command")
		if command == "" {
			return nil, errors.New("exec: options.command is required; set providers.stt.options.command or pass -stt-command")
		}
		var opts []sttexec.Option
		if dir := entry.OptionString("temp_dir"); dir != "" {
			opts = append(opts, sttexec.WithTempDir(dir))
		}
		return sttexec.New(command, opts...)
	})

	reg.RegisterBackend("whisper", func(entry config.ProviderEntry) (stt.Backend, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterBackend("whisper-native", func(entry config.ProviderEntry) (stt.Backend, error) {
		var opts []whisper.NativeOption
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(opts...), nil
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterClassifier("energy", func(entry config.ProviderEntry) (vad.Classifier, error) {
		var opts []energy.Option
		if v := entry.OptionString("reference_rms"); v != "" {
			ref, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("energy: options.reference_rms: %w", err)
			}
			opts = append(opts, energy.WithReferenceRMS(ref))
		}
		return energy.New(opts...)
	})

	// ── Sources ───────────────────────────────────────────────────────────────

	reg.RegisterSource("wav", func(entry config.ProviderEntry, a config.AudioConfig) (audio.Source, error) {
		realtime, err := optBool(entry, "realtime")
		if err != nil {
			return nil, err
		}
		return wavfile.Open(entry.OptionString("path"), wavfile.Options{
			SampleRate: a.SampleRate,
			BlockSize:  a.BlockSize,
			Realtime:   realtime,
		})
	})

	reg.RegisterSource("synthetic", func(entry config.ProviderEntry, a config.AudioConfig) (audio.Source, error) {
		realtime, err := optBool(entry, "realtime")
		if err != nil {
			return nil, err
		}
		return audio.NewSyntheticSource(syntheticPattern, a.BlockSize, a.SampleRate, realtime), nil
	})
}

// syntheticPattern is two utterances separated by enough silence to end the
// first one at the default threshold.
var syntheticPattern = []audio.Span{
	{Speech: false, Duration: 300 * time.Millisecond},
	{Speech: true, Duration: 1500 * time.Millisecond},
	{Speech: false, Duration: 800 * time.Millisecond},
	{Speech: true, Duration: 2 * time.Second},
	{Speech: false, Duration: time.Second},
}

// buildProviders instantiates every configured provider via reg.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	p := &app.Providers{}
	var err error

	p.Backend, err = reg.CreateBackend(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	p.Classifier, err = reg.CreateClassifier(cfg.Providers.VAD)
	if err != nil {
		return nil, fmt.Errorf("vad provider %q: %w", cfg.Providers.VAD.Name, err)
	}
	slog.Info("provider created", "kind", "vad", "name", cfg.Providers.VAD.Name)

	p.Source, err = reg.CreateSource(cfg.Providers.Source, cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", cfg.Providers.Source.Name, err)
	}
	slog.Info("provider created", "kind", "source", "name", cfg.Providers.Source.Name)

	return p, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optBool parses a boolean provider option. An absent key is false.
func optBool(entry config.ProviderEntry, key string) (bool, error) {
	v := entry.OptionString(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("options.%s: %w", key, err)
	}
	return b, nil
}
