package inference

import (
	"errors"
	"fmt"
	"slices"

	"github.com/MrWong99/npustt/pkg/provider/stt"
	"github.com/MrWong99/npustt/pkg/provider/vad"
)

// Config describes the model an [Adapter] prepares. It is validated once in
// [New] before the backend is touched.
type Config struct {
	// ModelLocation is passed verbatim to the backend.
	ModelLocation string

	// Device is the preferred target. Default: "NPU".
	Device string

	// DeviceFallbacks are tried in order when Device cannot prepare the
	// model.
	DeviceFallbacks []string

	// StaticInputLength is the compiled input length in samples requested
	// from the backend, or 0 for a variable-length model. The length the
	// model reports after preparation is authoritative.
	StaticInputLength int

	// SampleRate is the rate of the audio fed to Transcribe.
	SampleRate int

	// OutputStride overrides the model's reported samples-per-frame ratio
	// when positive.
	OutputStride int

	// Language is a hint for multilingual models.
	Language string

	// Options are backend-specific settings.
	Options map[string]string
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	var errs []error
	if c.Device == "" {
		errs = append(errs, errors.New("device is required"))
	}
	if c.StaticInputLength < 0 {
		errs = append(errs, fmt.Errorf("static input length %d is negative", c.StaticInputLength))
	}
	if c.OutputStride < 0 {
		errs = append(errs, fmt.Errorf("output stride %d is negative", c.OutputStride))
	}
	if err := vad.CheckSampleRate(c.SampleRate); err != nil {
		errs = append(errs, err)
	}
	for _, d := range c.DeviceFallbacks {
		if d == "" {
			errs = append(errs, errors.New("device fallback is empty"))
		}
	}
	return errors.Join(errs...)
}

func (c Config) devices() []string {
	out := []string{c.Device}
	for _, d := range c.DeviceFallbacks {
		if !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	return out
}

func (c Config) prepareConfig() stt.PrepareConfig {
	return stt.PrepareConfig{
		ModelLocation:     c.ModelLocation,
		Device:            c.Device,
		StaticInputLength: c.StaticInputLength,
		SampleRate:        c.SampleRate,
		Language:          c.Language,
		Options:           c.Options,
	}
}
