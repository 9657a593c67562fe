package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/npustt/pkg/provider/stt"
)

// PrepareOnDevices prepares backend on the first device in devices that
// works. cfg.Device is overwritten per attempt. The first device is the
// preferred target; the rest are fallbacks tried in order. The returned error
// wraps stt.ErrBackendUnavailable and the last device's failure.
func PrepareOnDevices(ctx context.Context, backend stt.Backend, cfg stt.PrepareConfig, devices []string) (stt.Model, error) {
	if len(devices) == 0 {
		devices = []string{cfg.Device}
	}
	// One-shot: a single failure per device is conclusive.
	group := NewFallbackGroup(devices[0], devices[0], FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})
	for _, d := range devices[1:] {
		group.AddFallback(d, d)
	}

	model, _, err := ExecuteWithResult(ctx, group, func(device string) (stt.Model, error) {
		c := cfg
		c.Device = device
		return backend.Prepare(ctx, c)
	})
	if err != nil {
		if errors.Is(err, stt.ErrBackendUnavailable) {
			return nil, fmt.Errorf("devices %v: %w", group.Names(), err)
		}
		return nil, fmt.Errorf("%w: devices %v: %w", stt.ErrBackendUnavailable, group.Names(), err)
	}
	return model, nil
}
