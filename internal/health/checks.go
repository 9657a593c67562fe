package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/npustt/internal/resilience"
)

// Running reports a failure while running returns false. Typical use is
// liveness of a pipeline: Running("pipeline", p.Running).
func Running(name string, running func() bool) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if running == nil || !running() {
				return errors.New("not running")
			}
			return nil
		},
	}
}

// Ready reports a failure until ready returns true, then stays healthy as long
// as ready does. The app uses it for "model prepared".
func Ready(name string, ready func() bool) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if ready == nil || !ready() {
				return errors.New("not ready")
			}
			return nil
		},
	}
}

// Breaker fails while cb is open. A nil breaker is always healthy.
func Breaker(cb *resilience.CircuitBreaker) Checker {
	name := "circuit_breaker"
	if cb != nil && cb.Name() != "" {
		name = cb.Name()
	}
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if cb == nil {
				return nil
			}
			if s := cb.State(); s == resilience.StateOpen {
				return fmt.Errorf("%s after %d consecutive failures", s, cb.Failures())
			}
			return nil
		},
	}
}

// BreakerState is the readiness detail of a circuit breaker.
type BreakerState struct {
	Name     string `json:"name,omitempty"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

// BreakerDetail returns a [WithDetail] function reporting cb's state. A nil
// breaker reports closed.
func BreakerDetail(cb *resilience.CircuitBreaker) func() any {
	return func() any {
		if cb == nil {
			return BreakerState{State: resilience.StateClosed.String()}
		}
		return BreakerState{Name: cb.Name(), State: cb.State().String(), Failures: cb.Failures()}
	}
}

// Pinger is implemented by sinks backed by a connection, such as the SQLite
// journal.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks p with the request context.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// Connected fails while healthy returns false. It fits clients that expose
// connection state without a round trip, such as the NATS publisher.
func Connected(name string, healthy func() bool) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if !healthy() {
				return errors.New("disconnected")
			}
			return nil
		},
	}
}
