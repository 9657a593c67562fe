package health

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/npustt/internal/resilience"
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestCheckers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	open := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "inference",
		MaxFailures:  1,
		ResetTimeout: time.Hour,
	})
	_ = open.Execute(func() error { return errors.New("device lost") })

	closed := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "inference", MaxFailures: 3})

	tests := []struct {
		name     string
		checker  Checker
		wantName string
		wantErr  string
	}{
		{"running", Running("pipeline", func() bool { return true }), "pipeline", ""},
		{"stopped", Running("pipeline", func() bool { return false }), "pipeline", "not running"},
		{"nil running func", Running("pipeline", nil), "pipeline", "not running"},
		{"ready", Ready("model", func() bool { return true }), "model", ""},
		{"not ready", Ready("model", func() bool { return false }), "model", "not ready"},
		{"breaker closed", Breaker(closed), "inference", ""},
		{"breaker open", Breaker(open), "inference", "open after 1 consecutive failures"},
		{"nil breaker", Breaker(nil), "circuit_breaker", ""},
		{"ping ok", Ping("journal", pingFunc(func(context.Context) error { return nil })), "journal", ""},
		{"ping fails", Ping("journal", pingFunc(func(context.Context) error { return errors.New("database is closed") })), "journal", "database is closed"},
		{"connected", Connected("nats", func() bool { return true }), "nats", ""},
		{"disconnected", Connected("nats", func() bool { return false }), "nats", "disconnected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if tt.checker.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", tt.checker.Name, tt.wantName)
			}
			err := tt.checker.Check(ctx)
			switch {
			case tt.wantErr == "" && err != nil:
				t.Errorf("Check() = %v, want nil", err)
			case tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)):
				t.Errorf("Check() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
