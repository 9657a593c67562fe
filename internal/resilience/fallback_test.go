package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("secondary", "secondary")

	var called string
	err := fg.Execute(context.Background(), func(v string) error {
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "primary" {
		t.Fatalf("called = %q, want primary", called)
	}
}

func TestFallbackGroup_AllFailWrapsLastError(t *testing.T) {
	lastErr := errors.New("gpu missing")
	fg := NewFallbackGroup("npu", "npu", FallbackConfig{})
	fg.AddFallback("gpu", "gpu")

	err := fg.Execute(context.Background(), func(v string) error {
		if v == "gpu" {
			return lastErr
		}
		return errTest
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, lastErr) {
		t.Fatalf("err = %v, want it to wrap the last failure", err)
	}
}

func TestFallbackGroup_CircuitBreakerSkipsOpenCandidate(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")

	for range 2 {
		_ = fg.Execute(context.Background(), func(v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}

	var calls []string
	err := fg.Execute(context.Background(), func(v string) error {
		calls = append(calls, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calls) != 1 || calls[0] != "secondary" {
		t.Fatalf("calls = %v, want [secondary] (primary circuit should be open)", calls)
	}
}

func TestExecuteWithResult_Failover(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", FallbackConfig{})
	fg.AddFallback("twenty", 20)

	result, name, err := ExecuteWithResult(context.Background(), fg, func(v int) (string, error) {
		if v == 10 {
			return "", errTest
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "from-twenty" || name != "twenty" {
		t.Fatalf("result = %q from %q, want from-twenty from twenty", result, name)
	}
}

func TestExecuteWithResult_CancelledContext(t *testing.T) {
	fg := NewFallbackGroup(1, "one", FallbackConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, _, err := ExecuteWithResult(ctx, fg, func(int) (int, error) {
		called = true
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if called {
		t.Fatal("fn called with cancelled context")
	}
}

func TestNames(t *testing.T) {
	fg := NewFallbackGroup("a", "NPU", FallbackConfig{})
	fg.AddFallback("CPU", "b")
	fg.AddFallback("GPU", "c")
	got := fg.Names()
	want := []string{"NPU", "CPU", "GPU"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Names = %v, want %v", got, want)
		}
	}
}
