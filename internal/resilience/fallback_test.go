package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func twoEndpoints(cfg FallbackConfig) *FallbackGroup[string] {
	if cfg.CircuitBreaker.MaxFailures == 0 {
		cfg.CircuitBreaker.MaxFailures = 3
	}
	fg := NewFallbackGroup("primary", "primary", cfg)
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	t.Parallel()
	fg := twoEndpoints(FallbackConfig{})

	var called string
	err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
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

func TestFallbackGroup_PrimaryFailFallbackSuccess(t *testing.T) {
	t.Parallel()
	fg := twoEndpoints(FallbackConfig{})

	var called string
	err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
		if v == "primary" {
			return errTest
		}
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "secondary" {
		t.Fatalf("called = %q, want secondary", called)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	t.Parallel()
	fg := twoEndpoints(FallbackConfig{})

	err := fg.Execute(context.Background(), func(context.Context, string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want the last error wrapped", err)
	}
}

func TestFallbackGroup_CircuitBreakerSkipsOpenEndpoint(t *testing.T) {
	t.Parallel()
	fg := twoEndpoints(FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})

	for range 2 {
		_ = fg.Execute(context.Background(), func(_ context.Context, v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}

	var called []string
	err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
		called = append(called, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(called) != 1 || called[0] != "secondary" {
		t.Fatalf("called = %v, want only secondary", called)
	}

	st := fg.Statuses()
	if len(st) != 2 || st[0].Name != "primary" || st[0].State != StateOpen || st[1].State != StateClosed {
		t.Errorf("Statuses() = %+v", st)
	}
}

func TestFallbackGroup_ShouldFallbackStops(t *testing.T) {
	t.Parallel()
	errClient := errors.New("422 unprocessable")
	fg := twoEndpoints(FallbackConfig{
		ShouldFallback: func(err error) bool { return !errors.Is(err, errClient) },
	})

	var called []string
	err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
		called = append(called, v)
		return errClient
	})
	if !errors.Is(err, errClient) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want the unwrapped client error", err)
	}
	if len(called) != 1 {
		t.Fatalf("called = %v, want primary only", called)
	}
}

func TestFallbackGroup_CancelledContext(t *testing.T) {
	t.Parallel()
	fg := twoEndpoints(FallbackConfig{})
	ctx, cancel := context.WithCancel(context.Background())

	var called []string
	err := fg.Execute(ctx, func(_ context.Context, v string) error {
		called = append(called, v)
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(called) != 1 {
		t.Fatalf("called = %v, cancellation should stop failover", called)
	}
	if fg.Statuses()[0].State != StateClosed {
		t.Error("cancellation counted against the breaker")
	}
}

func TestExecuteWithResult_Success(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup(10, "ten", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("twenty", 20)

	result, err := ExecuteWithResult(context.Background(), fg, func(_ context.Context, v int) (string, error) {
		if v == 10 {
			return "from-ten", nil
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "from-ten" {
		t.Fatalf("result = %q, want from-ten", result)
	}
	if fg.Len() != 2 {
		t.Errorf("Len() = %d, want 2", fg.Len())
	}
}

func TestExecuteWithResult_Failover(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup(10, "ten", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("twenty", 20)

	result, err := ExecuteWithResult(context.Background(), fg, func(_ context.Context, v int) (string, error) {
		if v == 10 {
			return "", errTest
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "from-twenty" {
		t.Fatalf("result = %q, want from-twenty", result)
	}
}

func TestExecuteWithResult_AllFail(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup(10, "ten", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})

	_, err := ExecuteWithResult(context.Background(), fg, func(context.Context, int) (string, error) {
		return "", errTest
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
