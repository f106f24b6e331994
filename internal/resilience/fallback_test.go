package resilience

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func stringGroup() *FallbackGroup[string] {
	g := NewFallbackGroup("primary", "primary", FallbackConfig{
		Stage:          "tts",
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	g.AddFallback("secondary", "secondary")
	return g
}

func TestFallbackGroup_PrimaryServes(t *testing.T) {
	t.Parallel()

	g := stringGroup()
	var called string
	if err := g.Execute(func(v string) error { called = v; return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "primary" {
		t.Fatalf("called = %q, want primary", called)
	}
}

func TestFallbackGroup_FailoverToSecondary(t *testing.T) {
	t.Parallel()

	g := stringGroup()
	var called string
	err := g.Execute(func(v string) error {
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

	g := stringGroup()
	err := g.Execute(func(string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	// The last underlying failure rides along for diagnostics.
	if !strings.Contains(err.Error(), errTest.Error()) {
		t.Fatalf("err = %v, want the last failure included", err)
	}
}

func TestFallbackGroup_OpenBreakerSkipsPrimary(t *testing.T) {
	t.Parallel()

	g := NewFallbackGroup("primary", "primary", FallbackConfig{
		Stage: "llm",
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  2,
			ResetTimeout: time.Hour,
		},
	})
	g.AddFallback("secondary", "secondary")

	// Trip the primary's breaker.
	primaryCalls := 0
	for i := 0; i < 2; i++ {
		_ = g.Execute(func(v string) error {
			if v == "primary" {
				primaryCalls++
				return errTest
			}
			return nil
		})
	}

	// The primary is now skipped without being probed.
	var called string
	err := g.Execute(func(v string) error {
		if v == "primary" {
			primaryCalls++
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
	if primaryCalls != 2 {
		t.Fatalf("primary probed %d times, want 2 (open breaker must not forward)", primaryCalls)
	}
}

func TestFallbackGroup_BreakerNamesCarryStage(t *testing.T) {
	t.Parallel()

	g := stringGroup()
	if got := g.entries[0].breaker.name; got != "tts/primary" {
		t.Errorf("primary breaker name = %q, want tts/primary", got)
	}
	if got := g.entries[1].breaker.name; got != "tts/secondary" {
		t.Errorf("secondary breaker name = %q, want tts/secondary", got)
	}
}

func TestExecuteWithResult_Success(t *testing.T) {
	t.Parallel()

	g := NewFallbackGroup(10, "ten", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	g.AddFallback("twenty", 20)

	result, err := ExecuteWithResult(g, func(v int) (string, error) {
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
}

func TestExecuteWithResult_Failover(t *testing.T) {
	t.Parallel()

	g := NewFallbackGroup(10, "ten", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	g.AddFallback("twenty", 20)

	result, err := ExecuteWithResult(g, func(v int) (string, error) {
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

	g := NewFallbackGroup(10, "ten", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	_, err := ExecuteWithResult(g, func(int) (string, error) {
		return "", errTest
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
