package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or is
// rejected by its circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// Stage labels the group in failover logs (e.g. "llm", "tts").
	Stage string

	// CircuitBreaker is the template for each entry's breaker; the entry's
	// provider name is appended to its Name.
	CircuitBreaker CircuitBreakerConfig
}

// fallbackEntry pairs a provider value with its dedicated circuit breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup chains a primary provider with zero or more backups of the
// same type. Calls go to the first entry whose breaker admits them and that
// does not fail; each entry trips independently, so a dead primary is skipped
// without probing it on every call.
//
// FallbackGroup is safe for concurrent use after all fallbacks are added.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
	log     *slog.Logger
}

// NewFallbackGroup creates a group with primary as the first entry. Backups
// are registered via [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{
		cfg: cfg,
		log: slog.Default().With("stage", cfg.Stage),
	}
	g.entries = append(g.entries, g.newEntry(primaryName, primary))
	return g
}

// AddFallback appends a backup provider. Backups are tried in the order they
// were added, after the primary.
func (g *FallbackGroup[T]) AddFallback(name string, fallback T) {
	g.entries = append(g.entries, g.newEntry(name, fallback))
}

func (g *FallbackGroup[T]) newEntry(name string, value T) fallbackEntry[T] {
	cbCfg := g.cfg.CircuitBreaker
	if cbCfg.Name == "" {
		cbCfg.Name = g.cfg.Stage
	}
	cbCfg.Name = cbCfg.Name + "/" + name
	return fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	}
}

// Execute tries fn against each entry in order until one succeeds. Returns
// [ErrAllFailed] wrapped around the last error when every entry fails.
func (g *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(g, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry in the group until one
// succeeds, returning its result. A package-level function because Go methods
// cannot introduce type parameters.
func ExecuteWithResult[T any, R any](g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range g.entries {
		entry := &g.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			if i > 0 {
				g.log.Info("served by fallback provider", "provider", entry.name)
			}
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			g.log.Debug("provider skipped, circuit open", "provider", entry.name)
		} else {
			g.log.Warn("provider failed, trying next", "provider", entry.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
