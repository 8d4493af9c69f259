package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmallek/edgevox/internal/observe"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has
// an open circuit breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the per-entry breaker template; each provider gets
	// its own breaker named after it.
	CircuitBreaker CircuitBreakerConfig

	// Kind labels the provider family ("stt", "llm", "tts") on request and
	// error metrics. Default "provider".
	Kind string

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Metrics holds the instruments request outcomes are recorded on.
	// Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// fallbackEntry pairs a provider value with its dedicated circuit breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup wraps a primary and zero or more fallback instances of the
// same provider type. When the primary fails (or its circuit breaker is
// open), the next healthy fallback is tried in registration order. Every
// attempt lands on the provider request counter with its outcome.
//
// FallbackGroup is safe for concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
	kind    string
	log     *slog.Logger
	met     *observe.Metrics
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
// Additional fallbacks are registered via [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{
		cfg:  cfg,
		kind: cfg.Kind,
		log:  cfg.Logger,
		met:  cfg.Metrics,
	}
	if fg.kind == "" {
		fg.kind = "provider"
	}
	if fg.log == nil {
		fg.log = slog.Default()
	}
	if fg.met == nil {
		fg.met = observe.DefaultMetrics()
	}
	fg.entries = []fallbackEntry[T]{{
		name:    primaryName,
		value:   primary,
		breaker: fg.newBreaker(primaryName),
	}}
	return fg
}

// AddFallback appends a fallback provider. Fallbacks are tried in the order
// they are added, after the primary.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: fg.newBreaker(name),
	})
}

func (fg *FallbackGroup[T]) newBreaker(name string) *CircuitBreaker {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	cbCfg.Logger = fg.log
	return NewCircuitBreaker(cbCfg)
}

// Execute tries fn against each entry in order until one succeeds.
// Circuit-breaker-open entries are skipped. Returns [ErrAllFailed] wrapped
// with the last error if every entry fails.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry in the group until one
// succeeds, returning both the result value and error. This is a
// package-level function because Go does not support method-level type
// parameters.
func ExecuteWithResult[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			fg.met.RecordProviderRequest(ctx, entry.name, fg.kind, "ok")
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			fg.log.Debug("resilience: circuit open, skipping provider",
				"provider", entry.name, "kind", fg.kind)
			continue
		}
		fg.met.RecordProviderRequest(ctx, entry.name, fg.kind, "error")
		fg.met.RecordProviderError(ctx, entry.name, fg.kind)
		fg.log.Warn("resilience: provider failed, trying next",
			"provider", entry.name, "kind", fg.kind, "error", err)
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
