package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/pitchpractice/internal/config"
	"github.com/MrWong99/pitchpractice/internal/health"
	"github.com/MrWong99/pitchpractice/internal/observe"
	"github.com/MrWong99/pitchpractice/internal/resilience"
	"github.com/MrWong99/pitchpractice/pkg/provider/llm"
	"github.com/MrWong99/pitchpractice/pkg/provider/stt"
)

// Providers holds the provider chains the backend runs on.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider

	// Checks report a chain as degraded when all its breakers are open.
	Checks []health.Checker
}

// BuildProviders instantiates the configured STT and LLM entries through
// reg. The first usable entry of each list is the primary; later entries are
// fallbacks, each behind its own circuit breaker. Entries whose name is not
// registered are skipped with a warning. It is an error when a kind ends up
// with no provider at all.
func BuildProviders(cfg config.ProvidersConfig, reg *config.Registry, metrics *observe.Metrics) (*Providers, error) {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	fcfg := fallbackConfig(metrics)

	var sttChain *resilience.STTFallback
	var errs []error
	for i, entry := range cfg.STT {
		p, err := reg.CreateSTT(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("provider not registered, skipping", "kind", "stt", "name", entry.Name)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("app: create stt provider %q: %w", entry.Name, err))
			continue
		}
		label := entryLabel("stt", i, entry)
		if sttChain == nil {
			sttChain = resilience.NewSTTFallback(p, label, fcfg)
		} else {
			sttChain.AddFallback(label, p)
		}
		slog.Info("provider created", "kind", "stt", "name", entry.Name, "model", entry.Model, "fallback", i > 0)
	}

	var llmChain *resilience.LLMFallback
	for i, entry := range cfg.LLM {
		p, err := reg.CreateLLM(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("provider not registered, skipping", "kind", "llm", "name", entry.Name)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("app: create llm provider %q: %w", entry.Name, err))
			continue
		}
		label := entryLabel("llm", i, entry)
		if llmChain == nil {
			llmChain = resilience.NewLLMFallback(p, label, fcfg)
		} else {
			llmChain.AddFallback(label, p)
		}
		slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model, "fallback", i > 0)
	}

	if sttChain == nil {
		errs = append(errs, errors.New("app: no usable stt provider configured"))
	}
	if llmChain == nil {
		errs = append(errs, errors.New("app: no usable llm provider configured"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Providers{
		STT: sttChain,
		LLM: llmChain,
		Checks: []health.Checker{
			{Name: "stt", Check: sttChain.Group().Available, Optional: true},
			{Name: "llm", Check: llmChain.Group().Available, Optional: true},
		},
	}, nil
}

// fallbackConfig reports breaker transitions as metrics. A canceled request
// says nothing about the provider's health.
func fallbackConfig(metrics *observe.Metrics) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			IsFailure: func(err error) bool {
				return err != nil && !errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("provider circuit breaker transition", "provider", name, "from", from, "to", to)
				metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
	}
}

// entryLabel names a chain entry. The same provider may appear twice with
// different models, so the position disambiguates.
func entryLabel(kind string, i int, e config.ProviderEntry) string {
	label := fmt.Sprintf("%s/%d/%s", kind, i, e.Name)
	if e.Model != "" {
		label += ":" + e.Model
	}
	return label
}
