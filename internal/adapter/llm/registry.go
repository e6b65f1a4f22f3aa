package llm

import (
	"log/slog"

	"voxhall/internal/domain"
	"voxhall/internal/infra/config"
)

// Registry holds the process's named LLM providers. Providers are created at
// startup; ones missing credentials register anyway and report unavailable.
type Registry struct {
	providers map[string]domain.LLMProvider
	defaultID string
	logger    *slog.Logger
}

// NewRegistry builds the provider set from config. Each provider is stacked
// as accounting → gate → breaker → vendor adapter.
func NewRegistry(cfg config.LLMConfig, logger *slog.Logger) *Registry {
	r := &Registry{
		providers: make(map[string]domain.LLMProvider),
		defaultID: cfg.DefaultProvider,
		logger:    logger,
	}

	for _, pc := range cfg.Providers {
		if pc.Timeout == 0 {
			pc.Timeout = cfg.Timeout
		}

		var provider domain.LLMProvider
		switch pc.Type {
		case "anthropic":
			provider = NewAnthropicProvider(pc, logger)
		case "openai":
			provider = NewOpenAIProvider(pc, logger)
		default:
			logger.Warn("skipping llm provider with unknown type", "name", pc.Name, "type", pc.Type)
			continue
		}

		if cfg.CircuitBreaker.Enabled {
			provider = NewCircuitBreakerProvider(provider, cfg.CircuitBreaker, logger)
		}
		provider = NewAccountingProvider(NewGatedProvider(provider, cfg.MinInterval))

		r.providers[pc.Name] = provider
		if r.defaultID == "" {
			r.defaultID = pc.Name
		}
		logger.Info("llm provider registered",
			"name", pc.Name, "type", pc.Type, "available", provider.Available())
	}

	return r
}

// Get returns the named provider, or the default when name is empty.
func (r *Registry) Get(name string) (domain.LLMProvider, error) {
	if name == "" {
		name = r.defaultID
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, domain.NewDomainError("llm.registry", domain.ErrNotFound, "provider "+name)
	}
	return p, nil
}

// Totals aggregates per-model token usage across all providers.
func (r *Registry) Totals() map[string]domain.TokenTotals {
	out := make(map[string]domain.TokenTotals)
	for _, p := range r.providers {
		acct, ok := p.(*AccountingProvider)
		if !ok {
			continue
		}
		for tag, totals := range acct.Totals() {
			agg := out[tag]
			agg.Prompt += totals.Prompt
			agg.Reply += totals.Reply
			agg.Calls += totals.Calls
			out[tag] = agg
		}
	}
	return out
}
