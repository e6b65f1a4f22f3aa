package llm

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"voxhall/internal/domain"
)

// GatedProvider enforces a minimum interval between requests per agent.
// Requests arriving inside the interval are rejected immediately, not queued:
// a voice turn that cannot get a reply now has no use for one later.
type GatedProvider struct {
	inner    domain.LLMProvider
	interval time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewGatedProvider wraps inner with a per-agent minimum request interval.
// A non-positive interval disables the gate.
func NewGatedProvider(inner domain.LLMProvider, interval time.Duration) *GatedProvider {
	return &GatedProvider{
		inner:    inner,
		interval: interval,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Generate implements domain.LLMProvider.
func (p *GatedProvider) Generate(ctx context.Context, req *domain.GenerateRequest) (*domain.GenerateResult, error) {
	if p.interval > 0 && !p.limiter(req.AgentID).Allow() {
		return nil, domain.NewDomainError("llm.gate", domain.ErrRateLimited, "agent "+req.AgentID)
	}
	return p.inner.Generate(ctx, req)
}

func (p *GatedProvider) limiter(agentID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	lim, ok := p.limiters[agentID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(p.interval), 1)
		p.limiters[agentID] = lim
	}
	return lim
}

// Forget releases the rate state for an agent that no longer exists.
func (p *GatedProvider) Forget(agentID string) {
	p.mu.Lock()
	delete(p.limiters, agentID)
	p.mu.Unlock()
}

// Name implements domain.LLMProvider.
func (p *GatedProvider) Name() string { return p.inner.Name() }

// Available implements domain.LLMProvider.
func (p *GatedProvider) Available() bool { return p.inner.Available() }

var _ domain.LLMProvider = (*GatedProvider)(nil)
