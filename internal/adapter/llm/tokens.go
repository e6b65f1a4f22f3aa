package llm

import (
	"context"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"voxhall/internal/domain"
)

// AccountingProvider accumulates token usage per model tag. When the vendor
// omits usage figures it falls back to a tokenizer estimate.
type AccountingProvider struct {
	inner domain.LLMProvider

	mu     sync.Mutex
	totals map[string]domain.TokenTotals
}

// NewAccountingProvider wraps inner with token accounting.
func NewAccountingProvider(inner domain.LLMProvider) *AccountingProvider {
	return &AccountingProvider{
		inner:  inner,
		totals: make(map[string]domain.TokenTotals),
	}
}

// Generate implements domain.LLMProvider.
func (p *AccountingProvider) Generate(ctx context.Context, req *domain.GenerateRequest) (*domain.GenerateResult, error) {
	result, err := p.inner.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	prompt := result.PromptTokens
	reply := result.ReplyTokens
	if prompt == 0 {
		prompt = estimateTokens(result.ModelTag, req.Persona) + estimateHistoryTokens(result.ModelTag, req.History)
		result.PromptTokens = prompt
	}
	if reply == 0 {
		reply = estimateTokens(result.ModelTag, result.Reply)
		result.ReplyTokens = reply
	}

	p.mu.Lock()
	totals := p.totals[result.ModelTag]
	totals.Prompt += int64(prompt)
	totals.Reply += int64(reply)
	totals.Calls++
	p.totals[result.ModelTag] = totals
	p.mu.Unlock()

	return result, nil
}

// Totals returns a copy of the per-model token counters.
func (p *AccountingProvider) Totals() map[string]domain.TokenTotals {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]domain.TokenTotals, len(p.totals))
	for tag, totals := range p.totals {
		out[tag] = totals
	}
	return out
}

// Name implements domain.LLMProvider.
func (p *AccountingProvider) Name() string { return p.inner.Name() }

// Available implements domain.LLMProvider.
func (p *AccountingProvider) Available() bool { return p.inner.Available() }

var _ domain.LLMProvider = (*AccountingProvider)(nil)

// estimateTokens counts tokens with tiktoken, falling back to a bytes/4
// heuristic for models without a known encoding.
func estimateTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

func estimateHistoryTokens(model string, history []domain.Message) int {
	total := 0
	for _, m := range history {
		total += estimateTokens(model, m.Content)
	}
	return total
}
