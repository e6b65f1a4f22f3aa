package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"voxhall/internal/domain"
	"voxhall/internal/infra/config"
	"voxhall/internal/infra/tracer"
)

const defaultAnthropicVersion = "2023-06-01"

// AnthropicProvider implements domain.LLMProvider for the Anthropic Messages API.
type AnthropicProvider struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	version string
}

// NewAnthropicProvider creates a provider for the Anthropic Messages API.
// A provider with no API key starts in the unavailable state and rejects
// generation until credentials appear in the config.
func NewAnthropicProvider(cfg config.ProviderConfig, logger *slog.Logger) *AnthropicProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}

	return &AnthropicProvider{
		name:    cfg.Name,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  newHTTPClient(cfg.Timeout),
		logger:  logger,
		version: defaultAnthropicVersion,
	}
}

// Name implements domain.LLMProvider.
func (p *AnthropicProvider) Name() string { return p.name }

// Available implements domain.LLMProvider.
func (p *AnthropicProvider) Available() bool { return p.apiKey != "" }

// Generate implements domain.LLMProvider.
func (p *AnthropicProvider) Generate(ctx context.Context, req *domain.GenerateRequest) (*domain.GenerateResult, error) {
	if !p.Available() {
		return nil, domain.NewDomainError("anthropic.generate", domain.ErrProviderUnavailable, "missing api key")
	}

	ctx, span := tracer.StartSpan(ctx, "llm.generate",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", p.modelFor(req)),
		),
	)
	defer span.End()

	body, err := json.Marshal(toAnthropicRequest(req, p.modelFor(req)))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": p.version,
	}

	respBody, err := doJSONRequest(ctx, p.client, p.baseURL+"/v1/messages", body, headers)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var antResp anthropicResponse
	if err := json.Unmarshal(respBody, &antResp); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("%w: unmarshal response: %v", domain.ErrProviderError, err)
	}

	result := fromAnthropicResponse(antResp)
	tracer.SetOK(span)
	logGenerateCompleted(p.logger, p.name, result)

	return result, nil
}

func (p *AnthropicProvider) modelFor(req *domain.GenerateRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.model
}

// --- Anthropic API wire types ---

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func toAnthropicRequest(req *domain.GenerateRequest, model string) anthropicRequest {
	antReq := anthropicRequest{
		Model:       model,
		System:      req.Persona,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if antReq.MaxTokens <= 0 {
		antReq.MaxTokens = 1024
	}

	for _, m := range ChatTurns(req) {
		antReq.Messages = append(antReq.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	return antReq
}

func fromAnthropicResponse(resp anthropicResponse) *domain.GenerateResult {
	result := &domain.GenerateResult{
		ModelTag:     resp.Model,
		PromptTokens: resp.Usage.InputTokens,
		ReplyTokens:  resp.Usage.OutputTokens,
	}
	for _, block := range resp.Content {
		if block.Type == "text" {
			result.Reply = block.Text
		}
	}
	return result
}
