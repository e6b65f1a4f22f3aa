package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"voxhall/internal/domain"
	"voxhall/internal/infra/config"
)

// OpenAIProvider implements domain.LLMProvider for the OpenAI Chat Completions API.
type OpenAIProvider struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewOpenAIProvider creates a provider for the OpenAI Chat Completions API.
func NewOpenAIProvider(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}

	return &OpenAIProvider{
		name:    cfg.Name,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  newHTTPClient(cfg.Timeout),
		logger:  logger,
	}
}

// Name implements domain.LLMProvider.
func (p *OpenAIProvider) Name() string { return p.name }

// Available implements domain.LLMProvider.
func (p *OpenAIProvider) Available() bool { return p.apiKey != "" }

// Generate implements domain.LLMProvider.
func (p *OpenAIProvider) Generate(ctx context.Context, req *domain.GenerateRequest) (*domain.GenerateResult, error) {
	if !p.Available() {
		return nil, domain.NewDomainError("openai.generate", domain.ErrProviderUnavailable, "missing api key")
	}

	model := req.Model
	if model == "" {
		model = p.model
	}

	oaReq := openAIRequest{
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.Persona != "" {
		oaReq.Messages = append(oaReq.Messages, openAIMessage{Role: "system", Content: req.Persona})
	}
	for _, turn := range ChatTurns(req) {
		oaReq.Messages = append(oaReq.Messages, openAIMessage{Role: turn.Role, Content: turn.Content})
	}

	body, err := json.Marshal(oaReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}
	respBody, err := doJSONRequest(ctx, p.client, p.baseURL+"/v1/chat/completions", body, headers)
	if err != nil {
		return nil, err
	}

	var oaResp openAIResponse
	if err := json.Unmarshal(respBody, &oaResp); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response: %v", domain.ErrProviderError, err)
	}
	if len(oaResp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty choices", domain.ErrProviderError)
	}

	result := &domain.GenerateResult{
		Reply:        oaResp.Choices[0].Message.Content,
		ModelTag:     oaResp.Model,
		PromptTokens: oaResp.Usage.PromptTokens,
		ReplyTokens:  oaResp.Usage.CompletionTokens,
	}
	logGenerateCompleted(p.logger, p.name, result)
	return result, nil
}

// --- OpenAI API wire types ---

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}
