package speech

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

// openAIVoices is the closed set of voices the OpenAI speech endpoint accepts.
var openAIVoices = map[string]bool{
	"alloy": true, "ash": true, "coral": true, "echo": true,
	"fable": true, "onyx": true, "nova": true, "sage": true, "shimmer": true,
}

// OpenAITTS implements domain.TTSProvider for the OpenAI speech endpoint.
type OpenAITTS struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewOpenAITTS creates an OpenAI synthesis provider.
func NewOpenAITTS(cfg config.ProviderConfig, logger *slog.Logger) *OpenAITTS {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	model := cfg.Model
	if model == "" {
		model = "tts-1"
	}
	return &OpenAITTS{
		name:    cfg.Name,
		model:   model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  newHTTPClient(cfg.Timeout),
		logger:  logger,
	}
}

// Name implements domain.TTSProvider.
func (p *OpenAITTS) Name() string { return p.name }

// Available implements domain.TTSProvider.
func (p *OpenAITTS) Available() bool { return p.apiKey != "" }

type openAITTSRequest struct {
	Model  string  `json:"model"`
	Input  string  `json:"input"`
	Voice  string  `json:"voice"`
	Speed  float64 `json:"speed,omitempty"`
	Format string  `json:"response_format,omitempty"`
}

// Synthesize implements domain.TTSProvider.
func (p *OpenAITTS) Synthesize(ctx context.Context, req *domain.SpeechRequest) (*domain.Audio, error) {
	if !p.Available() {
		return nil, domain.NewDomainError("openai.synthesize", domain.ErrProviderUnavailable, "missing api key")
	}

	voice := req.Voice.Voice
	if voice == "" {
		voice = "alloy"
	}
	if !openAIVoices[voice] {
		return nil, domain.NewDomainError("openai.synthesize", domain.ErrUnsupportedVoice, voice)
	}

	payload, err := json.Marshal(openAITTSRequest{
		Model:  p.model,
		Input:  req.Text,
		Voice:  voice,
		Speed:  req.Voice.Rate,
		Format: "mp3",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := postJSON(ctx, p.baseURL+"/v1/audio/speech", payload,
		map[string]string{"Authorization": "Bearer " + p.apiKey})
	if err != nil {
		return nil, err
	}

	data, err := doRequest(p.client, httpReq)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("tts synthesis completed",
		"provider", p.name, "voice", voice, "chars", len(req.Text), "bytes", len(data))

	return &domain.Audio{Data: data, Format: domain.SynthFormat()}, nil
}

var _ domain.TTSProvider = (*OpenAITTS)(nil)
