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

const defaultElevenLabsVoice = "21m00Tcm4TlvDq8ikWAM" // Rachel

// ElevenLabsTTS implements domain.TTSProvider for the ElevenLabs API.
type ElevenLabsTTS struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewElevenLabsTTS creates an ElevenLabs synthesis provider.
func NewElevenLabsTTS(cfg config.ProviderConfig, logger *slog.Logger) *ElevenLabsTTS {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.elevenlabs.io"
	}
	model := cfg.Model
	if model == "" {
		model = "eleven_multilingual_v2"
	}
	return &ElevenLabsTTS{
		name:    cfg.Name,
		model:   model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  newHTTPClient(cfg.Timeout),
		logger:  logger,
	}
}

// Name implements domain.TTSProvider.
func (p *ElevenLabsTTS) Name() string { return p.name }

// Available implements domain.TTSProvider.
func (p *ElevenLabsTTS) Available() bool { return p.apiKey != "" }

type elevenLabsRequest struct {
	Text          string `json:"text"`
	ModelID       string `json:"model_id"`
	VoiceSettings *struct {
		Stability       float64 `json:"stability,omitempty"`
		SimilarityBoost float64 `json:"similarity_boost,omitempty"`
	} `json:"voice_settings,omitempty"`
}

// Synthesize implements domain.TTSProvider. Output is 24 kHz mono MP3.
func (p *ElevenLabsTTS) Synthesize(ctx context.Context, req *domain.SpeechRequest) (*domain.Audio, error) {
	if !p.Available() {
		return nil, domain.NewDomainError("elevenlabs.synthesize", domain.ErrProviderUnavailable, "missing api key")
	}

	voiceID := req.Voice.Voice
	if voiceID == "" {
		voiceID = defaultElevenLabsVoice
	}

	payload, err := json.Marshal(elevenLabsRequest{Text: req.Text, ModelID: p.model})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=mp3_24000_64", p.baseURL, voiceID)
	httpReq, err := postJSON(ctx, url, payload, map[string]string{"xi-api-key": p.apiKey})
	if err != nil {
		return nil, err
	}

	data, err := doRequest(p.client, httpReq)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("tts synthesis completed",
		"provider", p.name, "voice", voiceID, "chars", len(req.Text), "bytes", len(data))

	return &domain.Audio{Data: data, Format: domain.SynthFormat()}, nil
}

var _ domain.TTSProvider = (*ElevenLabsTTS)(nil)
