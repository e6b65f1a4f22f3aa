package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"voxhall/internal/domain"
	"voxhall/internal/infra/config"
)

// WhisperSTT implements batch transcription against the OpenAI audio API.
// Streaming sessions are emulated: audio sent to a session is accumulated
// and transcribed once when the session is closed, emitting one final
// transcript.
type WhisperSTT struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewWhisperSTT creates a Whisper transcription provider.
func NewWhisperSTT(cfg config.ProviderConfig, logger *slog.Logger) *WhisperSTT {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	model := cfg.Model
	if model == "" {
		model = "whisper-1"
	}
	return &WhisperSTT{
		name:    cfg.Name,
		model:   model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  newHTTPClient(cfg.Timeout),
		logger:  logger,
	}
}

// Name implements domain.STTProvider.
func (p *WhisperSTT) Name() string { return p.name }

// Available implements domain.STTProvider.
func (p *WhisperSTT) Available() bool { return p.apiKey != "" }

type whisperResponse struct {
	Text     string `json:"text"`
	Segments []struct {
		AvgLogprob   float64 `json:"avg_logprob"`
		NoSpeechProb float64 `json:"no_speech_prob"`
	} `json:"segments,omitempty"`
}

// Transcribe implements domain.STTProvider.
func (p *WhisperSTT) Transcribe(ctx context.Context, in *domain.Audio, lang string) (*domain.Transcript, error) {
	if !p.Available() {
		return nil, domain.NewDomainError("whisper.transcribe", domain.ErrProviderUnavailable, "missing api key")
	}
	if len(in.Data) == 0 {
		return nil, domain.NewDomainError("whisper.transcribe", domain.ErrInvalidArgument, "empty audio")
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	fw, err := form.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("create form: %w", err)
	}
	if _, err := fw.Write(wavWrap(in)); err != nil {
		return nil, fmt.Errorf("write form: %w", err)
	}
	form.WriteField("model", p.model)
	if lang != "" {
		form.WriteField("language", lang)
	}
	form.WriteField("response_format", "verbose_json")
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("close form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/audio/transcriptions", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	body, err := doRequest(p.client, httpReq)
	if err != nil {
		return nil, err
	}

	var resp whisperResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response: %v", domain.ErrProviderError, err)
	}

	return &domain.Transcript{
		Text:       strings.TrimSpace(resp.Text),
		Confidence: whisperConfidence(resp),
		Final:      true,
		Timestamp:  time.Now(),
	}, nil
}

// whisperConfidence derives a 0..1 confidence from segment log-probabilities.
// Whisper reports no direct confidence; exp(avg_logprob) is the usual proxy.
func whisperConfidence(resp whisperResponse) float64 {
	if len(resp.Segments) == 0 {
		return 1.0
	}
	var sum float64
	for _, s := range resp.Segments {
		conf := math.Exp(s.AvgLogprob) * (1 - s.NoSpeechProb)
		sum += math.Min(math.Max(conf, 0), 1)
	}
	return sum / float64(len(resp.Segments))
}

// OpenSession implements domain.STTProvider by accumulating audio and
// transcribing on Close.
func (p *WhisperSTT) OpenSession(ctx context.Context, sessionID, lang string) (domain.STTSession, error) {
	if !p.Available() {
		return nil, domain.NewDomainError("whisper.open", domain.ErrProviderUnavailable, "missing api key")
	}
	s := &whisperSession{
		provider: p,
		ctx:      ctx,
		id:       sessionID,
		lang:     lang,
		results:  make(chan domain.Transcript, 8),
	}
	return s, nil
}

type whisperSession struct {
	provider *WhisperSTT
	ctx      context.Context
	id       string
	lang     string

	mu      sync.Mutex
	pending []byte
	closed  bool
	results chan domain.Transcript
}

func (s *whisperSession) Send(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.WrapOp("whisper.session", domain.ErrCancelled)
	}
	s.pending = append(s.pending, chunk...)
	return nil
}

func (s *whisperSession) Results() <-chan domain.Transcript { return s.results }

func (s *whisperSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	defer close(s.results)

	if len(pending) == 0 {
		return nil
	}
	tr, err := s.provider.Transcribe(s.ctx, &domain.Audio{
		Data:   pending,
		Format: domain.AudioFormat{Codec: domain.CodecPCM16, SampleRate: 16000, Channels: 1},
	}, s.lang)
	if err != nil {
		return err
	}
	tr.Session = s.id
	s.results <- *tr
	return nil
}

var _ domain.STTProvider = (*WhisperSTT)(nil)
