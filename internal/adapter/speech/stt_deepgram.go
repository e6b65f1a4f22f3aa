package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"voxhall/internal/domain"
	"voxhall/internal/infra/config"
)

// DeepgramSTT implements domain.STTProvider against the Deepgram API:
// prerecorded transcription over HTTP, live transcription over websocket.
type DeepgramSTT struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	wsURL   string
	client  *http.Client
	logger  *slog.Logger
}

// NewDeepgramSTT creates a Deepgram transcription provider.
func NewDeepgramSTT(cfg config.ProviderConfig, logger *slog.Logger) *DeepgramSTT {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.deepgram.com"
	}
	model := cfg.Model
	if model == "" {
		model = "nova-2"
	}
	wsURL := "wss://" + strings.TrimPrefix(strings.TrimPrefix(baseURL, "https://"), "http://")
	return &DeepgramSTT{
		name:    cfg.Name,
		model:   model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		wsURL:   wsURL,
		client:  newHTTPClient(cfg.Timeout),
		logger:  logger,
	}
}

// Name implements domain.STTProvider.
func (p *DeepgramSTT) Name() string { return p.name }

// Available implements domain.STTProvider.
func (p *DeepgramSTT) Available() bool { return p.apiKey != "" }

type deepgramResult struct {
	IsFinal bool `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	Results *struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results,omitempty"`
}

// Transcribe implements domain.STTProvider using the prerecorded endpoint.
func (p *DeepgramSTT) Transcribe(ctx context.Context, in *domain.Audio, lang string) (*domain.Transcript, error) {
	if !p.Available() {
		return nil, domain.NewDomainError("deepgram.transcribe", domain.ErrProviderUnavailable, "missing api key")
	}
	if len(in.Data) == 0 {
		return nil, domain.NewDomainError("deepgram.transcribe", domain.ErrInvalidArgument, "empty audio")
	}

	params := url.Values{}
	params.Set("model", p.model)
	if lang != "" {
		params.Set("language", lang)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/listen?"+params.Encode(), bytes.NewReader(wavWrap(in)))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Token "+p.apiKey)
	httpReq.Header.Set("Content-Type", "audio/wav")

	body, err := doRequest(p.client, httpReq)
	if err != nil {
		return nil, err
	}

	var resp deepgramResult
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response: %v", domain.ErrProviderError, err)
	}
	if resp.Results == nil || len(resp.Results.Channels) == 0 ||
		len(resp.Results.Channels[0].Alternatives) == 0 {
		return nil, fmt.Errorf("%w: empty transcription result", domain.ErrProviderError)
	}

	alt := resp.Results.Channels[0].Alternatives[0]
	return &domain.Transcript{
		Text:       strings.TrimSpace(alt.Transcript),
		Confidence: alt.Confidence,
		Final:      true,
		Timestamp:  time.Now(),
	}, nil
}

// OpenSession implements domain.STTProvider with a live websocket session.
func (p *DeepgramSTT) OpenSession(ctx context.Context, sessionID, lang string) (domain.STTSession, error) {
	if !p.Available() {
		return nil, domain.NewDomainError("deepgram.open", domain.ErrProviderUnavailable, "missing api key")
	}

	params := url.Values{}
	params.Set("model", p.model)
	params.Set("encoding", "linear16")
	params.Set("sample_rate", "16000")
	params.Set("channels", "1")
	params.Set("interim_results", "true")
	if lang != "" {
		params.Set("language", lang)
	}

	conn, _, err := websocket.Dial(ctx, p.wsURL+"/v1/listen?"+params.Encode(), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Token " + p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial live endpoint: %v", domain.ErrProviderError, err)
	}
	conn.SetReadLimit(1 << 20)

	s := &deepgramSession{
		id:      sessionID,
		conn:    conn,
		results: make(chan domain.Transcript, 16),
		logger:  p.logger,
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	go s.readLoop()
	return s, nil
}

type deepgramSession struct {
	id      string
	conn    *websocket.Conn
	results chan domain.Transcript
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	closeOnce sync.Once
}

func (s *deepgramSession) Send(chunk []byte) error {
	if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
		if s.ctx.Err() != nil {
			return domain.WrapOp("deepgram.session", domain.ErrCancelled)
		}
		return fmt.Errorf("%w: write audio: %v", domain.ErrProviderError, err)
	}
	return nil
}

func (s *deepgramSession) Results() <-chan domain.Transcript { return s.results }

func (s *deepgramSession) readLoop() {
	defer close(s.results)
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Debug("live transcription stream ended", "session", s.id, "err", err)
			}
			return
		}

		var result deepgramResult
		if err := json.Unmarshal(data, &result); err != nil {
			continue
		}
		if len(result.Channel.Alternatives) == 0 {
			continue
		}
		alt := result.Channel.Alternatives[0]
		if alt.Transcript == "" {
			continue
		}

		tr := domain.Transcript{
			Session:    s.id,
			Text:       strings.TrimSpace(alt.Transcript),
			Confidence: alt.Confidence,
			Final:      result.IsFinal,
			Timestamp:  time.Now(),
		}
		select {
		case s.results <- tr:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *deepgramSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		// Ask the endpoint to flush its final transcript before tearing down.
		_ = s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		err = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.cancel()
	})
	return err
}

var _ domain.STTProvider = (*DeepgramSTT)(nil)
