package speech

import (
	"context"
	"log/slog"

	"voxhall/internal/domain"
	"voxhall/internal/infra/config"
)

// Registry holds the process's named TTS and STT providers. Providers missing
// credentials register anyway and report unavailable; the rest of the core
// starts without them.
type Registry struct {
	tts        map[string]domain.TTSProvider
	stt        map[string]domain.STTProvider
	defaultTTS string
	defaultSTT string
	logger     *slog.Logger
}

// NewRegistry builds the speech provider set from config.
func NewRegistry(ttsCfg config.TTSConfig, sttCfg config.STTConfig, logger *slog.Logger) *Registry {
	r := &Registry{
		tts:        make(map[string]domain.TTSProvider),
		stt:        make(map[string]domain.STTProvider),
		defaultTTS: ttsCfg.DefaultProvider,
		defaultSTT: sttCfg.DefaultProvider,
		logger:     logger,
	}

	for _, pc := range ttsCfg.Providers {
		if pc.Timeout == 0 {
			pc.Timeout = ttsCfg.Timeout
		}
		var provider domain.TTSProvider
		switch pc.Type {
		case "elevenlabs":
			provider = NewElevenLabsTTS(pc, logger)
		case "openai":
			provider = NewOpenAITTS(pc, logger)
		default:
			logger.Warn("skipping tts provider with unknown type", "name", pc.Name, "type", pc.Type)
			continue
		}
		provider = NewCachedTTS(provider, ttsCfg.CacheEntries, ttsCfg.CacheBytes)

		r.tts[pc.Name] = provider
		if r.defaultTTS == "" {
			r.defaultTTS = pc.Name
		}
		logger.Info("tts provider registered",
			"name", pc.Name, "type", pc.Type, "available", provider.Available())
	}

	for _, pc := range sttCfg.Providers {
		if pc.Timeout == 0 {
			pc.Timeout = sttCfg.Timeout
		}
		var provider domain.STTProvider
		switch pc.Type {
		case "whisper":
			provider = NewWhisperSTT(pc, logger)
		case "deepgram":
			provider = NewDeepgramSTT(pc, logger)
		default:
			logger.Warn("skipping stt provider with unknown type", "name", pc.Name, "type", pc.Type)
			continue
		}
		provider = NewFilteredSTT(provider, sttCfg.ConfidenceFloor)

		r.stt[pc.Name] = provider
		if r.defaultSTT == "" {
			r.defaultSTT = pc.Name
		}
		logger.Info("stt provider registered",
			"name", pc.Name, "type", pc.Type, "available", provider.Available())
	}

	return r
}

// TTS returns the named synthesis provider, or the default when name is empty.
func (r *Registry) TTS(name string) (domain.TTSProvider, error) {
	if name == "" {
		name = r.defaultTTS
	}
	p, ok := r.tts[name]
	if !ok {
		return nil, domain.NewDomainError("speech.registry", domain.ErrNotFound, "tts provider "+name)
	}
	return p, nil
}

// STT returns the named transcription provider, or the default when name is
// empty.
func (r *Registry) STT(name string) (domain.STTProvider, error) {
	if name == "" {
		name = r.defaultSTT
	}
	p, ok := r.stt[name]
	if !ok {
		return nil, domain.NewDomainError("speech.registry", domain.ErrNotFound, "stt provider "+name)
	}
	return p, nil
}

// FilteredSTT drops transcription results below a confidence floor before
// they reach the rest of the core.
type FilteredSTT struct {
	inner domain.STTProvider
	floor float64
}

// NewFilteredSTT wraps inner with a confidence floor.
func NewFilteredSTT(inner domain.STTProvider, floor float64) *FilteredSTT {
	return &FilteredSTT{inner: inner, floor: floor}
}

// Transcribe implements domain.STTProvider. A result under the floor returns
// an empty transcript, not an error: low-confidence audio is noise, not
// failure.
func (p *FilteredSTT) Transcribe(ctx context.Context, in *domain.Audio, lang string) (*domain.Transcript, error) {
	tr, err := p.inner.Transcribe(ctx, in, lang)
	if err != nil {
		return nil, err
	}
	if tr.Confidence < p.floor {
		return &domain.Transcript{Confidence: tr.Confidence, Final: tr.Final, Session: tr.Session, Timestamp: tr.Timestamp}, nil
	}
	return tr, nil
}

// OpenSession implements domain.STTProvider, filtering the session's result
// stream.
func (p *FilteredSTT) OpenSession(ctx context.Context, sessionID, lang string) (domain.STTSession, error) {
	inner, err := p.inner.OpenSession(ctx, sessionID, lang)
	if err != nil {
		return nil, err
	}

	s := &filteredSession{STTSession: inner, out: make(chan domain.Transcript, 16)}
	go func() {
		defer close(s.out)
		for tr := range inner.Results() {
			if tr.Confidence < p.floor {
				continue
			}
			s.out <- tr
		}
	}()
	return s, nil
}

type filteredSession struct {
	domain.STTSession
	out chan domain.Transcript
}

func (s *filteredSession) Results() <-chan domain.Transcript { return s.out }

// Name implements domain.STTProvider.
func (p *FilteredSTT) Name() string { return p.inner.Name() }

// Available implements domain.STTProvider.
func (p *FilteredSTT) Available() bool { return p.inner.Available() }

var _ domain.STTProvider = (*FilteredSTT)(nil)
