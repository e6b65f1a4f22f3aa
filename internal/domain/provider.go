package domain

import (
	"context"
	"time"
)

// GenerateRequest is sent to an LLM provider to produce a reply in character.
type GenerateRequest struct {
	AgentID     string    `json:"agent_id"`
	Persona     string    `json:"persona"`
	History     []Message `json:"history"`
	Model       string    `json:"model,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// GenerateResult is returned from an LLM provider.
type GenerateResult struct {
	Reply        string `json:"reply"`
	ModelTag     string `json:"model_tag"`
	PromptTokens int    `json:"prompt_tokens"`
	ReplyTokens  int    `json:"reply_tokens"`
}

// LLMProvider generates persona-conditioned replies.
type LLMProvider interface {
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error)
	Name() string
	Available() bool
}

// AudioFormat describes encoded or raw audio.
type AudioFormat struct {
	Codec      string `json:"codec"` // "opus", "mp3", "pcm16"
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// Audio is a buffer of encoded or raw audio with its format.
type Audio struct {
	Data   []byte      `json:"data"`
	Format AudioFormat `json:"format"`
}

// SpeechRequest asks a TTS provider to synthesize text.
type SpeechRequest struct {
	AgentID string        `json:"agent_id"`
	Text    string        `json:"text"`
	Voice   VoiceSettings `json:"voice"`
}

// TTSProvider synthesizes text to audio.
type TTSProvider interface {
	Synthesize(ctx context.Context, req *SpeechRequest) (*Audio, error)
	Name() string
	Available() bool
}

// Transcript is a speech-to-text result. Non-final transcripts are interim
// hypotheses from a streaming session.
type Transcript struct {
	Session    string    `json:"session,omitempty"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Final      bool      `json:"final"`
	Timestamp  time.Time `json:"timestamp"`
}

// STTSession is an open streaming transcription session. Send pushes raw
// audio; Results delivers transcripts until Close.
type STTSession interface {
	Send(chunk []byte) error
	Results() <-chan Transcript
	Close() error
}

// STTProvider converts audio to text, in batch or streaming mode.
type STTProvider interface {
	Transcribe(ctx context.Context, audio *Audio, lang string) (*Transcript, error)
	OpenSession(ctx context.Context, sessionID, lang string) (STTSession, error)
	Name() string
	Available() bool
}

// TokenTotals is the accumulated token usage for one model tag.
type TokenTotals struct {
	Prompt int64 `json:"prompt"`
	Reply  int64 `json:"reply"`
	Calls  int64 `json:"calls"`
}
