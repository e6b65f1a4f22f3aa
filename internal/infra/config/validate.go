package config

import (
	"fmt"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateProviders(cfg, ve)
	validateMedia(cfg, ve)
	validateLimits(cfg, ve)
	validateAudio(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch cfg.Logger.Format {
	case "", "json", "text":
	default:
		ve.Add("logger.format must be json or text, got %q", cfg.Logger.Format)
	}
}

var validLLMTypes = map[string]bool{
	"anthropic": true,
	"openai":    true,
}

var validTTSTypes = map[string]bool{
	"elevenlabs": true,
	"openai":     true,
}

var validSTTTypes = map[string]bool{
	"whisper":  true,
	"deepgram": true,
}

func validateProviders(cfg *Config, ve *ValidationError) {
	check := func(section string, providers []ProviderConfig, valid map[string]bool) {
		seen := make(map[string]bool)
		for _, p := range providers {
			if p.Name == "" {
				ve.Add("%s provider missing name", section)
				continue
			}
			if seen[p.Name] {
				ve.Add("%s provider %q listed twice", section, p.Name)
			}
			seen[p.Name] = true
			if !valid[p.Type] {
				ve.Add("%s provider %q has unsupported type %q", section, p.Name, p.Type)
			}
		}
	}
	check("llm", cfg.LLM.Providers, validLLMTypes)
	check("tts", cfg.TTS.Providers, validTTSTypes)
	check("stt", cfg.STT.Providers, validSTTTypes)

	if cfg.LLM.MinInterval < 0 {
		ve.Add("llm.min_interval must be >= 0")
	}
	if cfg.STT.ConfidenceFloor < 0 || cfg.STT.ConfidenceFloor > 1 {
		ve.Add("stt.confidence_floor must be in [0, 1], got %v", cfg.STT.ConfidenceFloor)
	}
}

func validateMedia(cfg *Config, ve *ValidationError) {
	if cfg.Media.URL != "" &&
		!strings.HasPrefix(cfg.Media.URL, "ws://") &&
		!strings.HasPrefix(cfg.Media.URL, "wss://") {
		ve.Add("media.url must be a ws:// or wss:// endpoint, got %q", cfg.Media.URL)
	}
	if cfg.Media.ReconnectAttempts < 0 {
		ve.Add("media.reconnect_attempts must be >= 0")
	}
}

func validateLimits(cfg *Config, ve *ValidationError) {
	if cfg.Agents.GlobalCap <= 0 {
		ve.Add("agents.global_cap must be > 0")
	}
	if cfg.Agents.HistoryCap <= 0 {
		ve.Add("agents.history_cap must be > 0")
	}
	if cfg.Agents.SpeechQueueCap <= 0 {
		ve.Add("agents.speech_queue_cap must be > 0")
	}
	if cfg.Rooms.PerRoomAgentCap <= 0 {
		ve.Add("rooms.per_room_agent_cap must be > 0")
	}
	if cfg.Rooms.PerRoomAgentCap > cfg.Agents.GlobalCap {
		ve.Add("rooms.per_room_agent_cap (%d) cannot exceed agents.global_cap (%d)",
			cfg.Rooms.PerRoomAgentCap, cfg.Agents.GlobalCap)
	}
	if cfg.Rooms.TurnQueueCap <= 0 {
		ve.Add("rooms.turn_queue_cap must be > 0")
	}
	if cfg.Rooms.SpeakingTimeLimit <= 0 {
		ve.Add("rooms.speaking_time_limit must be > 0")
	}
	if cfg.Rooms.ConversationLog <= 0 {
		ve.Add("rooms.conversation_log_cap must be > 0")
	}
}

func validateAudio(cfg *Config, ve *ValidationError) {
	if cfg.Audio.EgressBufferBytes <= 0 {
		ve.Add("audio.egress_buffer_bytes must be > 0")
	}
	if cfg.Audio.IngressBucket <= 0 {
		ve.Add("audio.ingress_bucket must be > 0")
	}
	if cfg.Audio.VADThreshold < 0 || cfg.Audio.VADThreshold > 1 {
		ve.Add("audio.vad_rms_threshold must be in [0, 1], got %v", cfg.Audio.VADThreshold)
	}
}
