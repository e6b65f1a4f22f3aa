package domain

import "time"

// AgentStatus is the voice state of an agent.
type AgentStatus string

const (
	StatusIdle       AgentStatus = "idle"
	StatusListening  AgentStatus = "listening"
	StatusThinking   AgentStatus = "thinking"
	StatusSpeaking   AgentStatus = "speaking"
	StatusProcessing AgentStatus = "processing"
)

// LLMSettings selects the language model used for an agent's replies.
type LLMSettings struct {
	Provider    string  `json:"provider"     yaml:"provider"`
	Model       string  `json:"model"        yaml:"model"`
	Temperature float64 `json:"temperature"  yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens"   yaml:"max_tokens"`
}

// VoiceSettings selects the synthesized voice for an agent.
type VoiceSettings struct {
	Provider string  `json:"provider" yaml:"provider"`
	Voice    string  `json:"voice"    yaml:"voice"`
	Rate     float64 `json:"rate"     yaml:"rate"`
	Pitch    float64 `json:"pitch"    yaml:"pitch"`
}

// AgentConfig bundles the per-agent provider settings.
type AgentConfig struct {
	LLM   LLMSettings   `json:"llm"   yaml:"llm"`
	Voice VoiceSettings `json:"voice" yaml:"voice"`
}

// AgentMetrics counts an agent's activity since creation.
type AgentMetrics struct {
	Messages   int64 `json:"messages"`
	LLMCalls   int64 `json:"llm_calls"`
	TTSCalls   int64 `json:"tts_calls"`
	VoiceTurns int64 `json:"voice_turns"`
}

// AgentSnapshot is a read-only view of an agent's current state.
type AgentSnapshot struct {
	ID           string       `json:"id"`
	Persona      string       `json:"persona"`
	Status       AgentStatus  `json:"status"`
	Room         string       `json:"room,omitempty"`
	LastActivity time.Time    `json:"last_activity"`
	HistoryLen   int          `json:"history_len"`
	Config       AgentConfig  `json:"config"`
	Metrics      AgentMetrics `json:"metrics"`
}
