// Package config loads and validates the orchestrator's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Tracer TracerConfig `yaml:"tracer"`
	Bus    BusConfig    `yaml:"bus"`
	LLM    LLMConfig    `yaml:"llm"`
	TTS    TTSConfig    `yaml:"tts"`
	STT    STTConfig    `yaml:"stt"`
	Media  MediaConfig  `yaml:"media"`
	Rooms  RoomsConfig  `yaml:"rooms"`
	Audio  AudioConfig  `yaml:"audio"`
	Agents AgentsConfig `yaml:"agents"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout", "noop"
}

// BusConfig holds message bus settings.
type BusConfig struct {
	RedisURL     string `yaml:"redis_url"`     // e.g. "redis://localhost:6379"
	PublishQueue int    `yaml:"publish_queue"` // outbound buffer before Busy
}

// ProviderConfig holds settings for a single provider endpoint.
type ProviderConfig struct {
	Name    string        `yaml:"name"`
	Type    string        `yaml:"type"` // "anthropic", "openai", "elevenlabs", "whisper", "deepgram"
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// CircuitBreakerConfig holds circuit breaker settings for LLM providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// LLMConfig holds language model provider settings.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
	MinInterval     time.Duration        `yaml:"min_interval"` // per-agent request gate
	Timeout         time.Duration        `yaml:"timeout"`
}

// TTSConfig holds speech synthesis provider settings.
type TTSConfig struct {
	DefaultProvider string           `yaml:"default_provider"`
	Providers       []ProviderConfig `yaml:"providers"`
	Timeout         time.Duration    `yaml:"timeout"`
	CacheEntries    int              `yaml:"cache_entries"`
	CacheBytes      int              `yaml:"cache_bytes"`
}

// STTConfig holds transcription provider settings.
type STTConfig struct {
	DefaultProvider string           `yaml:"default_provider"`
	Providers       []ProviderConfig `yaml:"providers"`
	Timeout         time.Duration    `yaml:"timeout"`
	ConfidenceFloor float64          `yaml:"confidence_floor"`
	Language        string           `yaml:"language"`
}

// MediaConfig holds media server connection settings.
type MediaConfig struct {
	URL               string        `yaml:"url"` // ws:// or wss:// endpoint
	Timeout           time.Duration `yaml:"timeout"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectBackoff  time.Duration `yaml:"reconnect_backoff"`
	ConsumeDuration   time.Duration `yaml:"consume_duration"`
}

// RoomsConfig holds room arbitration settings.
type RoomsConfig struct {
	PerRoomAgentCap   int           `yaml:"per_room_agent_cap"`
	TurnQueueCap      int           `yaml:"turn_queue_cap"`
	SpeakingTimeLimit time.Duration `yaml:"speaking_time_limit"`
	ConversationLog   int           `yaml:"conversation_log_cap"`
}

// AudioConfig holds pipeline tuning settings.
type AudioConfig struct {
	EgressBufferBytes int           `yaml:"egress_buffer_bytes"`
	IngressBucket     time.Duration `yaml:"ingress_bucket"`
	VADThreshold      float64       `yaml:"vad_rms_threshold"`
	FFmpegPath        string        `yaml:"ffmpeg_path"`
}

// AgentsConfig holds agent lifecycle settings.
type AgentsConfig struct {
	GlobalCap      int `yaml:"global_cap"`
	HistoryCap     int `yaml:"history_cap"`
	SpeechQueueCap int `yaml:"speech_queue_cap"`
}

// Default returns a Config with every knob at its default value.
func Default() *Config {
	return &Config{
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracer: TracerConfig{Enabled: false, Exporter: "noop"},
		Bus:    BusConfig{RedisURL: "redis://localhost:6379", PublishQueue: 64},
		LLM: LLMConfig{
			MinInterval: 2 * time.Second,
			Timeout:     30 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		TTS: TTSConfig{
			Timeout:      15 * time.Second,
			CacheEntries: 128,
			CacheBytes:   8 << 20,
		},
		STT: STTConfig{
			Timeout:         30 * time.Second,
			ConfidenceFloor: 0.7,
			Language:        "en",
		},
		Media: MediaConfig{
			Timeout:           10 * time.Second,
			ReconnectAttempts: 5,
			ReconnectBackoff:  time.Second,
			ConsumeDuration:   5 * time.Second,
		},
		Rooms: RoomsConfig{
			PerRoomAgentCap:   5,
			TurnQueueCap:      16,
			SpeakingTimeLimit: 30 * time.Second,
			ConversationLog:   1000,
		},
		Audio: AudioConfig{
			EgressBufferBytes: 4096,
			IngressBucket:     time.Second,
			VADThreshold:      0.5,
			FFmpegPath:        "ffmpeg",
		},
		Agents: AgentsConfig{
			GlobalCap:      10,
			HistoryCap:     100,
			SpeechQueueCap: 8,
		},
	}
}

// Load reads the config file at path, applies defaults for unset fields,
// applies environment overrides for secrets, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides fills in secrets from VOXHALL_* environment variables so
// API keys never need to live in the config file.
func applyEnvOverrides(cfg *Config) {
	override := func(providers []ProviderConfig, envPrefix string) {
		for i := range providers {
			key := envPrefix + envName(providers[i].Name) + "_API_KEY"
			if v := os.Getenv(key); v != "" {
				providers[i].APIKey = v
			}
		}
	}
	override(cfg.LLM.Providers, "VOXHALL_LLM_")
	override(cfg.TTS.Providers, "VOXHALL_TTS_")
	override(cfg.STT.Providers, "VOXHALL_STT_")

	if v := os.Getenv("VOXHALL_REDIS_URL"); v != "" {
		cfg.Bus.RedisURL = v
	}
	if v := os.Getenv("VOXHALL_MEDIA_URL"); v != "" {
		cfg.Media.URL = v
	}
}

func envName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
