// Package voice implements the agent: a persona-bound participant with
// bounded conversation history, a voice state, and the text/speech processing
// paths the room arbiter drives.
package voice

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"voxhall/internal/domain"
)

// promptHistoryDepth is how many recent text exchanges condition a reply.
const promptHistoryDepth = 10

// FallbackReply is returned when generation fails during a text exchange; it
// keeps the conversation moving without surfacing vendor errors to the room.
const FallbackReply = "I'm sorry, I didn't quite catch that. Could you say it again?"

// sanitize trims a model reply for speech: whitespace collapsed, surrounding
// quotes stripped.
func sanitize(reply string) string {
	reply = strings.TrimSpace(reply)
	reply = strings.Trim(reply, `"`)
	return strings.Join(strings.Fields(reply), " ")
}

// StatusListener observes agent status transitions. The manager installs one
// to emit status events to observers.
type StatusListener func(agentID string, from, to domain.AgentStatus)

// Options configures a new agent.
type Options struct {
	ID             string
	Persona        string
	Config         domain.AgentConfig
	HistoryCap     int
	SpeechQueueCap int
	LLM            domain.LLMProvider
	TTS            domain.TTSProvider
	Logger         *slog.Logger
	OnStatusChange StatusListener
}

// Agent is one persona-bound participant. All state is guarded by a single
// mutex; provider calls happen outside it.
type Agent struct {
	id      string
	persona string
	llmP    domain.LLMProvider
	ttsP    domain.TTSProvider
	logger  *slog.Logger

	onStatusChange StatusListener

	mu           sync.Mutex
	status       domain.AgentStatus
	config       domain.AgentConfig
	history      []domain.Message
	historyCap   int
	speech       []string
	speechCap    int
	lastActivity time.Time
	metrics      domain.AgentMetrics
	room         string
}

// New creates an agent in status idle.
func New(opts Options) *Agent {
	historyCap := opts.HistoryCap
	if historyCap <= 0 {
		historyCap = 100
	}
	speechCap := opts.SpeechQueueCap
	if speechCap <= 0 {
		speechCap = 8
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Agent{
		id:             opts.ID,
		persona:        opts.Persona,
		llmP:           opts.LLM,
		ttsP:           opts.TTS,
		logger:         opts.Logger,
		onStatusChange: opts.OnStatusChange,
		status:         domain.StatusIdle,
		config:         opts.Config,
		historyCap:     historyCap,
		speechCap:      speechCap,
		lastActivity:   time.Now(),
	}
}

// ID returns the agent's stable identifier.
func (a *Agent) ID() string { return a.id }

// Persona returns the agent's persona text.
func (a *Agent) Persona() string { return a.persona }

// Status returns the agent's current voice state.
func (a *Agent) Status() domain.AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// SetStatus transitions the agent's voice state and notifies the listener.
func (a *Agent) SetStatus(to domain.AgentStatus) {
	a.mu.Lock()
	from := a.status
	if from == to {
		a.mu.Unlock()
		return
	}
	a.status = to
	a.lastActivity = time.Now()
	listener := a.onStatusChange
	a.mu.Unlock()

	if listener != nil {
		listener(a.id, from, to)
	}
}

// Room returns the room the agent is attached to, or "".
func (a *Agent) Room() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.room
}

// SetRoom records the agent's room binding.
func (a *Agent) SetRoom(room string) {
	a.mu.Lock()
	a.room = room
	a.mu.Unlock()
}

// Config returns a copy of the agent's configuration.
func (a *Agent) Config() domain.AgentConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.config
}

// UpdateConfig replaces the agent's configuration. History is never touched:
// a reconfigured agent keeps its memory of the conversation.
func (a *Agent) UpdateConfig(cfg domain.AgentConfig) {
	a.mu.Lock()
	a.config = cfg
	a.lastActivity = time.Now()
	a.mu.Unlock()
}

// Rebind replaces the agent's configuration and provider handles in one step.
// Used when a config update selects a different model or voice provider.
func (a *Agent) Rebind(llmP domain.LLMProvider, ttsP domain.TTSProvider, cfg domain.AgentConfig) {
	a.mu.Lock()
	if llmP != nil {
		a.llmP = llmP
	}
	if ttsP != nil {
		a.ttsP = ttsP
	}
	a.config = cfg
	a.lastActivity = time.Now()
	a.mu.Unlock()
}

// Snapshot returns a read-only view of the agent.
func (a *Agent) Snapshot() domain.AgentSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return domain.AgentSnapshot{
		ID:           a.id,
		Persona:      a.persona,
		Status:       a.status,
		Room:         a.room,
		LastActivity: a.lastActivity,
		HistoryLen:   len(a.history),
		Config:       a.config,
		Metrics:      a.metrics,
	}
}

// History returns a copy of the agent's message history.
func (a *Agent) History() []domain.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.Message, len(a.history))
	copy(out, a.history)
	return out
}

// appendHistory records a message, trimming the oldest entries at the cap.
func (a *Agent) appendHistory(msg domain.Message) {
	a.mu.Lock()
	a.history = append(a.history, msg)
	if overflow := len(a.history) - a.historyCap; overflow > 0 {
		a.history = a.history[overflow:]
	}
	a.metrics.Messages++
	a.lastActivity = time.Now()
	a.mu.Unlock()
}

// ProcessText runs one text exchange: append the inbound message, ask the
// model for a reply in persona, append and return it. Generation failure
// produces the fixed fallback reply and leaves the agent idle.
func (a *Agent) ProcessText(ctx context.Context, msg domain.Message) (domain.Message, error) {
	a.SetStatus(domain.StatusProcessing)
	defer a.SetStatus(domain.StatusIdle)

	a.appendHistory(msg)

	started := time.Now()
	result, err := a.generate(ctx)
	reply := FallbackReply
	modelTag := ""
	if err != nil {
		a.logger.Warn("text generation failed, using fallback",
			"agent_id", a.id, "err", err)
	} else {
		reply = sanitize(result.Reply)
		modelTag = result.ModelTag
	}

	out := domain.Message{
		ID:        domain.NewID(),
		Kind:      domain.KindOutboundText,
		Content:   reply,
		From:      a.id,
		To:        msg.From,
		Timestamp: time.Now(),
		LatencyMS: time.Since(started).Milliseconds(),
		ModelTag:  modelTag,
	}
	a.appendHistory(out)
	return out, nil
}

// Respond produces a reply to a voice transcript. Unlike ProcessText there is
// no fallback: a failed generation is surfaced so the arbiter can record the
// agent as having declined the turn.
func (a *Agent) Respond(ctx context.Context, transcript domain.Message) (string, error) {
	a.SetStatus(domain.StatusThinking)
	defer func() {
		if a.Status() == domain.StatusThinking {
			a.SetStatus(domain.StatusListening)
		}
	}()

	a.appendHistory(transcript)

	started := time.Now()
	result, err := a.generate(ctx)
	if err != nil {
		return "", domain.WrapOp("agent.respond", err)
	}

	reply := sanitize(result.Reply)
	if reply == "" {
		return "", nil
	}

	a.appendHistory(domain.Message{
		ID:        domain.NewID(),
		Kind:      domain.KindOutboundVoice,
		Content:   reply,
		From:      a.id,
		To:        domain.Broadcast,
		Timestamp: time.Now(),
		LatencyMS: time.Since(started).Milliseconds(),
		ModelTag:  result.ModelTag,
	})
	return reply, nil
}

// generate calls the language model with the persona and recent text history.
func (a *Agent) generate(ctx context.Context) (*domain.GenerateResult, error) {
	a.mu.Lock()
	cfg := a.config
	provider := a.llmP
	history := promptHistory(a.history)
	a.mu.Unlock()

	req := &domain.GenerateRequest{
		AgentID:     a.id,
		Persona:     a.persona,
		History:     history,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}

	result, err := provider.Generate(ctx, req)

	a.mu.Lock()
	a.metrics.LLMCalls++
	a.mu.Unlock()

	return result, err
}

// promptHistory selects the last conversational exchanges for the prompt.
// Voice transcripts count as text for this purpose; system messages do not.
func promptHistory(history []domain.Message) []domain.Message {
	var picked []domain.Message
	for i := len(history) - 1; i >= 0 && len(picked) < promptHistoryDepth; i-- {
		if history[i].Kind == domain.KindSystem {
			continue
		}
		picked = append(picked, history[i])
	}
	// Reverse back into chronological order.
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked
}

// Synthesize converts text to audio with the agent's voice profile.
func (a *Agent) Synthesize(ctx context.Context, text string) (*domain.Audio, error) {
	a.mu.Lock()
	voiceCfg := a.config.Voice
	provider := a.ttsP
	a.mu.Unlock()

	out, err := provider.Synthesize(ctx, &domain.SpeechRequest{
		AgentID: a.id,
		Text:    text,
		Voice:   voiceCfg,
	})

	a.mu.Lock()
	a.metrics.TTSCalls++
	if err == nil {
		a.metrics.VoiceTurns++
	}
	a.mu.Unlock()

	if err != nil {
		return nil, domain.WrapOp("agent.synthesize", err)
	}
	return out, nil
}

// QueueSpeech enqueues an utterance the agent wants to deliver when the room
// gives it a turn. A full queue fails fast with ErrBusy.
func (a *Agent) QueueSpeech(text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.speech) >= a.speechCap {
		return domain.NewDomainError("agent.queue-speech", domain.ErrBusy, a.id)
	}
	a.speech = append(a.speech, text)
	return nil
}

// DequeueSpeech pops the oldest queued utterance.
func (a *Agent) DequeueSpeech() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.speech) == 0 {
		return "", false
	}
	text := a.speech[0]
	a.speech = a.speech[1:]
	return text, true
}

// ClearSpeech drops all queued utterances.
func (a *Agent) ClearSpeech() {
	a.mu.Lock()
	a.speech = nil
	a.mu.Unlock()
}

// RecordVoiceMessage appends a message to history without invoking
// providers.
func (a *Agent) RecordVoiceMessage(msg domain.Message) {
	a.appendHistory(msg)
}
