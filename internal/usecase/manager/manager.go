// Package manager implements the front of the core: the agent registry,
// atomic agent-room bindings, bus command dispatch, and observer event
// emission.
package manager

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"voxhall/internal/domain"
	"voxhall/internal/infra/tracer"
	"voxhall/internal/usecase/audio"
	"voxhall/internal/usecase/room"
	"voxhall/internal/usecase/voice"
)

// ProviderResolvers looks up the process-wide provider singletons by name.
// Empty names resolve to the configured defaults.
type ProviderResolvers struct {
	LLM         func(name string) (domain.LLMProvider, error)
	TTS         func(name string) (domain.TTSProvider, error)
	STT         func(name string) (domain.STTProvider, error)
	TokenTotals func() map[string]domain.TokenTotals
}

// Options carries the manager's knobs and collaborators.
type Options struct {
	GlobalAgentCap  int
	PerRoomAgentCap int
	HistoryCap      int
	SpeechQueueCap  int
	TurnQueueCap    int
	SpeakingLimit   time.Duration
	LogCap          int
	ConfidenceFloor float64
	STTLanguage     string

	LLMTimeout time.Duration
	TTSTimeout time.Duration
	STTTimeout time.Duration

	EgressChunkBytes int
	IngressBucket    time.Duration
	VADThreshold     float64

	Events     domain.EventBus
	Dialer     domain.MediaDialer
	Transcoder audio.Transcoder
	Providers  ProviderResolvers
	Selector   room.Selector // optional; default uniform random
	Logger     *slog.Logger
}

// binding is the triple (agent, room, media resources) that exists while an
// agent is attached to a room.
type binding struct {
	agent  *voice.Agent
	roomID string
	client domain.MediaRoomClient
	egress *audio.Egress
	ingres *audio.Ingress

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// listener marks the binding currently running the room's audio intake.
	listener bool
	stt      domain.STTSession

	turnMu   sync.Mutex
	producer domain.Producer
}

// Manager owns the agent registry and room arbiters.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	agents   map[string]*voice.Agent
	bindings map[string]*binding
	rooms    map[string]*room.Arbiter
	closed   bool

	unsubs []func()
}

// New creates a manager. Knobs at zero take their documented defaults.
func New(opts Options) *Manager {
	if opts.GlobalAgentCap <= 0 {
		opts.GlobalAgentCap = 10
	}
	if opts.PerRoomAgentCap <= 0 {
		opts.PerRoomAgentCap = 5
	}
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = 100
	}
	if opts.SpeechQueueCap <= 0 {
		opts.SpeechQueueCap = 8
	}
	if opts.TurnQueueCap <= 0 {
		opts.TurnQueueCap = 16
	}
	if opts.SpeakingLimit <= 0 {
		opts.SpeakingLimit = 30 * time.Second
	}
	if opts.LogCap <= 0 {
		opts.LogCap = 1000
	}
	if opts.ConfidenceFloor == 0 {
		opts.ConfidenceFloor = 0.7
	}
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = 30 * time.Second
	}
	if opts.TTSTimeout <= 0 {
		opts.TTSTimeout = 15 * time.Second
	}
	if opts.STTTimeout <= 0 {
		opts.STTTimeout = 30 * time.Second
	}
	if opts.EgressChunkBytes <= 0 {
		opts.EgressChunkBytes = 4096
	}
	if opts.IngressBucket <= 0 {
		opts.IngressBucket = time.Second
	}
	if opts.VADThreshold == 0 {
		opts.VADThreshold = 0.5
	}
	if opts.Selector == nil {
		opts.Selector = room.NewRandomSelector()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Manager{
		opts:     opts,
		logger:   opts.Logger,
		agents:   make(map[string]*voice.Agent),
		bindings: make(map[string]*binding),
		rooms:    make(map[string]*room.Arbiter),
	}
}

// CreateAgent registers a new agent.
func (m *Manager) CreateAgent(ctx context.Context, persona, id string, cfg *domain.AgentConfig) (domain.AgentSnapshot, error) {
	_, span := tracer.StartSpan(ctx, "manager.create-agent",
		trace.WithAttributes(tracer.StringAttr("agent.id", id)))
	defer span.End()

	if persona == "" {
		return domain.AgentSnapshot{}, domain.NewDomainError("Manager.CreateAgent", domain.ErrInvalidArgument, "empty persona")
	}
	if id == "" {
		id = domain.NewID()
	}

	agentCfg := domain.AgentConfig{}
	if cfg != nil {
		agentCfg = *cfg
	}

	llmP, err := m.opts.Providers.LLM(agentCfg.LLM.Provider)
	if err != nil {
		return domain.AgentSnapshot{}, domain.NewDomainError("Manager.CreateAgent", domain.ErrInvalidArgument,
			"unknown llm provider "+agentCfg.LLM.Provider)
	}
	ttsP, err := m.opts.Providers.TTS(agentCfg.Voice.Provider)
	if err != nil {
		return domain.AgentSnapshot{}, domain.NewDomainError("Manager.CreateAgent", domain.ErrInvalidArgument,
			"unknown tts provider "+agentCfg.Voice.Provider)
	}

	agent := voice.New(voice.Options{
		ID:             id,
		Persona:        persona,
		Config:         agentCfg,
		HistoryCap:     m.opts.HistoryCap,
		SpeechQueueCap: m.opts.SpeechQueueCap,
		LLM:            llmP,
		TTS:            ttsP,
		Logger:         m.logger,
		OnStatusChange: m.onStatusChange,
	})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.AgentSnapshot{}, domain.NewDomainError("Manager.CreateAgent", domain.ErrCancelled, "manager closed")
	}
	if _, exists := m.agents[id]; exists {
		m.mu.Unlock()
		return domain.AgentSnapshot{}, domain.NewDomainError("Manager.CreateAgent", domain.ErrAlreadyExists, id)
	}
	if len(m.agents) >= m.opts.GlobalAgentCap {
		m.mu.Unlock()
		return domain.AgentSnapshot{}, domain.NewDomainError("Manager.CreateAgent", domain.ErrCapacityExceeded, "global agent cap")
	}
	m.agents[id] = agent
	m.mu.Unlock()

	m.logger.Info("agent created", "agent_id", id)
	m.emit(domain.EventAgentCreated, id, "", nil)
	return agent.Snapshot(), nil
}

// DeleteAgent destroys an agent, detaching it first when necessary.
func (m *Manager) DeleteAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	agent, exists := m.agents[id]
	m.mu.Unlock()
	if !exists {
		return domain.NewDomainError("Manager.DeleteAgent", domain.ErrNotFound, id)
	}

	if agent.Room() != "" {
		if err := m.DetachAgentFromRoom(ctx, id); err != nil {
			return domain.WrapOp("Manager.DeleteAgent", err)
		}
	}

	m.mu.Lock()
	delete(m.agents, id)
	m.mu.Unlock()

	m.logger.Info("agent deleted", "agent_id", id)
	m.emit(domain.EventAgentDeleted, id, "", nil)
	return nil
}

// UpdateAgentConfig replaces an agent's configuration and re-binds its
// providers. History survives.
func (m *Manager) UpdateAgentConfig(_ context.Context, id string, cfg domain.AgentConfig) error {
	m.mu.Lock()
	agent, exists := m.agents[id]
	m.mu.Unlock()
	if !exists {
		return domain.NewDomainError("Manager.UpdateAgentConfig", domain.ErrNotFound, id)
	}

	llmP, err := m.opts.Providers.LLM(cfg.LLM.Provider)
	if err != nil {
		return domain.NewDomainError("Manager.UpdateAgentConfig", domain.ErrInvalidArgument,
			"unknown llm provider "+cfg.LLM.Provider)
	}
	ttsP, err := m.opts.Providers.TTS(cfg.Voice.Provider)
	if err != nil {
		return domain.NewDomainError("Manager.UpdateAgentConfig", domain.ErrInvalidArgument,
			"unknown tts provider "+cfg.Voice.Provider)
	}

	agent.Rebind(llmP, ttsP, cfg)
	m.emit(domain.EventAgentUpdated, id, agent.Room(), nil)
	return nil
}

// AttachAgentToRoom binds an agent to a room: media client, both pipelines,
// and the arbiter entry are set up atomically, or not at all.
func (m *Manager) AttachAgentToRoom(ctx context.Context, id, roomID string) error {
	ctx, span := tracer.StartSpan(ctx, "manager.attach",
		trace.WithAttributes(tracer.StringAttr("agent.id", id), tracer.StringAttr("room", roomID)))
	defer span.End()

	if roomID == "" {
		return domain.NewDomainError("Manager.AttachAgentToRoom", domain.ErrInvalidArgument, "empty room")
	}

	m.mu.Lock()
	agent, exists := m.agents[id]
	if !exists {
		m.mu.Unlock()
		return domain.NewDomainError("Manager.AttachAgentToRoom", domain.ErrNotFound, id)
	}
	if current := agent.Room(); current != "" {
		m.mu.Unlock()
		if current == roomID {
			return domain.NewDomainError("Manager.AttachAgentToRoom", domain.ErrAlreadyExists, "already in "+roomID)
		}
		return domain.NewDomainError("Manager.AttachAgentToRoom", domain.ErrBusy, "attached to "+current)
	}
	if m.roomPopulationLocked(roomID) >= m.opts.PerRoomAgentCap {
		m.mu.Unlock()
		return domain.NewDomainError("Manager.AttachAgentToRoom", domain.ErrCapacityExceeded, "room "+roomID)
	}
	arb, roomExisted := m.rooms[roomID]
	if !roomExisted {
		arb = room.New(room.Options{
			Room:            roomID,
			Output:          m,
			Events:          m.opts.Events,
			Selector:        m.opts.Selector,
			TurnQueueCap:    m.opts.TurnQueueCap,
			SpeakingLimit:   m.opts.SpeakingLimit,
			LogCap:          m.opts.LogCap,
			ConfidenceFloor: m.opts.ConfidenceFloor,
			RespondTimeout:  m.opts.LLMTimeout,
			Logger:          m.logger,
		})
		m.rooms[roomID] = arb
	}
	needsListener := !m.roomHasListenerLocked(roomID)
	m.mu.Unlock()

	b, err := m.buildBinding(ctx, agent, roomID, needsListener, arb)
	if err != nil {
		m.closeRoomIfEmpty(roomID)
		return domain.WrapOp("Manager.AttachAgentToRoom", err)
	}

	if err := arb.Join(agent); err != nil {
		m.releaseBinding(b)
		m.closeRoomIfEmpty(roomID)
		return domain.WrapOp("Manager.AttachAgentToRoom", err)
	}

	m.mu.Lock()
	m.bindings[id] = b
	m.mu.Unlock()
	agent.SetRoom(roomID)

	m.logger.Info("agent joined room", "agent_id", id, "room", roomID)
	m.emit(domain.EventRoomJoined, id, roomID, nil)
	return nil
}

// buildBinding dials the media client and builds the audio pipelines.
func (m *Manager) buildBinding(ctx context.Context, agent *voice.Agent, roomID string, listener bool, arb *room.Arbiter) (*binding, error) {
	client, err := m.opts.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := client.Join(ctx, roomID, agent.ID()); err != nil {
		return nil, err
	}

	bctx, cancel := context.WithCancel(context.Background())
	b := &binding{
		agent:  agent,
		roomID: roomID,
		client: client,
		egress: audio.NewEgress(audio.EgressOptions{
			Transcoder: m.opts.Transcoder,
			Target:     domain.RoomFormat(),
			ChunkSize:  m.opts.EgressChunkBytes,
		}),
		ingres: audio.NewIngress(audio.IngressOptions{
			Transcoder:   m.opts.Transcoder,
			Source:       domain.RoomFormat(),
			Bucket:       m.opts.IngressBucket,
			VADThreshold: m.opts.VADThreshold,
		}),
		ctx:    bctx,
		cancel: cancel,
	}

	if listener {
		if err := m.startIntake(ctx, b, arb); err != nil {
			m.releaseBinding(b)
			return nil, err
		}
	}
	return b, nil
}

// startIntake wires room audio through the ingress pipeline into a streaming
// transcription session feeding the arbiter. One binding per room carries the
// intake so each human utterance produces a single transcript.
func (m *Manager) startIntake(ctx context.Context, b *binding, arb *room.Arbiter) error {
	sttP, err := m.opts.Providers.STT("")
	if err != nil {
		return err
	}

	session, err := sttP.OpenSession(b.ctx, b.roomID, m.opts.STTLanguage)
	if err != nil {
		return err
	}
	b.stt = session
	b.listener = true

	_, sink, err := b.client.Consume(ctx, "mix")
	if err != nil {
		_ = session.Close()
		return err
	}

	b.wg.Add(3)
	// Media → ingress pipeline.
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.ctx.Done():
				return
			case chunk, ok := <-sink:
				if !ok {
					return
				}
				if err := b.ingres.Push(b.ctx, chunk); err != nil {
					m.logger.Warn("ingress push failed", "room", b.roomID, "err", err)
				}
			}
		}
	}()
	// Ingress pipeline → transcription session; silence is not sent.
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.ctx.Done():
				return
			case chunk, ok := <-b.ingres.Out():
				if !ok {
					return
				}
				if !chunk.IsVoice {
					continue
				}
				if err := session.Send(chunk.PCM); err != nil {
					m.logger.Warn("stt send failed", "room", b.roomID, "err", err)
				}
			}
		}
	}()
	// Transcripts → arbiter.
	go func() {
		defer b.wg.Done()
		for tr := range session.Results() {
			origin := tr.Session
			if origin == "" {
				origin = b.roomID
			}
			arb.HandleTranscript(tr, origin)
		}
	}()
	return nil
}

// DetachAgentFromRoom unbinds an agent and releases its media resources.
func (m *Manager) DetachAgentFromRoom(ctx context.Context, id string) error {
	ctx, span := tracer.StartSpan(ctx, "manager.detach",
		trace.WithAttributes(tracer.StringAttr("agent.id", id)))
	defer span.End()

	m.mu.Lock()
	agent, exists := m.agents[id]
	if !exists {
		m.mu.Unlock()
		return domain.NewDomainError("Manager.DetachAgentFromRoom", domain.ErrNotFound, id)
	}
	b := m.bindings[id]
	delete(m.bindings, id)
	m.mu.Unlock()

	if b == nil {
		return domain.NewDomainError("Manager.DetachAgentFromRoom", domain.ErrInvalidArgument, "not in a room")
	}

	roomID := b.roomID
	m.mu.Lock()
	arb := m.rooms[roomID]
	m.mu.Unlock()
	if arb != nil {
		if err := arb.Leave(id); err != nil {
			m.logger.Warn("arbiter leave failed", "agent_id", id, "err", err)
		}
	}

	wasListener := b.listener
	m.releaseBinding(b)
	agent.SetRoom("")
	agent.SetStatus(domain.StatusIdle)

	m.mu.Lock()
	closedArb := m.cleanupEmptyRoomLocked(roomID)
	var successor *binding
	if wasListener {
		successor = m.pickListenerLocked(roomID)
	}
	stillOpen := m.rooms[roomID]
	m.mu.Unlock()
	if closedArb != nil {
		closedArb.Close()
	}

	// Hand the room's audio intake to another binding.
	if successor != nil && stillOpen != nil {
		if err := m.startIntake(ctx, successor, stillOpen); err != nil {
			m.logger.Warn("failed to hand over room intake", "room", roomID, "err", err)
		}
	}

	m.logger.Info("agent left room", "agent_id", id, "room", roomID)
	m.emit(domain.EventRoomLeft, id, roomID, nil)
	return nil
}

// releaseBinding tears down a binding's media resources. Idempotent.
func (m *Manager) releaseBinding(b *binding) {
	b.cancel()
	b.turnMu.Lock()
	if b.producer != nil {
		_ = b.producer.Close()
		b.producer = nil
	}
	b.turnMu.Unlock()
	if b.stt != nil {
		_ = b.stt.Close()
	}
	b.egress.Close()
	b.ingres.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = b.client.Leave(ctx)
	b.wg.Wait()
}

// closeRoomIfEmpty removes and closes a room arbiter with no bindings.
func (m *Manager) closeRoomIfEmpty(roomID string) {
	m.mu.Lock()
	arb := m.cleanupEmptyRoomLocked(roomID)
	m.mu.Unlock()
	if arb != nil {
		arb.Close()
	}
}

// roomPopulationLocked counts bindings attached to roomID.
func (m *Manager) roomPopulationLocked(roomID string) int {
	n := 0
	for _, b := range m.bindings {
		if b.roomID == roomID {
			n++
		}
	}
	return n
}

func (m *Manager) roomHasListenerLocked(roomID string) bool {
	for _, b := range m.bindings {
		if b.roomID == roomID && b.listener {
			return true
		}
	}
	return false
}

// pickListenerLocked selects the next intake carrier for a room.
func (m *Manager) pickListenerLocked(roomID string) *binding {
	var ids []string
	for id, b := range m.bindings {
		if b.roomID == roomID && !b.listener {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)
	return m.bindings[ids[0]]
}

// cleanupEmptyRoomLocked removes the arbiter of a room with no bindings left
// and returns it. The caller must Close it after releasing the manager lock:
// arbiter ops can call back into the manager, so closing under the lock
// would deadlock.
func (m *Manager) cleanupEmptyRoomLocked(roomID string) *room.Arbiter {
	if m.roomPopulationLocked(roomID) > 0 {
		return nil
	}
	arb, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	delete(m.rooms, roomID)
	m.logger.Info("room destroyed", "room", roomID)
	return arb
}

// RequestSpeak asks the room arbiter for a turn on the agent's behalf.
func (m *Manager) RequestSpeak(_ context.Context, id, text string) error {
	if text == "" {
		return domain.NewDomainError("Manager.RequestSpeak", domain.ErrInvalidArgument, "empty text")
	}

	arb, err := m.arbiterFor(id, "Manager.RequestSpeak")
	if err != nil {
		return err
	}
	return arb.RequestSpeak(id, text)
}

// CancelSpeak stops the agent's current or queued speech.
func (m *Manager) CancelSpeak(_ context.Context, id string) error {
	arb, err := m.arbiterFor(id, "Manager.CancelSpeak")
	if err != nil {
		return err
	}
	return arb.CancelSpeak(id)
}

func (m *Manager) arbiterFor(id, op string) (*room.Arbiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.agents[id]; !exists {
		return nil, domain.NewDomainError(op, domain.ErrNotFound, id)
	}
	b := m.bindings[id]
	if b == nil {
		return nil, domain.NewDomainError(op, domain.ErrInvalidArgument, "not in a room")
	}
	arb := m.rooms[b.roomID]
	if arb == nil {
		return nil, domain.NewDomainError(op, domain.ErrNotFound, "room "+b.roomID)
	}
	return arb, nil
}

// SendText runs a plain text exchange with an agent and returns the reply.
func (m *Manager) SendText(ctx context.Context, id, from, content string) (domain.Message, error) {
	if content == "" {
		return domain.Message{}, domain.NewDomainError("Manager.SendText", domain.ErrInvalidArgument, "empty text")
	}
	m.mu.Lock()
	agent, exists := m.agents[id]
	m.mu.Unlock()
	if !exists {
		return domain.Message{}, domain.NewDomainError("Manager.SendText", domain.ErrNotFound, id)
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.LLMTimeout)
	defer cancel()

	reply, err := agent.ProcessText(ctx, domain.Message{
		ID:        domain.NewID(),
		Kind:      domain.KindInboundText,
		Content:   content,
		From:      from,
		To:        id,
		Timestamp: time.Now(),
	})
	if err != nil {
		return domain.Message{}, domain.WrapOp("Manager.SendText", err)
	}

	m.emit(domain.EventConversation, id, agent.Room(), domain.MarshalPayload(reply))
	return reply, nil
}

// HandleFinalTranscript routes an externally produced final transcript to its
// room's arbiter. The session id is expected to begin with the room id,
// optionally followed by a "-" suffix.
func (m *Manager) HandleFinalTranscript(tr domain.FinalTranscriptEvent) error {
	roomID := roomFromSession(tr.Session)

	m.mu.Lock()
	arb := m.rooms[roomID]
	m.mu.Unlock()
	if arb == nil {
		return domain.NewDomainError("Manager.HandleFinalTranscript", domain.ErrNotFound, "room "+roomID)
	}

	ts := tr.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	arb.HandleTranscript(domain.Transcript{
		Session:    tr.Session,
		Text:       tr.Text,
		Confidence: tr.Confidence,
		Final:      true,
		Timestamp:  ts,
	}, tr.Session)
	return nil
}

func roomFromSession(session string) string {
	for i := 0; i < len(session); i++ {
		if session[i] == '-' {
			return session[:i]
		}
	}
	return session
}

// ListAgents returns snapshots of every agent, sorted by id.
func (m *Manager) ListAgents() []domain.AgentSnapshot {
	m.mu.Lock()
	agents := make([]*voice.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.Unlock()

	out := make([]domain.AgentSnapshot, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetAgent returns one agent's snapshot.
func (m *Manager) GetAgent(id string) (domain.AgentSnapshot, error) {
	m.mu.Lock()
	agent, exists := m.agents[id]
	m.mu.Unlock()
	if !exists {
		return domain.AgentSnapshot{}, domain.NewDomainError("Manager.GetAgent", domain.ErrNotFound, id)
	}
	return agent.Snapshot(), nil
}

// GetRoom returns one room's snapshot.
func (m *Manager) GetRoom(roomID string) (domain.RoomSnapshot, error) {
	m.mu.Lock()
	arb := m.rooms[roomID]
	m.mu.Unlock()
	if arb == nil {
		return domain.RoomSnapshot{}, domain.NewDomainError("Manager.GetRoom", domain.ErrNotFound, roomID)
	}
	return arb.Snapshot(), nil
}

// RoomLog returns a copy of one room's conversation log.
func (m *Manager) RoomLog(roomID string) ([]domain.LogEntry, error) {
	m.mu.Lock()
	arb := m.rooms[roomID]
	m.mu.Unlock()
	if arb == nil {
		return nil, domain.NewDomainError("Manager.RoomLog", domain.ErrNotFound, roomID)
	}
	return arb.Log(), nil
}

// PipelineStats is the per-binding pipeline counter pair.
type PipelineStats struct {
	Ingress audio.Snapshot `json:"ingress"`
	Egress  audio.Snapshot `json:"egress"`
}

// Stats is a point-in-time view of the whole core.
type Stats struct {
	Agents    int                           `json:"agents"`
	ByStatus  map[domain.AgentStatus]int    `json:"by_status"`
	Rooms     int                           `json:"rooms"`
	Tokens    map[string]domain.TokenTotals `json:"tokens,omitempty"`
	Pipelines map[string]PipelineStats      `json:"pipelines"`
}

// Stats returns current counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	agents := make([]*voice.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	stats := Stats{
		Agents:    len(m.agents),
		ByStatus:  make(map[domain.AgentStatus]int),
		Rooms:     len(m.rooms),
		Pipelines: make(map[string]PipelineStats, len(m.bindings)),
	}
	for id, b := range m.bindings {
		stats.Pipelines[id] = PipelineStats{
			Ingress: b.ingres.Stats().Snapshot(),
			Egress:  b.egress.Stats().Snapshot(),
		}
	}
	m.mu.Unlock()

	for _, a := range agents {
		stats.ByStatus[a.Status()]++
	}
	if m.opts.Providers.TokenTotals != nil {
		stats.Tokens = m.opts.Providers.TokenTotals()
	}
	return stats
}

// onStatusChange relays agent status transitions to observers.
func (m *Manager) onStatusChange(agentID string, from, to domain.AgentStatus) {
	m.mu.Lock()
	var roomID string
	if b := m.bindings[agentID]; b != nil {
		roomID = b.roomID
	}
	m.mu.Unlock()

	m.emit(domain.EventAgentStatusChanged, agentID, roomID,
		domain.MarshalPayload(domain.StatusChangedPayload{From: from, To: to}))
}

func (m *Manager) emit(eventType domain.EventType, agentID, roomID string, payload []byte) {
	if m.opts.Events == nil {
		return
	}
	m.opts.Events.Publish(context.Background(), domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		AgentID:   agentID,
		Room:      roomID,
		Payload:   payload,
	})
}

// Close tears down every binding, arbiter, and bus subscription.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	bindings := m.bindings
	rooms := m.rooms
	unsubs := m.unsubs
	m.bindings = make(map[string]*binding)
	m.rooms = make(map[string]*room.Arbiter)
	m.unsubs = nil
	m.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, arb := range rooms {
		arb.Close()
	}
	for _, b := range bindings {
		m.releaseBinding(b)
	}
}
