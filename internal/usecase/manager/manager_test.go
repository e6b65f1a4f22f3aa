package manager

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxhall/internal/domain"
	"voxhall/internal/usecase/audio"
	"voxhall/internal/usecase/room"
)

// --- test doubles ---

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
	all    []domain.EventHandler
}

func (r *recorder) Publish(ctx context.Context, e domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	handlers := append([]domain.EventHandler(nil), r.all...)
	r.mu.Unlock()
	for _, h := range handlers {
		h(ctx, e)
	}
}

func (r *recorder) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }

func (r *recorder) SubscribeAll(h domain.EventHandler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, h)
	return func() {}
}

func (r *recorder) Close() {}

func (r *recorder) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) count(t domain.EventType) int {
	n := 0
	for _, et := range r.types() {
		if et == t {
			n++
		}
	}
	return n
}

type fakeLLM struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (f *fakeLLM) Generate(_ context.Context, _ *domain.GenerateRequest) (*domain.GenerateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &domain.GenerateResult{Reply: f.reply, ModelTag: "m1"}, nil
}
func (f *fakeLLM) Name() string    { return "fake-llm" }
func (f *fakeLLM) Available() bool { return true }

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTTS struct{ err error }

func (f *fakeTTS) Synthesize(_ context.Context, req *domain.SpeechRequest) (*domain.Audio, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Audio{Data: []byte(req.Text), Format: domain.SynthFormat()}, nil
}
func (f *fakeTTS) Name() string    { return "fake-tts" }
func (f *fakeTTS) Available() bool { return true }

type fakeSTTSession struct {
	mu      sync.Mutex
	sent    [][]byte
	results chan domain.Transcript
	closed  bool
}

func (s *fakeSTTSession) Send(chunk []byte) error {
	s.mu.Lock()
	s.sent = append(s.sent, chunk)
	s.mu.Unlock()
	return nil
}
func (s *fakeSTTSession) Results() <-chan domain.Transcript { return s.results }
func (s *fakeSTTSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.results)
	}
	return nil
}

type fakeSTT struct {
	mu       sync.Mutex
	sessions []*fakeSTTSession
}

func (f *fakeSTT) Transcribe(context.Context, *domain.Audio, string) (*domain.Transcript, error) {
	return &domain.Transcript{Text: "batch", Confidence: 0.9, Final: true}, nil
}
func (f *fakeSTT) OpenSession(context.Context, string, string) (domain.STTSession, error) {
	s := &fakeSTTSession{results: make(chan domain.Transcript, 8)}
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}
func (f *fakeSTT) Name() string    { return "fake-stt" }
func (f *fakeSTT) Available() bool { return true }

type fakeProducer struct {
	id     string
	mu     sync.Mutex
	data   []byte
	closed bool
}

func (p *fakeProducer) ID() string { return p.id }
func (p *fakeProducer) Write(_ context.Context, chunk []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.ErrCancelled
	}
	p.data = append(p.data, chunk...)
	return nil
}
func (p *fakeProducer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

type fakeMediaClient struct {
	mu        sync.Mutex
	room      string
	peer      string
	joined    bool
	left      bool
	producers []*fakeProducer
	sinks     []chan []byte
}

func (c *fakeMediaClient) Join(_ context.Context, room, peerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room, c.peer, c.joined = room, peerID, true
	return nil
}

func (c *fakeMediaClient) Leave(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.left = true
	for _, sink := range c.sinks {
		close(sink)
	}
	c.sinks = nil
	return nil
}

func (c *fakeMediaClient) Produce(context.Context, domain.AudioFormat) (domain.Producer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := &fakeProducer{id: domain.NewID()}
	c.producers = append(c.producers, p)
	return p, nil
}

func (c *fakeMediaClient) StopProduce(context.Context, string) error { return nil }

func (c *fakeMediaClient) Consume(context.Context, string) (string, <-chan []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sink := make(chan []byte, 8)
	c.sinks = append(c.sinks, sink)
	return domain.NewID(), sink, nil
}

func (c *fakeMediaClient) StopConsume(context.Context, string) error { return nil }

func (c *fakeMediaClient) Participants(context.Context) ([]domain.Participant, error) {
	return nil, nil
}

type fakeDialer struct {
	mu      sync.Mutex
	clients []*fakeMediaClient
}

func (d *fakeDialer) Dial(context.Context) (domain.MediaRoomClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeMediaClient{}
	d.clients = append(d.clients, c)
	return c, nil
}

// memBus is a synchronous in-memory message bus.
type memBus struct {
	mu   sync.Mutex
	subs map[string][]domain.BusHandler
	sent map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{subs: make(map[string][]domain.BusHandler), sent: make(map[string][][]byte)}
}

func (b *memBus) Connect(context.Context) error { return nil }
func (b *memBus) Close() error                  { return nil }

func (b *memBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	b.sent[topic] = append(b.sent[topic], payload)
	handlers := append([]domain.BusHandler(nil), b.subs[topic]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(topic, payload)
	}
	return nil
}

func (b *memBus) Subscribe(_ context.Context, topic string, h domain.BusHandler) (func(), error) {
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], h)
	b.mu.Unlock()
	return func() {}, nil
}

func (b *memBus) published(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent[topic])
}

// --- fixture ---

type fixture struct {
	m      *Manager
	rec    *recorder
	dialer *fakeDialer
	llm    *fakeLLM
	tts    *fakeTTS
	stt    *fakeSTT
}

func newFixture(t *testing.T, tune func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		rec:    &recorder{},
		dialer: &fakeDialer{},
		llm:    &fakeLLM{reply: "how delightful"},
		tts:    &fakeTTS{},
		stt:    &fakeSTT{},
	}

	opts := Options{
		Events:     f.rec,
		Dialer:     f.dialer,
		Transcoder: audio.Passthrough{},
		Selector:   room.FirstSelector{},
		Logger:     slog.Default(),
		Providers: ProviderResolvers{
			LLM: func(string) (domain.LLMProvider, error) { return f.llm, nil },
			TTS: func(string) (domain.TTSProvider, error) { return f.tts, nil },
			STT: func(string) (domain.STTProvider, error) { return f.stt, nil },
		},
	}
	if tune != nil {
		tune(&opts)
	}
	f.m = New(opts)
	t.Cleanup(f.m.Close)
	return f
}

func (f *fixture) create(t *testing.T, id string) {
	t.Helper()
	_, err := f.m.CreateAgent(context.Background(), "persona "+id, id, nil)
	require.NoError(t, err)
}

func (f *fixture) attach(t *testing.T, id, roomID string) {
	t.Helper()
	require.NoError(t, f.m.AttachAgentToRoom(context.Background(), id, roomID))
}

func waitEvent(t *testing.T, rec *recorder, et domain.EventType, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return rec.count(et) >= n },
		2*time.Second, 5*time.Millisecond, "waiting for %d x %s, have %v", n, et, rec.types())
}

// --- tests ---

func TestCreateAgentValidations(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.GlobalAgentCap = 2 })
	ctx := context.Background()

	_, err := f.m.CreateAgent(ctx, "", "a1", nil)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	f.create(t, "a1")
	_, err = f.m.CreateAgent(ctx, "again", "a1", nil)
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	f.create(t, "a2")
	_, err = f.m.CreateAgent(ctx, "one too many", "a3", nil)
	require.ErrorIs(t, err, domain.ErrCapacityExceeded)
	assert.Len(t, f.m.ListAgents(), 2, "cap is never exceeded in state")
}

func TestCreateThenDelete(t *testing.T) {
	f := newFixture(t, nil)
	before := len(f.m.ListAgents())

	f.create(t, "a1")
	require.NoError(t, f.m.DeleteAgent(context.Background(), "a1"))
	assert.Len(t, f.m.ListAgents(), before)

	types := f.rec.types()
	assert.Equal(t, []domain.EventType{domain.EventAgentCreated, domain.EventAgentDeleted}, types)

	require.ErrorIs(t, f.m.DeleteAgent(context.Background(), "a1"), domain.ErrNotFound)
}

func TestAttachDetachRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	f.create(t, "a1")

	f.attach(t, "a1", "lounge")

	snap, err := f.m.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, "lounge", snap.Room)
	assert.Equal(t, domain.StatusListening, snap.Status)

	roomSnap, err := f.m.GetRoom("lounge")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, roomSnap.Agents)

	// The binding owns a joined media client.
	require.Len(t, f.dialer.clients, 1)
	assert.True(t, f.dialer.clients[0].joined)

	require.NoError(t, f.m.DetachAgentFromRoom(context.Background(), "a1"))

	snap, err = f.m.GetAgent("a1")
	require.NoError(t, err)
	assert.Empty(t, snap.Room)
	assert.Equal(t, domain.StatusIdle, snap.Status)

	// Last agent out destroys the room, and media resources are released.
	_, err = f.m.GetRoom("lounge")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.True(t, f.dialer.clients[0].left)

	assert.Equal(t, 1, f.rec.count(domain.EventRoomJoined))
	assert.Equal(t, 1, f.rec.count(domain.EventRoomLeft))
}

func TestAttachValidations(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.PerRoomAgentCap = 2 })
	ctx := context.Background()

	require.ErrorIs(t, f.m.AttachAgentToRoom(ctx, "ghost", "r"), domain.ErrNotFound)

	f.create(t, "a1")
	require.ErrorIs(t, f.m.AttachAgentToRoom(ctx, "a1", ""), domain.ErrInvalidArgument)

	f.attach(t, "a1", "r")
	require.ErrorIs(t, f.m.AttachAgentToRoom(ctx, "a1", "r"), domain.ErrAlreadyExists)
	require.ErrorIs(t, f.m.AttachAgentToRoom(ctx, "a1", "other"), domain.ErrBusy)

	f.create(t, "a2")
	f.create(t, "a3")
	f.attach(t, "a2", "r")
	err := f.m.AttachAgentToRoom(ctx, "a3", "r")
	require.ErrorIs(t, err, domain.ErrCapacityExceeded)

	roomSnap, err := f.m.GetRoom("r")
	require.NoError(t, err)
	assert.Len(t, roomSnap.Agents, 2)
}

func TestDetachValidations(t *testing.T) {
	f := newFixture(t, nil)
	require.ErrorIs(t, f.m.DetachAgentFromRoom(context.Background(), "ghost"), domain.ErrNotFound)

	f.create(t, "a1")
	require.ErrorIs(t, f.m.DetachAgentFromRoom(context.Background(), "a1"), domain.ErrInvalidArgument)
}

func TestSpeakDeliversAudio(t *testing.T) {
	f := newFixture(t, nil)
	f.create(t, "a1")
	f.attach(t, "a1", "r")

	require.NoError(t, f.m.RequestSpeak(context.Background(), "a1", "Hello"))
	waitEvent(t, f.rec, domain.EventSpeakingEnd, 1)

	// TTS bytes made it to a media producer via the egress pipeline.
	client := f.dialer.clients[0]
	client.mu.Lock()
	defer client.mu.Unlock()
	require.NotEmpty(t, client.producers)
	assert.Equal(t, []byte("Hello"), client.producers[0].data)
}

func TestSpeakValidations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.ErrorIs(t, f.m.RequestSpeak(ctx, "ghost", "hi"), domain.ErrNotFound)

	f.create(t, "a1")
	require.ErrorIs(t, f.m.RequestSpeak(ctx, "a1", ""), domain.ErrInvalidArgument)
	require.ErrorIs(t, f.m.RequestSpeak(ctx, "a1", "hi"), domain.ErrInvalidArgument)
}

func TestSequentialTurns(t *testing.T) {
	f := newFixture(t, nil)
	f.create(t, "a1")
	f.create(t, "a2")
	f.attach(t, "a1", "r")
	f.attach(t, "a2", "r")

	require.NoError(t, f.m.RequestSpeak(context.Background(), "a1", "one"))
	require.NoError(t, f.m.RequestSpeak(context.Background(), "a2", "two"))

	waitEvent(t, f.rec, domain.EventSpeakingEnd, 2)

	// Starts and ends strictly alternate.
	var turns []domain.EventType
	for _, et := range f.rec.types() {
		if et == domain.EventSpeakingStart || et == domain.EventSpeakingEnd {
			turns = append(turns, et)
		}
	}
	require.Len(t, turns, 4)
	assert.Equal(t, domain.EventSpeakingStart, turns[0])
	assert.Equal(t, domain.EventSpeakingEnd, turns[1])
	assert.Equal(t, domain.EventSpeakingStart, turns[2])
	assert.Equal(t, domain.EventSpeakingEnd, turns[3])
}

func TestTranscriptTriggersReply(t *testing.T) {
	f := newFixture(t, nil)
	f.create(t, "a1")
	f.attach(t, "a1", "R")

	err := f.m.HandleFinalTranscript(domain.FinalTranscriptEvent{
		Session: "R-s1", Text: "hello agent", Confidence: 0.95, TS: time.Now(),
	})
	require.NoError(t, err)

	waitEvent(t, f.rec, domain.EventConversation, 1)
	waitEvent(t, f.rec, domain.EventSpeakingStart, 1)

	log, err := f.m.RoomLog("R")
	require.NoError(t, err)
	require.NotEmpty(t, log)
	assert.Equal(t, domain.LogTranscript, log[0].Kind)
	assert.Equal(t, "hello agent", log[0].Text)
}

func TestLowConfidenceTranscriptDropped(t *testing.T) {
	f := newFixture(t, nil)
	f.create(t, "a1")
	f.attach(t, "a1", "R")

	err := f.m.HandleFinalTranscript(domain.FinalTranscriptEvent{
		Session: "R-s1", Text: "mumble", Confidence: 0.4, TS: time.Now(),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		log, _ := f.m.RoomLog("R")
		return len(log) == 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.llm.callCount())
	assert.Zero(t, f.rec.count(domain.EventConversation))
	assert.Zero(t, f.rec.count(domain.EventSpeakingStart))
}

func TestTranscriptForUnknownRoom(t *testing.T) {
	f := newFixture(t, nil)
	err := f.m.HandleFinalTranscript(domain.FinalTranscriptEvent{Session: "nowhere-1", Text: "x", Confidence: 0.9})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMediaDownDetachesAgent(t *testing.T) {
	f := newFixture(t, nil)
	f.create(t, "a1")
	f.attach(t, "a1", "r")

	client := f.dialer.clients[0]
	f.m.HandleMediaDown(client, domain.ErrMediaUnrecoverable)

	snap, err := f.m.GetAgent("a1")
	require.NoError(t, err)
	assert.Empty(t, snap.Room, "agent detached after unrecoverable media failure")
	assert.Equal(t, 1, f.rec.count(domain.EventRoomLeft))
}

func TestIntakeFeedsArbiter(t *testing.T) {
	f := newFixture(t, nil)
	f.create(t, "a1")
	f.attach(t, "a1", "R")

	// The first binding carries the intake: it has an open STT session.
	require.Len(t, f.stt.sessions, 1)
	session := f.stt.sessions[0]

	session.results <- domain.Transcript{
		Session: "R", Text: "tell me a story", Confidence: 0.9, Final: true, Timestamp: time.Now(),
	}

	waitEvent(t, f.rec, domain.EventSpeakingStart, 1)
	assert.GreaterOrEqual(t, f.llm.callCount(), 1)
}

func TestListenerHandoverOnDetach(t *testing.T) {
	f := newFixture(t, nil)
	f.create(t, "a1")
	f.create(t, "a2")
	f.attach(t, "a1", "r")
	f.attach(t, "a2", "r")

	require.Len(t, f.stt.sessions, 1, "only one intake per room")

	require.NoError(t, f.m.DetachAgentFromRoom(context.Background(), "a1"))
	assert.Len(t, f.stt.sessions, 2, "intake moved to the surviving binding")

	roomSnap, err := f.m.GetRoom("r")
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, roomSnap.Agents)
}

func TestUpdateAgentConfig(t *testing.T) {
	f := newFixture(t, nil)
	f.create(t, "a1")

	cfg := domain.AgentConfig{
		LLM:   domain.LLMSettings{Model: "claude-sonnet-4-5", Temperature: 0.5},
		Voice: domain.VoiceSettings{Voice: "nova"},
	}
	require.NoError(t, f.m.UpdateAgentConfig(context.Background(), "a1", cfg))

	snap, err := f.m.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5", snap.Config.LLM.Model)
	assert.Equal(t, 1, f.rec.count(domain.EventAgentUpdated))

	require.ErrorIs(t, f.m.UpdateAgentConfig(context.Background(), "ghost", cfg), domain.ErrNotFound)
}

func TestSendText(t *testing.T) {
	f := newFixture(t, nil)
	f.create(t, "a1")

	reply, err := f.m.SendText(context.Background(), "a1", "u1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "how delightful", reply.Content)
	assert.Equal(t, 1, f.rec.count(domain.EventConversation))

	_, err = f.m.SendText(context.Background(), "a1", "u1", "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestStats(t *testing.T) {
	f := newFixture(t, nil)
	f.create(t, "a1")
	f.create(t, "a2")
	f.attach(t, "a1", "r")

	stats := f.m.Stats()
	assert.Equal(t, 2, stats.Agents)
	assert.Equal(t, 1, stats.Rooms)
	assert.Equal(t, 1, stats.ByStatus[domain.StatusListening])
	assert.Equal(t, 1, stats.ByStatus[domain.StatusIdle])
	assert.Contains(t, stats.Pipelines, "a1")
}

func TestBindBusDispatchesCommands(t *testing.T) {
	f := newFixture(t, nil)
	bus := newMemBus()
	ctx := context.Background()
	require.NoError(t, f.m.BindBus(ctx, bus))

	payload, _ := json.Marshal(domain.CreateAgentCommand{Persona: "bus persona", ID: "b1"})
	require.NoError(t, bus.Publish(ctx, domain.TopicAgentCreate, payload))

	require.Eventually(t, func() bool {
		_, err := f.m.GetAgent("b1")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	payload, _ = json.Marshal(domain.JoinRoomCommand{ID: "b1", Room: "R"})
	require.NoError(t, bus.Publish(ctx, domain.TopicAgentJoinRoom, payload))
	require.Eventually(t, func() bool {
		snap, _ := f.m.GetAgent("b1")
		return snap.Room == "R"
	}, 2*time.Second, 5*time.Millisecond)

	payload, _ = json.Marshal(domain.FinalTranscriptEvent{Session: "R-s1", Text: "hello", Confidence: 0.95})
	require.NoError(t, bus.Publish(ctx, domain.TopicTranscriptionFinal, payload))
	waitEvent(t, f.rec, domain.EventSpeakingStart, 1)

	// Observer events are mirrored onto the bus.
	require.Eventually(t, func() bool {
		return bus.published(string(domain.EventAgentCreated)) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	// Ill-formed payloads are rejected without side effects.
	require.NoError(t, bus.Publish(ctx, domain.TopicAgentCreate, []byte("{not json")))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, f.m.ListAgents(), 1)
}
