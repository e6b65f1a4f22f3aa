package room

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
	"voxhall/internal/usecase/voice"
)

// recorder captures events in emission order.
type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(_ context.Context, e domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (r *recorder) SubscribeAll(domain.EventHandler) func()               { return func() {} }
func (r *recorder) Close()                                                {}

func (r *recorder) ofType(t domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// turnEvents returns the speaking start/end sequence as "start:id"/"end:id".
func (r *recorder) turnEvents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		switch e.Type {
		case domain.EventSpeakingStart:
			out = append(out, "start:"+e.AgentID)
		case domain.EventSpeakingEnd:
			out = append(out, "end:"+e.AgentID)
		}
	}
	return out
}

// fakeOutput is a scriptable room output.
type fakeOutput struct {
	mu      sync.Mutex
	playing []string
	stopped []string
	hold    bool
	release chan struct{}
	playErr error
}

func newFakeOutput() *fakeOutput {
	return &fakeOutput{release: make(chan struct{}, 16)}
}

func (o *fakeOutput) Play(ctx context.Context, agentID, text string) error {
	o.mu.Lock()
	o.playing = append(o.playing, agentID+":"+text)
	hold := o.hold
	err := o.playErr
	o.mu.Unlock()

	if hold {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.release:
		}
	}
	return err
}

func (o *fakeOutput) Stop(agentID string) {
	o.mu.Lock()
	o.stopped = append(o.stopped, agentID)
	o.mu.Unlock()
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

type fakeTTS struct{}

func (fakeTTS) Synthesize(_ context.Context, req *domain.SpeechRequest) (*domain.Audio, error) {
	return &domain.Audio{Data: []byte(req.Text), Format: domain.SynthFormat()}, nil
}
func (fakeTTS) Name() string    { return "fake-tts" }
func (fakeTTS) Available() bool { return true }

func newAgent(id string, llmP domain.LLMProvider) *voice.Agent {
	return voice.New(voice.Options{
		ID: id, Persona: "persona " + id,
		LLM: llmP, TTS: fakeTTS{}, Logger: slog.Default(),
	})
}

func newArbiter(t *testing.T, out Output, events domain.EventBus, opts Options) *Arbiter {
	t.Helper()
	opts.Room = "R"
	opts.Output = out
	opts.Events = events
	if opts.Selector == nil {
		opts.Selector = FirstSelector{}
	}
	if opts.ConfidenceFloor == 0 {
		opts.ConfidenceFloor = 0.7
	}
	r := New(opts)
	t.Cleanup(r.Close)
	return r
}

func waitTurnEvents(t *testing.T, rec *recorder, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := rec.turnEvents()
		if len(got) != len(want) {
			return false
		}
		for i := range want {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond, "want %v, got %v", want, rec.turnEvents())
}

func TestSequentialSpeak(t *testing.T) {
	out := newFakeOutput()
	rec := &recorder{}
	arb := newArbiter(t, out, rec, Options{})

	a := newAgent("A", &fakeLLM{})
	b := newAgent("B", &fakeLLM{})
	require.NoError(t, arb.Join(a))
	require.NoError(t, arb.Join(b))

	require.NoError(t, arb.RequestSpeak("A", "Hello"))
	waitTurnEvents(t, rec, "start:A", "end:A")

	require.NoError(t, arb.RequestSpeak("B", "Hi"))
	waitTurnEvents(t, rec, "start:A", "end:A", "start:B", "end:B")

	starts := rec.ofType(domain.EventSpeakingStart)
	var p domain.SpeakingStartPayload
	require.NoError(t, jsonUnmarshal(starts[0].Payload, &p))
	assert.Equal(t, "Hello", p.Text)
	assert.Equal(t, "R", starts[0].Room)
}

func TestOverlappingSpeakQueues(t *testing.T) {
	out := newFakeOutput()
	out.hold = true
	rec := &recorder{}
	arb := newArbiter(t, out, rec, Options{})

	a := newAgent("A", &fakeLLM{})
	b := newAgent("B", &fakeLLM{})
	require.NoError(t, arb.Join(a))
	require.NoError(t, arb.Join(b))

	require.NoError(t, arb.RequestSpeak("A", "one"))
	require.Eventually(t, func() bool {
		return arb.Snapshot().Speaker == "A"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, arb.RequestSpeak("B", "two"))
	assert.Equal(t, 1, arb.Snapshot().QueueLen)
	assert.Equal(t, domain.StatusSpeaking, a.Status())

	out.release <- struct{}{} // A finishes
	waitTurnEvents(t, rec, "start:A", "end:A", "start:B")
	assert.Equal(t, 0, arb.Snapshot().QueueLen)

	out.release <- struct{}{} // B finishes
	waitTurnEvents(t, rec, "start:A", "end:A", "start:B", "end:B")
}

func TestTurnQueueCap(t *testing.T) {
	out := newFakeOutput()
	out.hold = true
	arb := newArbiter(t, out, &recorder{}, Options{TurnQueueCap: 1})

	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, arb.Join(newAgent(id, &fakeLLM{})))
	}

	require.NoError(t, arb.RequestSpeak("A", "speaking"))
	require.Eventually(t, func() bool { return arb.Snapshot().Speaker == "A" },
		time.Second, 5*time.Millisecond)

	require.NoError(t, arb.RequestSpeak("B", "queued"))
	err := arb.RequestSpeak("C", "rejected")
	require.ErrorIs(t, err, domain.ErrBusy)

	out.release <- struct{}{}
	out.release <- struct{}{}
}

func TestEmptyTextRejected(t *testing.T) {
	arb := newArbiter(t, newFakeOutput(), &recorder{}, Options{})
	require.NoError(t, arb.Join(newAgent("A", &fakeLLM{})))

	err := arb.RequestSpeak("A", "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSpeakUnknownAgent(t *testing.T) {
	arb := newArbiter(t, newFakeOutput(), &recorder{}, Options{})
	err := arb.RequestSpeak("ghost", "boo")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestForcedStopAtTimeLimit(t *testing.T) {
	out := newFakeOutput()
	out.hold = true // Play blocks until the turn context is cancelled
	rec := &recorder{}
	arb := newArbiter(t, out, rec, Options{SpeakingLimit: 100 * time.Millisecond})

	a := newAgent("A", &fakeLLM{})
	require.NoError(t, arb.Join(a))
	require.NoError(t, arb.RequestSpeak("A", "an extremely long monologue"))

	waitTurnEvents(t, rec, "start:A", "end:A")

	ends := rec.ofType(domain.EventSpeakingEnd)
	var p domain.SpeakingEndPayload
	require.NoError(t, jsonUnmarshal(ends[0].Payload, &p))
	assert.Equal(t, domain.EndReasonForcedStop, p.Reason)

	// The stop reached the output and the log records the forced stop.
	out.mu.Lock()
	assert.Contains(t, out.stopped, "A")
	out.mu.Unlock()

	var kinds []domain.LogEntryKind
	for _, e := range arb.Log() {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, domain.LogForcedStop)

	// The agent goes back to listening, not idle.
	assert.Equal(t, domain.StatusListening, a.Status())
}

func TestCancelSpeak(t *testing.T) {
	out := newFakeOutput()
	out.hold = true
	rec := &recorder{}
	arb := newArbiter(t, out, rec, Options{})

	require.NoError(t, arb.Join(newAgent("A", &fakeLLM{})))
	require.NoError(t, arb.RequestSpeak("A", "interrupted"))
	require.Eventually(t, func() bool { return arb.Snapshot().Speaker == "A" },
		time.Second, 5*time.Millisecond)

	require.NoError(t, arb.CancelSpeak("A"))
	waitTurnEvents(t, rec, "start:A", "end:A")

	ends := rec.ofType(domain.EventSpeakingEnd)
	var p domain.SpeakingEndPayload
	require.NoError(t, jsonUnmarshal(ends[0].Payload, &p))
	assert.Equal(t, domain.EndReasonCancelled, p.Reason)
}

func TestPlayErrorClosesTurn(t *testing.T) {
	out := newFakeOutput()
	out.playErr = domain.ErrProviderError
	rec := &recorder{}
	arb := newArbiter(t, out, rec, Options{})

	require.NoError(t, arb.Join(newAgent("A", &fakeLLM{})))
	require.NoError(t, arb.RequestSpeak("A", "doomed"))

	waitTurnEvents(t, rec, "start:A", "end:A")

	ends := rec.ofType(domain.EventSpeakingEnd)
	var p domain.SpeakingEndPayload
	require.NoError(t, jsonUnmarshal(ends[0].Payload, &p))
	assert.Equal(t, domain.EndReasonError, p.Reason)
	assert.Empty(t, arb.Snapshot().Speaker)
}

func TestTranscriptTriggersReply(t *testing.T) {
	out := newFakeOutput()
	rec := &recorder{}
	arb := newArbiter(t, out, rec, Options{})

	llmP := &fakeLLM{reply: "Happy to help."}
	require.NoError(t, arb.Join(newAgent("A", llmP)))

	arb.HandleTranscript(domain.Transcript{
		Session: "R-s1", Text: "hello agent", Confidence: 0.95, Final: true, Timestamp: time.Now(),
	}, "human-1")

	waitTurnEvents(t, rec, "start:A", "end:A")

	convo := rec.ofType(domain.EventConversation)
	require.Len(t, convo, 1)
	var msg domain.Message
	require.NoError(t, jsonUnmarshal(convo[0].Payload, &msg))
	assert.Equal(t, "Happy to help.", msg.Content)
	assert.Equal(t, "A", msg.From)

	// conversation.message precedes speaking.start.
	rec.mu.Lock()
	var order []domain.EventType
	for _, e := range rec.events {
		order = append(order, e.Type)
	}
	rec.mu.Unlock()
	convoIdx, startIdx := -1, -1
	for i, et := range order {
		if et == domain.EventConversation && convoIdx == -1 {
			convoIdx = i
		}
		if et == domain.EventSpeakingStart && startIdx == -1 {
			startIdx = i
		}
	}
	assert.Less(t, convoIdx, startIdx)

	// The transcript and the utterance are both in the room log.
	log := arb.Log()
	require.GreaterOrEqual(t, len(log), 2)
	assert.Equal(t, domain.LogTranscript, log[0].Kind)
	assert.Equal(t, "hello agent", log[0].Text)
	assert.Equal(t, domain.LogUtterance, log[1].Kind)
}

func TestLowConfidenceTranscriptLoggedButIgnored(t *testing.T) {
	rec := &recorder{}
	llmP := &fakeLLM{reply: "should never be asked"}
	arb := newArbiter(t, newFakeOutput(), rec, Options{})
	require.NoError(t, arb.Join(newAgent("A", llmP)))

	arb.HandleTranscript(domain.Transcript{
		Text: "mumble", Confidence: 0.4, Final: true, Timestamp: time.Now(),
	}, "human-1")

	require.Eventually(t, func() bool { return len(arb.Log()) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.LogTranscript, arb.Log()[0].Kind)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, llmP.callCount())
	assert.Empty(t, rec.ofType(domain.EventSpeakingStart))
	assert.Empty(t, rec.ofType(domain.EventConversation))
}

func TestTranscriptIgnoredWhileSpeaking(t *testing.T) {
	out := newFakeOutput()
	out.hold = true
	llmP := &fakeLLM{reply: "reply"}
	arb := newArbiter(t, out, &recorder{}, Options{})

	require.NoError(t, arb.Join(newAgent("A", llmP)))
	require.NoError(t, arb.RequestSpeak("A", "talking"))
	require.Eventually(t, func() bool { return arb.Snapshot().Speaker == "A" },
		time.Second, 5*time.Millisecond)

	arb.HandleTranscript(domain.Transcript{
		Text: "barge in", Confidence: 0.99, Final: true, Timestamp: time.Now(),
	}, "human-1")

	require.Eventually(t, func() bool {
		for _, e := range arb.Log() {
			if e.Kind == domain.LogTranscript {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "transcript still logged")

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, llmP.callCount(), "no response while a speaker is active")

	out.release <- struct{}{}
}

func TestResponderFailureLogsDeclined(t *testing.T) {
	rec := &recorder{}
	arb := newArbiter(t, newFakeOutput(), rec, Options{})
	require.NoError(t, arb.Join(newAgent("A", &fakeLLM{err: domain.ErrProviderError})))

	arb.HandleTranscript(domain.Transcript{
		Text: "anyone there?", Confidence: 0.9, Final: true, Timestamp: time.Now(),
	}, "human-1")

	require.Eventually(t, func() bool {
		for _, e := range arb.Log() {
			if e.Kind == domain.LogDeclined {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	assert.Empty(t, rec.ofType(domain.EventSpeakingStart))
	assert.Empty(t, arb.Snapshot().Speaker)
}

func TestLeaveDropsQueuedTurn(t *testing.T) {
	out := newFakeOutput()
	out.hold = true
	rec := &recorder{}
	arb := newArbiter(t, out, rec, Options{})

	a := newAgent("A", &fakeLLM{})
	b := newAgent("B", &fakeLLM{})
	require.NoError(t, arb.Join(a))
	require.NoError(t, arb.Join(b))

	require.NoError(t, arb.RequestSpeak("A", "talking"))
	require.Eventually(t, func() bool { return arb.Snapshot().Speaker == "A" },
		time.Second, 5*time.Millisecond)
	require.NoError(t, arb.RequestSpeak("B", "queued"))

	require.NoError(t, arb.Leave("B"))
	assert.Equal(t, domain.StatusIdle, b.Status())

	out.release <- struct{}{}
	waitTurnEvents(t, rec, "start:A", "end:A")

	time.Sleep(50 * time.Millisecond)
	assert.NotContains(t, rec.turnEvents(), "start:B")
}

func TestLeaveCurrentSpeakerEndsTurn(t *testing.T) {
	out := newFakeOutput()
	out.hold = true
	rec := &recorder{}
	arb := newArbiter(t, out, rec, Options{})

	require.NoError(t, arb.Join(newAgent("A", &fakeLLM{})))
	require.NoError(t, arb.RequestSpeak("A", "talking"))
	require.Eventually(t, func() bool { return arb.Snapshot().Speaker == "A" },
		time.Second, 5*time.Millisecond)

	require.NoError(t, arb.Leave("A"))
	waitTurnEvents(t, rec, "start:A", "end:A")
	assert.Equal(t, 0, arb.Size())
}

func TestDoubleJoinRejected(t *testing.T) {
	arb := newArbiter(t, newFakeOutput(), &recorder{}, Options{})
	a := newAgent("A", &fakeLLM{})
	require.NoError(t, arb.Join(a))
	require.ErrorIs(t, arb.Join(a), domain.ErrAlreadyExists)
}

func TestSpeechQueueDrainedAfterTurn(t *testing.T) {
	out := newFakeOutput()
	out.hold = true
	rec := &recorder{}
	arb := newArbiter(t, out, rec, Options{})

	a := newAgent("A", &fakeLLM{})
	b := newAgent("B", &fakeLLM{})
	require.NoError(t, arb.Join(a))
	require.NoError(t, arb.Join(b))

	require.NoError(t, arb.RequestSpeak("A", "talking"))
	require.Eventually(t, func() bool { return arb.Snapshot().Speaker == "A" },
		time.Second, 5*time.Millisecond)

	// B parks an utterance on its own speech queue.
	require.NoError(t, b.QueueSpeech("my turn next"))

	out.release <- struct{}{}
	waitTurnEvents(t, rec, "start:A", "end:A", "start:B")

	out.release <- struct{}{}
	waitTurnEvents(t, rec, "start:A", "end:A", "start:B", "end:B")
}

func TestLogCap(t *testing.T) {
	arb := newArbiter(t, newFakeOutput(), &recorder{}, Options{LogCap: 3})
	require.NoError(t, arb.Join(newAgent("A", &fakeLLM{})))

	for i := 0; i < 6; i++ {
		arb.HandleTranscript(domain.Transcript{
			Text: "noise", Confidence: 0.1, Final: true, Timestamp: time.Now(),
		}, "human-1")
	}

	require.Eventually(t, func() bool { return len(arb.Log()) == 3 },
		time.Second, 5*time.Millisecond)
}

// jsonUnmarshal keeps the test bodies terse.
func jsonUnmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
