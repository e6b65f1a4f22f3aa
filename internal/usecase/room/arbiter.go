// Package room implements the per-room arbiter: the serialized controller
// that decides which agent may speak, enforces the speaking time limit, keeps
// the conversation log, and triggers responses to incoming transcripts.
package room

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"voxhall/internal/domain"
)

// Participant is the arbiter's view of an attached agent.
type Participant interface {
	ID() string
	Status() domain.AgentStatus
	SetStatus(domain.AgentStatus)
	Respond(ctx context.Context, transcript domain.Message) (string, error)
	QueueSpeech(text string) error
	DequeueSpeech() (string, bool)
	ClearSpeech()
}

// Output delivers one agent's synthesized speech into the room. Play blocks
// until the utterance has been fully delivered or ctx is cancelled; Stop
// aborts the agent's in-flight delivery.
type Output interface {
	Play(ctx context.Context, agentID, text string) error
	Stop(agentID string)
}

// Options configures an arbiter.
type Options struct {
	Room            string
	Output          Output
	Events          domain.EventBus
	Selector        Selector
	TurnQueueCap    int
	SpeakingLimit   time.Duration
	LogCap          int
	ConfidenceFloor float64
	RespondTimeout  time.Duration
	Logger          *slog.Logger
}

// Arbiter serializes all mutations of one room's conversation state through a
// single dispatch goroutine. Long-running work (generation, synthesis,
// delivery) runs outside the loop and reports back as posted completions.
type Arbiter struct {
	room           string
	out            Output
	events         domain.EventBus
	selector       Selector
	queueCap       int
	limit          time.Duration
	logCap         int
	floor          float64
	respondTimeout time.Duration
	logger         *slog.Logger

	ops       chan func()
	done      chan struct{}
	closeOnce sync.Once

	// State below is owned exclusively by the run loop.
	participants  map[string]Participant
	order         []string
	queue         []domain.TurnRequest
	entries       []domain.LogEntry
	speaker       string
	speakingSince time.Time
	turnCancel    context.CancelFunc
	turnTimer     *time.Timer
	endReason     domain.SpeakingEndReason
}

// New creates and starts an arbiter for one room.
func New(opts Options) *Arbiter {
	if opts.TurnQueueCap <= 0 {
		opts.TurnQueueCap = 16
	}
	if opts.SpeakingLimit <= 0 {
		opts.SpeakingLimit = 30 * time.Second
	}
	if opts.LogCap <= 0 {
		opts.LogCap = 1000
	}
	if opts.RespondTimeout <= 0 {
		opts.RespondTimeout = 30 * time.Second
	}
	if opts.Selector == nil {
		opts.Selector = NewRandomSelector()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := &Arbiter{
		room:           opts.Room,
		out:            opts.Output,
		events:         opts.Events,
		selector:       opts.Selector,
		queueCap:       opts.TurnQueueCap,
		limit:          opts.SpeakingLimit,
		logCap:         opts.LogCap,
		floor:          opts.ConfidenceFloor,
		respondTimeout: opts.RespondTimeout,
		logger:         opts.Logger,
		ops:            make(chan func(), 16),
		done:           make(chan struct{}),
		participants:   make(map[string]Participant),
	}
	go r.run()
	return r
}

// Room returns the room identifier.
func (r *Arbiter) Room() string { return r.room }

func (r *Arbiter) run() {
	for {
		select {
		case fn := <-r.ops:
			fn()
		case <-r.done:
			return
		}
	}
}

// do posts fn to the dispatch loop and waits for it to run.
func (r *Arbiter) do(fn func()) error {
	ran := make(chan struct{})
	select {
	case r.ops <- func() { fn(); close(ran) }:
	case <-r.done:
		return domain.NewDomainError("arbiter", domain.ErrCancelled, "room "+r.room)
	}
	select {
	case <-ran:
		return nil
	case <-r.done:
		return domain.NewDomainError("arbiter", domain.ErrCancelled, "room "+r.room)
	}
}

// post schedules fn without waiting. Used by timers and completion callbacks.
func (r *Arbiter) post(fn func()) {
	select {
	case r.ops <- fn:
	case <-r.done:
	}
}

// Join adds a participant. The agent starts listening.
func (r *Arbiter) Join(p Participant) error {
	var opErr error
	err := r.do(func() {
		id := p.ID()
		if _, exists := r.participants[id]; exists {
			opErr = domain.NewDomainError("arbiter.join", domain.ErrAlreadyExists, id)
			return
		}
		r.participants[id] = p
		r.order = append(r.order, id)
		p.SetStatus(domain.StatusListening)
	})
	if err != nil {
		return err
	}
	return opErr
}

// Leave removes a participant, cancelling its current or queued turns.
func (r *Arbiter) Leave(agentID string) error {
	var opErr error
	err := r.do(func() {
		p, exists := r.participants[agentID]
		if !exists {
			opErr = domain.NewDomainError("arbiter.leave", domain.ErrNotFound, agentID)
			return
		}

		if r.speaker == agentID {
			r.endReason = domain.EndReasonCancelled
			r.out.Stop(agentID)
			if r.turnCancel != nil {
				r.turnCancel()
			}
		}

		delete(r.participants, agentID)
		for i, id := range r.order {
			if id == agentID {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		r.dropQueued(agentID)
		p.ClearSpeech()
		p.SetStatus(domain.StatusIdle)
	})
	if err != nil {
		return err
	}
	return opErr
}

func (r *Arbiter) dropQueued(agentID string) {
	kept := r.queue[:0]
	for _, req := range r.queue {
		if req.AgentID != agentID {
			kept = append(kept, req)
		}
	}
	r.queue = kept
}

// Size returns the number of attached participants.
func (r *Arbiter) Size() int {
	n := 0
	r.do(func() { n = len(r.participants) })
	return n
}

// RequestSpeak asks for a turn. With no active speaker the turn starts
// immediately; otherwise it queues in arrival order, failing with ErrBusy
// when the queue is full.
func (r *Arbiter) RequestSpeak(agentID, text string) error {
	var opErr error
	err := r.do(func() {
		if _, exists := r.participants[agentID]; !exists {
			opErr = domain.NewDomainError("arbiter.request-speak", domain.ErrNotFound, agentID)
			return
		}
		if text == "" {
			opErr = domain.NewDomainError("arbiter.request-speak", domain.ErrInvalidArgument, "empty text")
			return
		}
		opErr = r.admit(domain.TurnRequest{AgentID: agentID, Utterance: text})
	})
	if err != nil {
		return err
	}
	return opErr
}

// admit starts or queues a turn request. Run-loop only.
func (r *Arbiter) admit(req domain.TurnRequest) error {
	if r.speaker == "" {
		r.startTurn(req)
		return nil
	}
	if len(r.queue) >= r.queueCap {
		return domain.NewDomainError("arbiter.request-speak", domain.ErrBusy, "turn queue full")
	}
	r.queue = append(r.queue, req)
	return nil
}

// CancelSpeak stops the agent's current turn and drops its queued requests.
func (r *Arbiter) CancelSpeak(agentID string) error {
	var opErr error
	err := r.do(func() {
		if _, exists := r.participants[agentID]; !exists {
			opErr = domain.NewDomainError("arbiter.cancel-speak", domain.ErrNotFound, agentID)
			return
		}
		r.dropQueued(agentID)
		r.participants[agentID].ClearSpeech()
		if r.speaker == agentID {
			r.endReason = domain.EndReasonCancelled
			r.out.Stop(agentID)
			if r.turnCancel != nil {
				r.turnCancel()
			}
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// startTurn begins a speaking turn. Run-loop only; callers guarantee there is
// no active speaker.
func (r *Arbiter) startTurn(req domain.TurnRequest) {
	p := r.participants[req.AgentID]
	if p == nil {
		return
	}

	r.speaker = req.AgentID
	r.speakingSince = time.Now()
	r.endReason = domain.EndReasonCompleted
	r.appendLog(domain.LogEntry{
		Kind:      domain.LogUtterance,
		Text:      req.Utterance,
		Origin:    req.AgentID,
		Timestamp: r.speakingSince,
	})
	p.SetStatus(domain.StatusSpeaking)

	turnCtx, cancel := context.WithCancel(context.Background())
	r.turnCancel = cancel
	r.turnTimer = time.AfterFunc(r.limit, func() {
		r.post(func() { r.forceStop(req.AgentID) })
	})

	r.emit(domain.EventSpeakingStart, req.AgentID,
		domain.MarshalPayload(domain.SpeakingStartPayload{Text: req.Utterance}))

	go func() {
		err := r.out.Play(turnCtx, req.AgentID, req.Utterance)
		r.post(func() { r.turnEnded(req.AgentID, err) })
	}()
}

// forceStop aborts the current turn at the speaking time limit. Run-loop only.
func (r *Arbiter) forceStop(agentID string) {
	if r.speaker != agentID {
		return
	}
	r.logger.Warn("speaking time limit reached, forcing stop",
		"room", r.room, "agent_id", agentID)

	r.endReason = domain.EndReasonForcedStop
	r.appendLog(domain.LogEntry{
		Kind:      domain.LogForcedStop,
		Origin:    agentID,
		Timestamp: time.Now(),
	})
	r.out.Stop(agentID)
	if r.turnCancel != nil {
		r.turnCancel()
	}
}

// turnEnded finishes the bookkeeping for a turn and hands the floor to the
// next queued request. Run-loop only.
func (r *Arbiter) turnEnded(agentID string, playErr error) {
	if r.speaker != agentID {
		return
	}

	if r.turnTimer != nil {
		r.turnTimer.Stop()
		r.turnTimer = nil
	}
	if r.turnCancel != nil {
		r.turnCancel()
		r.turnCancel = nil
	}

	reason := r.endReason
	if reason == domain.EndReasonCompleted && playErr != nil {
		reason = domain.EndReasonError
		r.logger.Warn("speech delivery failed",
			"room", r.room, "agent_id", agentID, "err", playErr)
	}

	r.speaker = ""
	r.speakingSince = time.Time{}
	if p, exists := r.participants[agentID]; exists {
		p.SetStatus(domain.StatusListening)
	}

	r.emit(domain.EventSpeakingEnd, agentID,
		domain.MarshalPayload(domain.SpeakingEndPayload{Reason: reason}))

	r.drainQueue()
}

// drainQueue starts the next turn: queued requests first, in arrival order,
// then any utterance waiting in a participant's own speech queue. Requests
// from agents that have since left are dropped. Run-loop only.
func (r *Arbiter) drainQueue() {
	for len(r.queue) > 0 {
		req := r.queue[0]
		r.queue = r.queue[1:]
		if _, exists := r.participants[req.AgentID]; !exists {
			continue
		}
		r.startTurn(req)
		return
	}

	for _, id := range r.order {
		p := r.participants[id]
		if p == nil {
			continue
		}
		if text, ok := p.DequeueSpeech(); ok {
			r.startTurn(domain.TurnRequest{AgentID: id, Utterance: text})
			return
		}
	}
}

// HandleTranscript records an incoming transcription and, when no one is
// speaking, picks a listening agent to respond.
func (r *Arbiter) HandleTranscript(tr domain.Transcript, origin string) {
	r.post(func() {
		if tr.Final {
			r.appendLog(domain.LogEntry{
				Kind:       domain.LogTranscript,
				Text:       tr.Text,
				Origin:     origin,
				Confidence: tr.Confidence,
				Timestamp:  tr.Timestamp,
			})
		}
		r.emit(domain.EventTranscription, origin, domain.MarshalPayload(tr))

		if !tr.Final || tr.Text == "" || tr.Confidence < r.floor {
			return
		}
		if r.speaker != "" {
			// Someone has the floor; the transcript stays logged but draws
			// no response.
			return
		}

		var candidates []string
		for _, id := range r.order {
			if r.participants[id].Status() == domain.StatusListening {
				candidates = append(candidates, id)
			}
		}
		responder := r.selector.Select(candidates)
		if responder == "" {
			return
		}

		p := r.participants[responder]
		msg := domain.Message{
			ID:         domain.NewID(),
			Kind:       domain.KindInboundVoice,
			Content:    tr.Text,
			From:       origin,
			To:         responder,
			Timestamp:  tr.Timestamp,
			Confidence: tr.Confidence,
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.respondTimeout)
			defer cancel()
			reply, err := p.Respond(ctx, msg)
			r.post(func() { r.responseReady(responder, reply, err) })
		}()
	})
}

// responseReady handles a responder's generated reply. Run-loop only.
func (r *Arbiter) responseReady(agentID, reply string, genErr error) {
	p, exists := r.participants[agentID]
	if !exists {
		return
	}

	if genErr != nil {
		r.appendLog(domain.LogEntry{
			Kind:      domain.LogDeclined,
			Origin:    agentID,
			Timestamp: time.Now(),
		})
		r.logger.Warn("responder declined", "room", r.room, "agent_id", agentID, "err", genErr)
		return
	}
	if reply == "" {
		return
	}

	r.emit(domain.EventConversation, agentID, domain.MarshalPayload(domain.Message{
		ID:        domain.NewID(),
		Kind:      domain.KindOutboundVoice,
		Content:   reply,
		From:      agentID,
		To:        domain.Broadcast,
		Timestamp: time.Now(),
	}))

	if err := r.admit(domain.TurnRequest{AgentID: agentID, Utterance: reply}); err != nil {
		// Room queue is full; park the utterance on the agent's own queue
		// and let the next turn end pick it up.
		if qerr := p.QueueSpeech(reply); qerr != nil {
			r.logger.Warn("dropping reply, all queues full",
				"room", r.room, "agent_id", agentID)
		}
	}
}

// appendLog records a conversation log entry, trimming the oldest at the cap.
func (r *Arbiter) appendLog(entry domain.LogEntry) {
	r.entries = append(r.entries, entry)
	if overflow := len(r.entries) - r.logCap; overflow > 0 {
		r.entries = r.entries[overflow:]
	}
}

func (r *Arbiter) emit(eventType domain.EventType, agentID string, payload []byte) {
	if r.events == nil {
		return
	}
	r.events.Publish(context.Background(), domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		AgentID:   agentID,
		Room:      r.room,
		Payload:   payload,
	})
}

// Snapshot returns a read-only view of the room.
func (r *Arbiter) Snapshot() domain.RoomSnapshot {
	var snap domain.RoomSnapshot
	r.do(func() {
		snap = domain.RoomSnapshot{
			ID:            r.room,
			Agents:        append([]string(nil), r.order...),
			Speaker:       r.speaker,
			SpeakingSince: r.speakingSince,
			QueueLen:      len(r.queue),
			LogLen:        len(r.entries),
		}
	})
	return snap
}

// Log returns a copy of the conversation log.
func (r *Arbiter) Log() []domain.LogEntry {
	var out []domain.LogEntry
	r.do(func() {
		out = make([]domain.LogEntry, len(r.entries))
		copy(out, r.entries)
	})
	return out
}

// Close stops the dispatch loop and cancels any in-flight turn. Participants
// are not touched; the manager owns their lifecycle.
func (r *Arbiter) Close() {
	r.closeOnce.Do(func() {
		r.do(func() {
			if r.turnTimer != nil {
				r.turnTimer.Stop()
			}
			if r.turnCancel != nil {
				r.turnCancel()
			}
		})
		close(r.done)
	})
}
