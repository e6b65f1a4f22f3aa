package manager

import (
	"context"
	"time"

	"voxhall/internal/domain"
	"voxhall/internal/usecase/audio"
)

// Play implements room.Output: synthesize the utterance with the agent's
// voice, convert it through the binding's egress pipeline, and stream the
// chunks to a fresh media producer. Blocks for the estimated playback time so
// a turn occupies the floor for roughly as long as the audio plays.
func (m *Manager) Play(ctx context.Context, agentID, text string) error {
	m.mu.Lock()
	b := m.bindings[agentID]
	m.mu.Unlock()
	if b == nil {
		return domain.NewDomainError("Manager.Play", domain.ErrNotFound, agentID)
	}

	ttsCtx, cancel := context.WithTimeout(ctx, m.opts.TTSTimeout)
	synth, err := b.agent.Synthesize(ttsCtx, text)
	cancel()
	if err != nil {
		return err
	}

	producer, err := b.client.Produce(ctx, domain.RoomFormat())
	if err != nil {
		return err
	}

	b.turnMu.Lock()
	b.producer = producer
	b.turnMu.Unlock()
	defer func() {
		b.turnMu.Lock()
		if b.producer == producer {
			b.producer = nil
		}
		b.turnMu.Unlock()
		_ = producer.Close()
	}()

	// Drop any chunks a cancelled previous turn left behind.
	for drained := false; !drained; {
		select {
		case <-b.egress.Out():
		default:
			drained = true
		}
	}

	// Convert and forward concurrently so the bounded egress buffer never
	// overflows on long utterances. Chunks reach the producer in generation
	// order.
	pushErr := make(chan error, 1)
	go func() { pushErr <- b.egress.Push(ctx, synth) }()

	total := 0
	write := func(chunk []byte, ok bool) error {
		if !ok {
			return domain.WrapOp("Manager.Play", domain.ErrCancelled)
		}
		if err := producer.Write(ctx, chunk); err != nil {
			return err
		}
		total += len(chunk)
		return nil
	}

	pushing := true
	for pushing {
		select {
		case err := <-pushErr:
			if err != nil {
				return err
			}
			pushing = false
		case chunk, ok := <-b.egress.Out():
			if err := write(chunk, ok); err != nil {
				return err
			}
		}
	}
	// Flush whatever the pipeline emitted after the last read.
	for flushed := false; !flushed; {
		select {
		case chunk, ok := <-b.egress.Out():
			if err := write(chunk, ok); err != nil {
				return err
			}
		default:
			flushed = true
		}
	}

	timer := time.NewTimer(audio.EstimateDuration(domain.RoomFormat(), total))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return domain.WrapOp("Manager.Play", domain.ErrCancelled)
	case <-timer.C:
		return nil
	}
}

// Stop implements room.Output: it closes the agent's in-flight producer so
// pending writes fail fast. The arbiter cancels the turn context alongside.
func (m *Manager) Stop(agentID string) {
	m.mu.Lock()
	b := m.bindings[agentID]
	m.mu.Unlock()
	if b == nil {
		return
	}

	b.turnMu.Lock()
	producer := b.producer
	b.producer = nil
	b.turnMu.Unlock()
	if producer != nil {
		_ = producer.Close()
	}
}

// HandleMediaDown tears down the binding whose media client became
// unrecoverable. The agent stays registered; only its room binding dies.
func (m *Manager) HandleMediaDown(client domain.MediaRoomClient, cause error) {
	m.mu.Lock()
	var agentID string
	for id, b := range m.bindings {
		if b.client == client {
			agentID = id
			break
		}
	}
	m.mu.Unlock()
	if agentID == "" {
		return
	}

	m.logger.Error("media connection unrecoverable, detaching agent",
		"agent_id", agentID, "err", cause)
	if err := m.DetachAgentFromRoom(context.Background(), agentID); err != nil {
		m.logger.Warn("detach after media failure failed", "agent_id", agentID, "err", err)
	}
}
