package manager

import (
	"context"
	"encoding/json"

	"voxhall/internal/domain"
)

// BindBus subscribes the manager to the control topics and mirrors observer
// events onto the bus. Command handlers run on their own goroutines so the
// bus delivery context is never blocked by provider calls.
func (m *Manager) BindBus(ctx context.Context, bus domain.MessageBus) error {
	type topicHandler struct {
		topic  string
		handle func(payload []byte)
	}

	handlers := []topicHandler{
		{domain.TopicAgentCreate, func(payload []byte) {
			var cmd domain.CreateAgentCommand
			if !m.decode(domain.TopicAgentCreate, payload, &cmd) {
				return
			}
			if _, err := m.CreateAgent(ctx, cmd.Persona, cmd.ID, cmd.Config); err != nil {
				m.logger.Warn("bus create-agent rejected", "err", err)
			}
		}},
		{domain.TopicAgentDelete, func(payload []byte) {
			var cmd domain.AgentRefCommand
			if !m.decode(domain.TopicAgentDelete, payload, &cmd) {
				return
			}
			if err := m.DeleteAgent(ctx, cmd.ID); err != nil {
				m.logger.Warn("bus delete-agent rejected", "agent_id", cmd.ID, "err", err)
			}
		}},
		{domain.TopicAgentJoinRoom, func(payload []byte) {
			var cmd domain.JoinRoomCommand
			if !m.decode(domain.TopicAgentJoinRoom, payload, &cmd) {
				return
			}
			if err := m.AttachAgentToRoom(ctx, cmd.ID, cmd.Room); err != nil {
				m.logger.Warn("bus join-room rejected", "agent_id", cmd.ID, "room", cmd.Room, "err", err)
			}
		}},
		{domain.TopicAgentLeaveRoom, func(payload []byte) {
			var cmd domain.AgentRefCommand
			if !m.decode(domain.TopicAgentLeaveRoom, payload, &cmd) {
				return
			}
			if err := m.DetachAgentFromRoom(ctx, cmd.ID); err != nil {
				m.logger.Warn("bus leave-room rejected", "agent_id", cmd.ID, "err", err)
			}
		}},
		{domain.TopicAgentSpeak, func(payload []byte) {
			var cmd domain.SpeakCommand
			if !m.decode(domain.TopicAgentSpeak, payload, &cmd) {
				return
			}
			if err := m.RequestSpeak(ctx, cmd.ID, cmd.Text); err != nil {
				m.logger.Warn("bus speak rejected", "agent_id", cmd.ID, "err", err)
			}
		}},
		{domain.TopicAgentStopSpeak, func(payload []byte) {
			var cmd domain.SpeakCommand
			if !m.decode(domain.TopicAgentStopSpeak, payload, &cmd) {
				return
			}
			if err := m.CancelSpeak(ctx, cmd.ID); err != nil {
				m.logger.Warn("bus stop-speak rejected", "agent_id", cmd.ID, "err", err)
			}
		}},
		{domain.TopicTranscriptionFinal, func(payload []byte) {
			var evt domain.FinalTranscriptEvent
			if !m.decode(domain.TopicTranscriptionFinal, payload, &evt) {
				return
			}
			if err := m.HandleFinalTranscript(evt); err != nil {
				m.logger.Debug("bus transcript dropped", "session", evt.Session, "err", err)
			}
		}},
	}

	var unsubs []func()
	for _, th := range handlers {
		handle := th.handle
		unsub, err := bus.Subscribe(ctx, th.topic, func(_ string, payload []byte) {
			go handle(payload)
		})
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			return domain.WrapOp("Manager.BindBus", err)
		}
		unsubs = append(unsubs, unsub)
	}

	// Mirror observer events onto the bus for external subscribers.
	if m.opts.Events != nil {
		unsubAll := m.opts.Events.SubscribeAll(func(_ context.Context, event domain.Event) {
			payload, err := json.Marshal(event)
			if err != nil {
				return
			}
			if err := bus.Publish(ctx, string(event.Type), payload); err != nil {
				m.logger.Debug("event mirror publish failed", "event", event.Type, "err", err)
			}
		})
		unsubs = append(unsubs, unsubAll)
	}

	m.mu.Lock()
	m.unsubs = append(m.unsubs, unsubs...)
	m.mu.Unlock()
	return nil
}

// decode unmarshals a bus payload, logging rejects.
func (m *Manager) decode(topic string, payload []byte, v any) bool {
	if err := json.Unmarshal(payload, v); err != nil {
		m.logger.Warn("ill-formed bus payload", "topic", topic, "err", err)
		return false
	}
	return true
}
