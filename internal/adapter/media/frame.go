// Package media implements the media-server client. Each agent-room binding
// owns one Client: it joins the room as a peer, produces synthesized speech
// into it, and consumes the audio of other participants. Transport is a
// frame-oriented websocket RPC; audio crossing the wire is base64-encoded.
package media

import "encoding/json"

// FrameType identifies the kind of frame exchanged with the media server.
type FrameType string

const (
	FrameTypeRequest  FrameType = "request"
	FrameTypeResponse FrameType = "response"
	FrameTypeEvent    FrameType = "event"
)

// Frame is the envelope exchanged with the media server.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint64          `json:"id,omitempty"`     // request/response correlation ID
	Method  string          `json:"method,omitempty"` // RPC method or event name
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"` // response only
}

// RPC methods understood by the media server.
const (
	methodJoin         = "join"
	methodLeave        = "leave"
	methodProduce      = "produce"
	methodProduceChunk = "produce-chunk"
	methodStopProduce  = "stop-produce"
	methodConsume      = "consume"
	methodStopConsume  = "stop-consume"
	methodParticipants = "list-participants"

	// Server-initiated events.
	eventAudio = "audio"
)

type joinPayload struct {
	Room   string `json:"room"`
	PeerID string `json:"peer_id"`
	ConnID string `json:"conn_id"` // stable across reconnects
}

type producePayload struct {
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	ProducerID string `json:"producer_id,omitempty"` // set when re-advertising
}

type produceResult struct {
	ProducerID string `json:"producer_id"`
}

type produceChunkPayload struct {
	ProducerID string `json:"producer_id"`
	Data       string `json:"data"` // base64
}

type stopProducePayload struct {
	ProducerID string `json:"producer_id"`
}

type consumePayload struct {
	Target     string `json:"target"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

type consumeResult struct {
	ConsumerID string `json:"consumer_id"`
}

type stopConsumePayload struct {
	ConsumerID string `json:"consumer_id"`
}

type audioEvent struct {
	ConsumerID string `json:"consumer_id"`
	Data       string `json:"data"` // base64
}

type participantsResult struct {
	Participants []participantEntry `json:"participants"`
}

type participantEntry struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}
