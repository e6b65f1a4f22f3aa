package domain

import "context"

// Participant is a peer visible in a media room.
type Participant struct {
	ID   string `json:"id"`
	Kind string `json:"kind"` // "human", "agent"
}

// Producer is an open audio stream from an agent into a room. Chunks written
// in order are delivered to the room in order.
type Producer interface {
	ID() string
	Write(ctx context.Context, chunk []byte) error
	Close() error
}

// MediaRoomClient is a per-agent handle into a media room. One client exists
// per attached agent; it owns the producers and consumers it opens and closes
// any still open on Leave.
type MediaRoomClient interface {
	Join(ctx context.Context, room, peerID string) error
	Leave(ctx context.Context) error
	Produce(ctx context.Context, format AudioFormat) (Producer, error)
	StopProduce(ctx context.Context, producerID string) error
	// Consume opens an audio sink for the given peer or producer.
	// The returned channel delivers raw audio chunks until StopConsume
	// or Leave closes it.
	Consume(ctx context.Context, target string) (string, <-chan []byte, error)
	StopConsume(ctx context.Context, consumerID string) error
	Participants(ctx context.Context) ([]Participant, error)
}

// MediaDialer opens media room clients. The manager dials one client per
// agent-room binding.
type MediaDialer interface {
	Dial(ctx context.Context) (MediaRoomClient, error)
}
