package domain

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// MessageKind identifies how a message entered or left an agent.
type MessageKind string

const (
	KindInboundText   MessageKind = "inbound_text"
	KindOutboundText  MessageKind = "outbound_text"
	KindInboundVoice  MessageKind = "inbound_voice"
	KindOutboundVoice MessageKind = "outbound_voice"
	KindSystem        MessageKind = "system"
)

// Broadcast is the destination marker for messages addressed to everyone.
const Broadcast = "*"

// Message is a single entry in an agent's conversation history.
type Message struct {
	ID         string      `json:"id"`
	Kind       MessageKind `json:"kind"`
	Content    string      `json:"content"`
	From       string      `json:"from"`
	To         string      `json:"to"`
	Timestamp  time.Time   `json:"timestamp"`
	Confidence float64     `json:"confidence,omitempty"`
	LatencyMS  int64       `json:"latency_ms,omitempty"`
	ModelTag   string      `json:"model_tag,omitempty"`
}

// IsText reports whether the message is a plain text exchange (inbound or
// outbound), as opposed to voice or system traffic.
func (m Message) IsText() bool {
	return m.Kind == KindInboundText || m.Kind == KindOutboundText
}

// NewID returns a new lexicographically sortable unique identifier.
func NewID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}
