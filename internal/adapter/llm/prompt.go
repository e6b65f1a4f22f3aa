package llm

import (
	"fmt"

	"voxhall/internal/domain"
)

// Turn is one chat turn sent to a provider.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// ChatTurns maps an agent's history slice to provider chat turns. Messages
// authored by the agent become assistant turns; everything else becomes user
// turns attributed by origin id. Consecutive same-role turns are coalesced
// and a leading assistant turn is dropped, since chat APIs require the
// conversation to open with a user turn.
func ChatTurns(req *domain.GenerateRequest) []Turn {
	var turns []Turn
	for _, m := range req.History {
		role := "user"
		content := m.Content
		if m.From == req.AgentID {
			role = "assistant"
		} else if m.From != "" {
			content = fmt.Sprintf("%s: %s", m.From, m.Content)
		}

		if len(turns) > 0 && turns[len(turns)-1].Role == role {
			turns[len(turns)-1].Content += "\n" + content
			continue
		}
		turns = append(turns, Turn{Role: role, Content: content})
	}

	for len(turns) > 0 && turns[0].Role == "assistant" {
		turns = turns[1:]
	}
	return turns
}
