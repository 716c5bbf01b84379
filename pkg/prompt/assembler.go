// Package prompt turns an agent's persona, notes and history into the payload
// sent to the agent process.
package prompt

import (
	"strings"
	"time"

	"github.com/harun/troupe/pkg/session"
)

// MemorySeparator sits between the persona and the agent's notes.
const MemorySeparator = "\n\n---\n## Memory\n\n"

// AssembleSystemPrompt combines persona and notes. Empty notes leave the
// trimmed persona on its own.
func AssembleSystemPrompt(persona, notes string) string {
	persona = strings.TrimSpace(persona)
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return persona
	}
	return persona + MemorySeparator + notes
}

// AssembleTurns returns a new slice holding history followed by a user turn
// for input. history is never modified.
func AssembleTurns(history []session.Turn, input string) []session.Turn {
	turns := make([]session.Turn, 0, len(history)+1)
	turns = append(turns, history...)
	return append(turns, session.Turn{
		Role:      session.RoleUser,
		Content:   input,
		Timestamp: time.Now(),
	})
}

// LatestUserMessage returns the content of the last user turn, or "" if there
// is none.
func LatestUserMessage(turns []session.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == session.RoleUser {
			return turns[i].Content
		}
	}
	return ""
}
