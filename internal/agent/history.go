package agent

import (
	"fmt"
	"sync"
)

const DefaultMaxTurns = 30

type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// History is the rolling conversation the responder sees.
type History struct {
	name string
	max  int

	mu    sync.Mutex
	turns []Turn
}

func NewHistory(name string, max int) *History {
	if max <= 0 {
		max = DefaultMaxTurns
	}
	return &History{name: name, max: max}
}

// Add appends a message from source. The agent's own messages become
// assistant turns and other speakers are prefixed with their name.
func (h *History) Add(source, text string) {
	t := Turn{Role: "user", Content: fmt.Sprintf("%s: %s", source, text)}
	switch source {
	case "system":
		t = Turn{Role: "system", Content: text}
	case h.name:
		t = Turn{Role: "assistant", Content: text}
	}
	h.mu.Lock()
	h.turns = append(h.turns, t)
	if over := len(h.turns) - h.max; over > 0 {
		h.turns = append([]Turn(nil), h.turns[over:]...)
	}
	h.mu.Unlock()
}

// AddNote implements actions.Notes.
func (h *History) AddNote(role, text string) { h.Add(role, text) }

func (h *History) Turns() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Turn(nil), h.turns...)
}
