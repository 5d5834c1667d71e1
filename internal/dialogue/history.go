// Package dialogue holds per-session conversation state and drives LLM turn
// generation: append-only history, the bounded prompt window, streaming
// consumption with partial re-emission, emotion tagging, and the degraded
// fallback path.
package dialogue

import (
	"fmt"
	"sync"
	"time"

	"github.com/gramyfied/eloquence-backend/pkg/provider/llm"
	"github.com/gramyfied/eloquence-backend/pkg/voice"
)

// Window bounds for prompt construction.
const (
	// MaxWindowTurns is the maximum number of history turns sent to the LLM.
	MaxWindowTurns = 8

	// MaxWindowTokens bounds the estimated token count of the windowed
	// history, system prompt excluded.
	MaxWindowTokens = 4000
)

// History is a session's append-only, commit-ordered turn list. It is safe
// for concurrent use; readers receive copies.
type History struct {
	mu    sync.RWMutex
	turns []voice.Turn
}

// Append commits a turn. The turn's Index is assigned here; CommittedAt is
// stamped when zero. Append rejects a second turn with the same
// (role, speech-start) pair.
func (h *History) Append(t voice.Turn) (voice.Turn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, prev := range h.turns {
		if prev.Role == t.Role && !t.SpeechStart.IsZero() && prev.SpeechStart.Equal(t.SpeechStart) {
			return voice.Turn{}, fmt.Errorf(
				"dialogue: duplicate turn for role %s at %s", t.Role, t.SpeechStart)
		}
	}

	t.Index = len(h.turns)
	if t.CommittedAt.IsZero() {
		t.CommittedAt = time.Now()
	}
	h.turns = append(h.turns, t)
	return t, nil
}

// Turns returns a copy of the full history.
func (h *History) Turns() []voice.Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]voice.Turn(nil), h.turns...)
}

// Len returns the number of committed turns.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

// estimateTokens approximates the token count of s. Four characters per
// token is the usual rule of thumb for French and English text.
func estimateTokens(s string) int {
	return len(s)/4 + 1
}

// Window selects the most recent whole turns that fit both bounds and maps
// them to LLM messages, oldest first. Truncation never splits a turn; the
// system prompt is handled separately by the caller and always retained.
func Window(turns []voice.Turn) []llm.Message {
	start := len(turns)
	budget := MaxWindowTokens
	for start > 0 && len(turns)-start < MaxWindowTurns {
		cost := estimateTokens(turns[start-1].Text)
		if cost > budget {
			break
		}
		budget -= cost
		start--
	}

	msgs := make([]llm.Message, 0, len(turns)-start)
	for _, t := range turns[start:] {
		role := "user"
		if t.Role == voice.RoleAgent {
			role = "assistant"
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Text})
	}
	return msgs
}
