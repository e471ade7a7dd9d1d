package agent

import (
	"sync"

	"auteur/pkg/agent/llm"
	"auteur/pkg/utils"
)

// maxHistoryMessages bounds memory for very long sessions; the token window
// applied per request is usually much tighter.
const maxHistoryMessages = 200

// History is the conversation shared by every turn of a session.
type History struct {
	mu       sync.Mutex
	messages []llm.CompletionMessage
	counter  *utils.TokenCounter
}

// NewHistory returns an empty history. A nil counter falls back to a
// character estimate.
func NewHistory(counter *utils.TokenCounter) *History {
	return &History{counter: counter}
}

// Append adds messages in order.
func (h *History) Append(msgs ...llm.CompletionMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msgs...)
	if over := len(h.messages) - maxHistoryMessages; over > 0 {
		h.messages = append([]llm.CompletionMessage(nil), h.messages[over:]...)
	}
}

// Messages returns a copy of the full history.
func (h *History) Messages() []llm.CompletionMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]llm.CompletionMessage(nil), h.messages...)
}

// Len returns the number of stored messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// Window returns the newest messages whose combined size fits budget tokens.
// The newest message is always included.
func (h *History) Window(budget int) []llm.CompletionMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.messages) == 0 {
		return nil
	}
	start := len(h.messages) - 1
	used := h.counter.CountTokens(h.messages[start].Content)
	for start > 0 {
		cost := h.counter.CountTokens(h.messages[start-1].Content)
		if used+cost > budget {
			break
		}
		used += cost
		start--
	}
	return append([]llm.CompletionMessage(nil), h.messages[start:]...)
}
