package sink

import (
	"sync"

	"github.com/hupe1980/runstream/core"
)

// SettledMessage is a chat bubble that stopped streaming.
type SettledMessage struct {
	RunID  string
	Text   string
	Status core.RunStatus
}

// MemoryBubble keeps chat bubbles in memory. It is the default chat surface
// for headless use and tests.
type MemoryBubble struct {
	mu      sync.RWMutex
	partial map[string]string
	settled map[string][]SettledMessage
}

// NewMemoryBubble creates an empty MemoryBubble.
func NewMemoryBubble() *MemoryBubble {
	return &MemoryBubble{
		partial: make(map[string]string),
		settled: make(map[string][]SettledMessage),
	}
}

// ShowPartial implements Bubble.
func (b *MemoryBubble) ShowPartial(conversationID, _ string, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.partial[conversationID] = text
	return nil
}

// Settle implements Bubble.
func (b *MemoryBubble) Settle(conversationID, runID, text string, status core.RunStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.partial, conversationID)
	b.settled[conversationID] = append(b.settled[conversationID], SettledMessage{RunID: runID, Text: text, Status: status})
	return nil
}

// Partial returns the in-progress bubble text of a conversation.
func (b *MemoryBubble) Partial(conversationID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	text, ok := b.partial[conversationID]
	return text, ok
}

// Settled returns the settled bubbles of a conversation in order.
func (b *MemoryBubble) Settled(conversationID string) []SettledMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]SettledMessage(nil), b.settled[conversationID]...)
}
