package persist

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/runstream/core"
)

// InMemoryStore is a volatile core.Persister storing messages in process
// local maps. It is safe for concurrent access. Returned messages are copies.
type InMemoryStore struct {
	mu             sync.RWMutex
	byRun          map[string]core.Message
	byConversation map[string][]string
	now            func() time.Time
}

// NewInMemoryStore constructs an empty in-memory message store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byRun:          make(map[string]core.Message),
		byConversation: make(map[string][]string),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// PersistAssistantMessage implements core.Persister.
func (s *InMemoryStore) PersistAssistantMessage(_ context.Context, conversationID, runID, finalText string, sources []core.Source) error {
	s.insert(core.Message{
		RunID:          runID,
		ConversationID: conversationID,
		Role:           "assistant",
		Content:        finalText,
		Status:         core.MessageComplete,
		Sources:        append([]core.Source(nil), sources...),
	})
	return nil
}

// PersistPartialMessage implements core.Persister.
func (s *InMemoryStore) PersistPartialMessage(_ context.Context, conversationID, runID, partialText string, cancelled bool) error {
	status := core.MessageFailed
	if cancelled {
		status = core.MessageCancelled
	}
	s.insert(core.Message{
		RunID:          runID,
		ConversationID: conversationID,
		Role:           "assistant",
		Content:        partialText,
		Status:         status,
	})
	return nil
}

// ListMessages implements core.MessageLister.
func (s *InMemoryStore) ListMessages(_ context.Context, conversationID string) ([]core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byConversation[conversationID]
	out := make([]core.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneMessage(s.byRun[id]))
	}
	return out, nil
}

// Len returns the total number of stored messages.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byRun)
}

// insert stores m unless its run already has a message.
func (s *InMemoryStore) insert(m core.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byRun[m.RunID]; exists {
		return
	}
	m.CreatedAt = s.now()
	s.byRun[m.RunID] = m
	s.byConversation[m.ConversationID] = append(s.byConversation[m.ConversationID], m.RunID)
}

func cloneMessage(m core.Message) core.Message {
	m.Sources = append([]core.Source(nil), m.Sources...)
	return m
}
