package core

import (
	"context"
	"time"
)

// Persister stores finalized assistant messages. Both calls are made at most
// once per run; implementations should nevertheless be idempotent on runID.
type Persister interface {
	PersistAssistantMessage(ctx context.Context, conversationID, runID, finalText string, sources []Source) error
	PersistPartialMessage(ctx context.Context, conversationID, runID, partialText string, cancelled bool) error
}

// MessageStatus describes how a persisted assistant message came about.
type MessageStatus string

const (
	// MessageComplete is a fully streamed response.
	MessageComplete MessageStatus = "complete"
	// MessageCancelled is the partial text of a user-aborted run.
	MessageCancelled MessageStatus = "cancelled"
	// MessageFailed is the partial (or apology) text of a failed run.
	MessageFailed MessageStatus = "failed"
)

// Message is a persisted assistant message as read back from a store.
type Message struct {
	RunID          string        `json:"run_id"`
	ConversationID string        `json:"conversation_id"`
	Role           string        `json:"role"`
	Content        string        `json:"content"`
	Status         MessageStatus `json:"status"`
	Sources        []Source      `json:"sources,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// MessageLister is implemented by stores that can list a conversation's
// messages in insertion order.
type MessageLister interface {
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
}
