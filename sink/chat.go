package sink

import "github.com/hupe1980/runstream/core"

// Bubble is the live in-progress chat bubble of a conversation.
type Bubble interface {
	// ShowPartial replaces the bubble content with the text streamed so far.
	ShowPartial(conversationID, runID, text string) error
	// Settle turns the in-progress bubble into a regular message.
	Settle(conversationID, runID, text string, status core.RunStatus) error
}

// ChatSink pushes every admitted increment to a chat bubble.
type ChatSink struct {
	bubble Bubble
}

// NewChatSink creates a chat sink.
func NewChatSink(b Bubble) *ChatSink { return &ChatSink{bubble: b} }

// Deliver implements core.Sink.
func (s *ChatSink) Deliver(run core.RunInfo, accumulated string) error {
	return s.bubble.ShowPartial(run.ConversationID, run.RunID, accumulated)
}

// Finalize implements core.SinkFinalizer.
func (s *ChatSink) Finalize(run core.RunInfo, final string, status core.RunStatus) error {
	return s.bubble.Settle(run.ConversationID, run.RunID, final, status)
}
