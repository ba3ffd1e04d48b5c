package core

import "strings"

// EventKind classifies a decoded stream event.
type EventKind string

const (
	// EventChunk carries a text fragment.
	EventChunk EventKind = "chunk"
	// EventError carries a server-side error description.
	EventError EventKind = "error"
	// EventComplete is the terminal marker of a stream.
	EventComplete EventKind = "complete"
)

// Short-circuit statuses reported by a producer that has already handled the run.
const (
	StatusAlreadyDone       = "already_done"
	StatusAlreadyProcessing = "already_processing"
)

// StreamEvent is one decoded unit of a response stream. Events are transient:
// they exist only between decoding and admission and are never persisted.
type StreamEvent struct {
	Kind EventKind
	// SequenceID is nil when the producer did not number the frame; such
	// chunks are always admitted.
	SequenceID *int64
	// Payload is the text fragment of a chunk or the description of an error.
	Payload string
	// Final is set on chunk frames that also flag completion.
	Final bool
	// Sources lists citations attached to the frame, if any.
	Sources []Source
	// Status is set when the producer reports the run as already handled.
	Status string
}

// IsTerminal reports whether the event ends the stream.
func (e StreamEvent) IsTerminal() bool {
	return e.Kind == EventComplete || e.Kind == EventError || e.Final
}

// AlreadyHandled reports whether the producer short-circuited the run.
func (e StreamEvent) AlreadyHandled() bool {
	return e.Status == StatusAlreadyDone || e.Status == StatusAlreadyProcessing
}

// NewChunkEvent is a convenience constructor for a sequenced chunk.
func NewChunkEvent(seq int64, payload string) StreamEvent {
	return StreamEvent{Kind: EventChunk, SequenceID: &seq, Payload: payload}
}

// NewUnsequencedChunkEvent constructs a chunk without a sequence number.
func NewUnsequencedChunkEvent(payload string) StreamEvent {
	return StreamEvent{Kind: EventChunk, Payload: payload}
}

// NewErrorEvent constructs an error event.
func NewErrorEvent(msg string) StreamEvent { return StreamEvent{Kind: EventError, Payload: msg} }

// NewCompleteEvent constructs the terminal marker.
func NewCompleteEvent() StreamEvent { return StreamEvent{Kind: EventComplete} }

// Source is a citation attached to an assistant response.
type Source struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
}

func (s Source) key() string {
	if s.URL != "" {
		return strings.ToLower(s.URL)
	}
	return s.Title
}
