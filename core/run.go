package core

import (
	"sync"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	// RunStatusPending is the state of a freshly created run before its stream opened.
	RunStatusPending RunStatus = "pending"
	// RunStatusStreaming marks a run whose transport is open and producing text.
	RunStatusStreaming RunStatus = "streaming"
	// RunStatusCompleted is the terminal state of a successfully finished run.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed is the terminal state of a run that hit a transport or server error.
	RunStatusFailed RunStatus = "failed"
	// RunStatusAborted is the terminal state of a user-cancelled run.
	RunStatusAborted RunStatus = "aborted"
)

// IsTerminal reports whether no further transition is possible from s.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusAborted:
		return true
	default:
		return false
	}
}

// NoSequence is the LastSequence value of a run that has not accepted any
// sequenced chunk yet.
const NoSequence int64 = -1

// RunState is the mutable part of a Run. It is only reachable through
// Run.Update, which holds the run lock for the duration of the callback.
type RunState struct {
	Status        RunStatus
	LastSequence  int64
	Finalized     bool
	FailureReason string
	Sources       []Source
	PersistErr    error

	text []byte
}

// Text returns the accumulated response text.
func (s *RunState) Text() string { return string(s.text) }

// TextLen returns the length in bytes of the accumulated text.
func (s *RunState) TextLen() int { return len(s.text) }

// AppendText appends an admitted fragment. Accumulated text is append-only.
func (s *RunState) AppendText(fragment string) { s.text = append(s.text, fragment...) }

// AddSources merges sources, skipping URLs already present.
func (s *RunState) AddSources(sources []Source) {
	for _, src := range sources {
		dup := false
		for _, have := range s.Sources {
			if have.key() == src.key() {
				dup = true
				break
			}
		}
		if !dup {
			s.Sources = append(s.Sources, src)
		}
	}
}

// Run represents one assistant turn being generated for a conversation.
// Identity fields are immutable after creation; the SinkKind in particular is
// fixed for the lifetime of the run.
type Run struct {
	ID             string
	ConversationID string
	SinkKind       SinkKind
	CreatedAt      time.Time

	mu    sync.Mutex
	state RunState
}

// NewRun creates a pending run.
func NewRun(id, conversationID string, kind SinkKind) *Run {
	return &Run{
		ID:             id,
		ConversationID: conversationID,
		SinkKind:       kind,
		CreatedAt:      time.Now().UTC(),
		state: RunState{
			Status:       RunStatusPending,
			LastSequence: NoSequence,
		},
	}
}

// Update runs fn with exclusive access to the run state. fn must not block or
// call back into the run.
func (r *Run) Update(fn func(st *RunState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.state)
}

// Status returns the current status.
func (r *Run) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Status
}

// Snapshot returns a consistent copy of the run.
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	sources := make([]Source, len(r.state.Sources))
	copy(sources, r.state.Sources)
	return Snapshot{
		RunID:           r.ID,
		ConversationID:  r.ConversationID,
		SinkKind:        r.SinkKind,
		Status:          r.state.Status,
		AccumulatedText: string(r.state.text),
		LastSequence:    r.state.LastSequence,
		FailureReason:   r.state.FailureReason,
		Sources:         sources,
		Finalized:       r.state.Finalized,
		PersistErr:      r.state.PersistErr,
		CreatedAt:       r.CreatedAt,
	}
}

// Snapshot is an immutable view of a run, safe to hand to UI code.
type Snapshot struct {
	RunID           string    `json:"run_id"`
	ConversationID  string    `json:"conversation_id"`
	SinkKind        SinkKind  `json:"sink_kind"`
	Status          RunStatus `json:"status"`
	AccumulatedText string    `json:"accumulated_text"`
	LastSequence    int64     `json:"last_sequence"`
	FailureReason   string    `json:"failure_reason,omitempty"`
	Sources         []Source  `json:"sources,omitempty"`
	Finalized       bool      `json:"finalized"`
	PersistErr      error     `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

// Info returns the identity triple handed to sinks.
func (r *Run) Info() RunInfo {
	return RunInfo{RunID: r.ID, ConversationID: r.ConversationID, SinkKind: r.SinkKind}
}

// RunInfo identifies a run to collaborators that must not mutate it.
type RunInfo struct {
	RunID          string
	ConversationID string
	SinkKind       SinkKind
}
