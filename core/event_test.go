package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamEvent_Terminal(t *testing.T) {
	assert.False(t, NewChunkEvent(0, "a").IsTerminal())
	assert.True(t, NewCompleteEvent().IsTerminal())
	assert.True(t, NewErrorEvent("boom").IsTerminal())

	final := NewUnsequencedChunkEvent("tail")
	final.Final = true
	assert.True(t, final.IsTerminal())

	skipped := NewCompleteEvent()
	skipped.Status = StatusAlreadyProcessing
	assert.True(t, skipped.AlreadyHandled())
}

func TestRun_SnapshotAndUpdate(t *testing.T) {
	r := NewRun("run-1", "conv-1", SinkDocument)
	snap := r.Snapshot()
	assert.Equal(t, RunStatusPending, snap.Status)
	assert.Equal(t, NoSequence, snap.LastSequence)
	assert.Equal(t, SinkDocument, snap.SinkKind)

	r.Update(func(st *RunState) {
		st.AppendText("Hel")
		st.AppendText("lo")
		st.AddSources([]Source{{Title: "a", URL: "https://x.test/A"}, {Title: "dup", URL: "https://x.test/a"}})
	})
	snap = r.Snapshot()
	assert.Equal(t, "Hello", snap.AccumulatedText)
	require.Len(t, snap.Sources, 1)
	assert.Equal(t, "a", snap.Sources[0].Title)
}

func TestRunStatus_IsTerminal(t *testing.T) {
	for _, s := range []RunStatus{RunStatusCompleted, RunStatusFailed, RunStatusAborted} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []RunStatus{RunStatusPending, RunStatusStreaming} {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestErrors(t *testing.T) {
	err := fmt.Errorf("start: %w", &ConflictError{ConversationID: "c1", ActiveRunID: "r1"})
	assert.True(t, IsConflict(err))
	assert.False(t, IsConflict(errors.New("other")))

	assert.ErrorIs(t, AlreadyHandledError(StatusAlreadyDone), ErrAlreadyHandled)
}
