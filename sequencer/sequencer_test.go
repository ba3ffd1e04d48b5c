package sequencer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/runstream/core"
)

func apply(t *testing.T, seqs []int64, payloads map[int64]string) *core.Run {
	t.Helper()
	s := New()
	run := core.NewRun("run-1", "conv-1", core.SinkChat)
	for _, seq := range seqs {
		s.Accept(core.NewChunkEvent(seq, payloads[seq]), run)
	}
	return run
}

func TestSequencer_IdempotentAdmission(t *testing.T) {
	s := New()
	run := core.NewRun("run-1", "conv-1", core.SinkChat)
	ev := core.NewChunkEvent(0, "Hello")

	first := s.Accept(ev, run)
	second := s.Accept(ev, run)

	assert.True(t, first.Applied)
	assert.Equal(t, ReasonApplied, first.Reason)
	assert.False(t, second.Applied)
	assert.Equal(t, ReasonDuplicate, second.Reason)
	assert.Equal(t, "Hello", run.Snapshot().AccumulatedText)
}

func TestSequencer_DuplicatesMatchCleanStream(t *testing.T) {
	payloads := map[int64]string{0: "a", 1: "b", 2: "c"}
	withDup := apply(t, []int64{0, 1, 1, 2}, payloads)
	clean := apply(t, []int64{0, 1, 2}, payloads)
	assert.Equal(t, clean.Snapshot().AccumulatedText, withDup.Snapshot().AccumulatedText)
	assert.Equal(t, "abc", withDup.Snapshot().AccumulatedText)
}

func TestSequencer_OutOfOrderRejected(t *testing.T) {
	payloads := map[int64]string{0: "a", 1: "b", 2: "c"}
	got := apply(t, []int64{0, 2, 1}, payloads)
	want := apply(t, []int64{0, 2}, payloads)
	assert.Equal(t, want.Snapshot().AccumulatedText, got.Snapshot().AccumulatedText)
	assert.Equal(t, int64(2), got.Snapshot().LastSequence)
}

func TestSequencer_UnsequencedAlwaysApplied(t *testing.T) {
	s := New()
	run := core.NewRun("run-1", "conv-1", core.SinkChat)
	s.Accept(core.NewChunkEvent(3, "x"), run)
	res := s.Accept(core.NewUnsequencedChunkEvent("y"), run)
	s.Accept(core.NewUnsequencedChunkEvent("y"), run)

	assert.True(t, res.Applied)
	assert.Equal(t, ReasonUnsequenced, res.Reason)
	assert.Equal(t, "xy", res.Text)
	assert.Equal(t, "xyy", run.Snapshot().AccumulatedText)
	assert.Equal(t, int64(3), run.Snapshot().LastSequence)
}

func TestSequencer_ErrorShortCircuits(t *testing.T) {
	s := New()
	run := core.NewRun("run-1", "conv-1", core.SinkChat)
	s.Accept(core.NewChunkEvent(0, "part"), run)

	res := s.Accept(core.NewErrorEvent("upstream failed"), run)
	assert.Equal(t, SignalFail, res.Signal)
	assert.Equal(t, core.RunStatusFailed, run.Status())
	assert.Equal(t, "upstream failed", run.Snapshot().FailureReason)

	after := s.Accept(core.NewChunkEvent(1, "more"), run)
	assert.False(t, after.Applied)
	assert.Equal(t, ReasonClosed, after.Reason)
	assert.Equal(t, "part", run.Snapshot().AccumulatedText)
}

func TestSequencer_CompletionSignals(t *testing.T) {
	s := New()
	run := core.NewRun("run-1", "conv-1", core.SinkChat)

	final := core.NewChunkEvent(0, "done")
	final.Final = true
	res := s.Accept(final, run)
	require.True(t, res.Applied)
	assert.Equal(t, SignalFinalize, res.Signal)

	res = s.Accept(core.NewCompleteEvent(), run)
	assert.Equal(t, SignalFinalize, res.Signal)
	assert.Equal(t, ReasonComplete, res.Reason)
	// the sequencer signals, it does not finalize
	assert.False(t, run.Status().IsTerminal())
}

func TestSequencer_AlreadyHandled(t *testing.T) {
	s := New()
	run := core.NewRun("run-1", "conv-1", core.SinkChat)
	ev := core.NewCompleteEvent()
	ev.Status = core.StatusAlreadyDone
	res := s.Accept(ev, run)
	assert.Equal(t, SignalSkip, res.Signal)
	assert.Equal(t, ReasonAlreadyHandled, res.Reason)
}

func TestSequencer_StatusAfterTextCompletes(t *testing.T) {
	s := New()
	run := core.NewRun("run-1", "conv-1", core.SinkChat)
	require.True(t, s.Accept(core.NewChunkEvent(0, "important partial "), run).Applied)

	ev := core.NewCompleteEvent()
	ev.Status = core.StatusAlreadyProcessing
	res := s.Accept(ev, run)
	assert.Equal(t, SignalFinalize, res.Signal)
	assert.Equal(t, ReasonComplete, res.Reason)
	assert.Equal(t, "important partial ", res.Text)
}

func TestSequencer_ClosedRunRejectsEverything(t *testing.T) {
	s := New()
	run := core.NewRun("run-1", "conv-1", core.SinkChat)
	run.Update(func(st *core.RunState) { st.Status = core.RunStatusAborted })
	res := s.Accept(core.NewUnsequencedChunkEvent("late"), run)
	assert.False(t, res.Applied)
	assert.Equal(t, ReasonClosed, res.Reason)
	assert.Empty(t, run.Snapshot().AccumulatedText)
}
