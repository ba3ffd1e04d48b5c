// Package tracker owns the lifecycle of runs and the active-run table. It
// enforces one non-terminal run per conversation and guarantees that the
// terminal persistence call of a run happens exactly once, whether the run
// completes, fails or is aborted, and however many times those paths are hit.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/runstream/core"
	"github.com/hupe1980/runstream/internal/util"
	"github.com/hupe1980/runstream/logging"
)

// Options holds dependency + configuration overrides passed to New().
type Options struct {
	// Canceller is asked to stop the producer when a run is aborted.
	Canceller core.TransportCanceller
	// FailureMarker is appended to the partial text of a failed run.
	FailureMarker string
	// Apology is persisted when a failed run produced no text at all.
	Apology string
	// Logger for lifecycle events.
	Logger logging.Logger
	// IDGenerator overrides run id generation (tests).
	IDGenerator func() string
}

// Tracker coordinates run lifecycle transitions. Public methods are safe for
// concurrent use.
type Tracker struct {
	table     *Table
	persister core.Persister
	opts      Options
	logger    logging.Logger

	cancels map[string]context.CancelFunc
	mu      sync.Mutex
}

// New constructs a Tracker over an injected table.
func New(table *Table, persister core.Persister, optFns ...func(o *Options)) *Tracker {
	opts := Options{
		FailureMarker: "[response interrupted]",
		Apology:       "Sorry, something went wrong while generating this response. Please try again.",
		Logger:        logging.NoOpLogger{},
		IDGenerator:   util.NewID,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if table == nil {
		table = NewTable()
	}
	return &Tracker{
		table:     table,
		persister: persister,
		opts:      opts,
		logger:    logging.OrNoOp(opts.Logger),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Table returns the active-run table.
func (t *Tracker) Table() *Table { return t.table }

// StartRun creates and registers a pending run. It fails with a
// *core.ConflictError while the conversation's previous run still occupies
// it: until that run is finalized and its persistence call has returned. A
// run whose status already reads failed but whose failure is not persisted
// yet is still in flight.
func (t *Tracker) StartRun(conversationID string, kind core.SinkKind) (*core.Run, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid sink kind %q", kind)
	}

	t.table.mu.Lock()
	defer t.table.mu.Unlock()

	if existing, ok := t.table.byConversation[conversationID]; ok && occupies(existing) {
		return nil, &core.ConflictError{ConversationID: conversationID, ActiveRunID: existing.ID}
	}

	run := core.NewRun(t.opts.IDGenerator(), conversationID, kind)
	t.table.insertLocked(run)
	t.runLog(run).Debug("Run started", "sink", string(kind))
	return run, nil
}

// BindCancel records the function that tears down the run's transport.
func (t *Tracker) BindCancel(runID string, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancels[runID] = cancel
}

// MarkStreaming moves a pending run to streaming. It is a no-op in any other state.
func (t *Tracker) MarkStreaming(runID string) error {
	run, ok := t.table.Get(runID)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrRunNotFound, runID)
	}
	run.Update(func(st *core.RunState) {
		if st.Status == core.RunStatusPending {
			st.Status = core.RunStatusStreaming
		}
	})
	return nil
}

// MarkFailed records a failure without persisting. It is a no-op on terminal runs.
func (t *Tracker) MarkFailed(runID, reason string) error {
	run, ok := t.table.Get(runID)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrRunNotFound, runID)
	}
	run.Update(func(st *core.RunState) {
		if st.Status.IsTerminal() {
			return
		}
		st.Status = core.RunStatusFailed
		st.FailureReason = reason
	})
	return nil
}

// CompleteRun finalizes a run with its accumulated text. The message is always
// written to the run's own conversation, whichever conversation is displayed.
// It reports whether this call performed the finalization; duplicate calls
// return false and nil.
func (t *Tracker) CompleteRun(ctx context.Context, runID, displayedConversationID string) (bool, error) {
	run, ok := t.table.Get(runID)
	if !ok {
		return false, fmt.Errorf("%w: %s", core.ErrRunNotFound, runID)
	}

	var (
		claimed bool
		empty   bool
		text    string
		sources []core.Source
	)
	run.Update(func(st *core.RunState) {
		if st.Finalized || st.Status.IsTerminal() {
			return
		}
		claimed = true
		st.Finalized = true
		if st.TextLen() == 0 {
			empty = true
			st.Status = core.RunStatusFailed
			st.FailureReason = core.ErrEmptyResponse.Error()
			return
		}
		st.Status = core.RunStatusCompleted
		text = st.Text()
		sources = append([]core.Source(nil), st.Sources...)
	})
	if !claimed {
		return false, nil
	}
	t.releaseTransport(run.ID)

	if empty {
		return true, t.persistPartial(ctx, run, t.opts.Apology, false)
	}

	if displayedConversationID != "" && displayedConversationID != run.ConversationID {
		t.runLog(run).Info("Run completed in background", "displayed_conversation_id", displayedConversationID)
	}

	start := time.Now()
	err := t.persister.PersistAssistantMessage(ctx, run.ConversationID, run.ID, text, sources)
	return true, t.settle(run, "completed", len(text), start, err)
}

// AbortRun cancels the transport of a run, marks it aborted and persists the
// text accumulated so far flagged as cancelled.
func (t *Tracker) AbortRun(ctx context.Context, runID string) (bool, error) {
	run, ok := t.table.Get(runID)
	if !ok {
		return false, fmt.Errorf("%w: %s", core.ErrRunNotFound, runID)
	}

	var (
		claimed bool
		text    string
	)
	run.Update(func(st *core.RunState) {
		if st.Finalized || st.Status.IsTerminal() {
			return
		}
		claimed = true
		st.Finalized = true
		st.Status = core.RunStatusAborted
		text = st.Text()
	})
	if !claimed {
		return false, nil
	}

	t.releaseTransport(run.ID)
	if t.opts.Canceller != nil {
		if err := t.opts.Canceller.CancelTransport(ctx, run.ID); err != nil {
			t.runLog(run).Warn("Transport cancel failed", "error", err.Error())
		}
	}

	return true, t.persistPartial(ctx, run, text, true)
}

// FailRun marks a run failed and persists whatever text it accumulated,
// annotated with the failure marker, or the generic apology when nothing
// usable arrived.
func (t *Tracker) FailRun(ctx context.Context, runID, reason string) (bool, error) {
	run, ok := t.table.Get(runID)
	if !ok {
		return false, fmt.Errorf("%w: %s", core.ErrRunNotFound, runID)
	}

	var (
		claimed bool
		text    string
	)
	run.Update(func(st *core.RunState) {
		if st.Finalized {
			return
		}
		// the sequencer may already have recorded the failure
		if st.Status.IsTerminal() && st.Status != core.RunStatusFailed {
			return
		}
		claimed = true
		st.Finalized = true
		st.Status = core.RunStatusFailed
		if st.FailureReason == "" {
			st.FailureReason = reason
		}
		text = st.Text()
	})
	if !claimed {
		return false, nil
	}
	t.releaseTransport(run.ID)

	if text == "" {
		text = t.opts.Apology
	} else if t.opts.FailureMarker != "" {
		text = text + "\n\n" + t.opts.FailureMarker
	}
	return true, t.persistPartial(ctx, run, text, false)
}

// SkipRun makes a run terminal without any persistence call. It is used when
// the producer reports the run as already handled elsewhere.
func (t *Tracker) SkipRun(runID string) (bool, error) {
	run, ok := t.table.Get(runID)
	if !ok {
		return false, fmt.Errorf("%w: %s", core.ErrRunNotFound, runID)
	}
	var claimed bool
	run.Update(func(st *core.RunState) {
		if st.Finalized || st.Status.IsTerminal() {
			return
		}
		claimed = true
		st.Finalized = true
		st.Status = core.RunStatusCompleted
	})
	if !claimed {
		return false, nil
	}
	t.releaseTransport(run.ID)
	t.table.remove(run)
	t.runLog(run).Info("Run already handled by producer")
	return true, nil
}

// Reattach returns a snapshot of the conversation's run if it is still in
// flight, so a UI entering that conversation can show it as streaming.
func (t *Tracker) Reattach(conversationID string) (core.Snapshot, bool) {
	run, ok := t.table.ForConversation(conversationID)
	if !ok {
		return core.Snapshot{}, false
	}
	snap := run.Snapshot()
	if snap.Status.IsTerminal() && snap.PersistErr == nil {
		return core.Snapshot{}, false
	}
	return snap, true
}

// Get returns a run by id.
func (t *Tracker) Get(runID string) (*core.Run, bool) { return t.table.Get(runID) }

func (t *Tracker) persistPartial(ctx context.Context, run *core.Run, text string, cancelled bool) error {
	start := time.Now()
	err := t.persister.PersistPartialMessage(ctx, run.ConversationID, run.ID, text, cancelled)
	status := "failed"
	if cancelled {
		status = "aborted"
	}
	return t.settle(run, status, len(text), start, err)
}

// settle removes a finalized run from the table once its persistence call
// succeeded. On failure the run stays registered, terminal, carrying the error.
func (t *Tracker) settle(run *core.Run, status string, textLen int, start time.Time, err error) error {
	if err != nil {
		run.Update(func(st *core.RunState) { st.PersistErr = err })
		t.runLog(run).LogFinalization(status, textLen, time.Since(start), err)
		return fmt.Errorf("persist %s run %s: %w", status, run.ID, err)
	}
	t.table.remove(run)
	t.runLog(run).LogFinalization(status, textLen, time.Since(start), nil)
	return nil
}

func (t *Tracker) runLog(run *core.Run) *logging.RunLogger {
	return logging.ForRun(t.logger, run.ConversationID, run.ID).WithComponent("tracker")
}

// occupies reports whether r still holds its conversation. Settled runs leave
// the table, so a registered run is free only when its persistence failed.
func occupies(r *core.Run) bool {
	var busy bool
	r.Update(func(st *core.RunState) { busy = !st.Finalized || st.PersistErr == nil })
	return busy
}

func (t *Tracker) releaseTransport(runID string) {
	t.mu.Lock()
	cancel, ok := t.cancels[runID]
	delete(t.cancels, runID)
	t.mu.Unlock()
	if ok {
		cancel()
	}
}
