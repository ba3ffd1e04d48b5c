package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/runstream/core"
	"github.com/hupe1980/runstream/persist/sqlite"
	"github.com/hupe1980/runstream/transport"
)

type step func(w *transport.FrameWriter) error

func chunk(seq int64, text string) step {
	return func(w *transport.FrameWriter) error { return w.WriteChunk(seq, text) }
}

func complete() step { return func(w *transport.FrameWriter) error { return w.WriteComplete() } }

func raw(payload string) step {
	return func(w *transport.FrameWriter) error { return w.WriteRaw(payload) }
}

// scripted is a producer fed step by step from the test, with one step
// channel per run.
type scripted struct {
	mu    sync.Mutex
	runs  map[string]chan step
	opens atomic.Int32
}

func newScripted() *scripted { return &scripted{runs: make(map[string]chan step)} }

func (s *scripted) channel(runID string) chan step {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.runs[runID]
	if !ok {
		ch = make(chan step)
		s.runs[runID] = ch
	}
	return ch
}

func (s *scripted) produce(ctx context.Context, req core.TransportRequest, w *transport.FrameWriter) error {
	s.opens.Add(1)
	steps := s.channel(req.RunID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-steps:
			if !ok {
				return nil
			}
			if err := st(w); err != nil {
				return err
			}
		}
	}
}

// send hands steps to the producer of a run; it reports false if the
// producer stopped taking them.
func (s *scripted) send(runID string, steps ...step) bool {
	ch := s.channel(runID)
	for _, st := range steps {
		select {
		case ch <- st:
		case <-time.After(500 * time.Millisecond):
			return false
		}
	}
	return true
}

// finish ends the stream of a run without a terminal frame.
func (s *scripted) finish(runID string) { close(s.channel(runID)) }

type persistCall struct {
	conversationID string
	runID          string
	text           string
	cancelled      bool
	partial        bool
}

type recordingPersister struct {
	mu    sync.Mutex
	calls []persistCall
}

func (p *recordingPersister) PersistAssistantMessage(_ context.Context, conv, run, text string, _ []core.Source) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, persistCall{conversationID: conv, runID: run, text: text})
	return nil
}

func (p *recordingPersister) PersistPartialMessage(_ context.Context, conv, run, text string, cancelled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, persistCall{conversationID: conv, runID: run, text: text, cancelled: cancelled, partial: true})
	return nil
}

func (p *recordingPersister) Calls() []persistCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]persistCall(nil), p.calls...)
}

// gatedPersister holds partial persistence calls until released.
type gatedPersister struct {
	recordingPersister
	entered chan struct{}
	release chan struct{}
}

func newGatedPersister() *gatedPersister {
	return &gatedPersister{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (p *gatedPersister) PersistPartialMessage(ctx context.Context, conv, run, text string, cancelled bool) error {
	p.entered <- struct{}{}
	<-p.release
	return p.recordingPersister.PersistPartialMessage(ctx, conv, run, text, cancelled)
}

type recordingSink struct {
	mu        sync.Mutex
	delivered []string
	finalized []string
	status    core.RunStatus
	notify    chan string
}

func newRecordingSink() *recordingSink { return &recordingSink{notify: make(chan string, 64)} }

func (s *recordingSink) Deliver(_ core.RunInfo, accumulated string) error {
	s.mu.Lock()
	s.delivered = append(s.delivered, accumulated)
	s.mu.Unlock()
	s.notify <- accumulated
	return nil
}

func (s *recordingSink) Finalize(_ core.RunInfo, final string, status core.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = append(s.finalized, final)
	s.status = status
	return nil
}

func (s *recordingSink) Delivered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.delivered...)
}

func (s *recordingSink) await(t *testing.T, want string) {
	t.Helper()
	for {
		select {
		case got := <-s.notify:
			if got == want {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("sink never received %q", want)
		}
	}
}

type harness struct {
	orc       *Orchestrator
	producer  *scripted
	persister *recordingPersister
	chat      *recordingSink
	document  *recordingSink
}

func newHarness(t *testing.T, optFns ...func(o *Options)) *harness {
	t.Helper()
	h := &harness{
		producer:  newScripted(),
		persister: &recordingPersister{},
		chat:      newRecordingSink(),
		document:  newRecordingSink(),
	}
	n := 0
	fns := append([]func(o *Options){func(o *Options) {
		o.Persister = h.persister
		o.IDGenerator = func() string { n++; return fmt.Sprintf("run-%d", n) }
	}}, optFns...)
	h.orc = New(transport.NewPipeTransport(h.producer.produce), fns...)
	h.orc.Router().Register(core.SinkChat, h.chat)
	h.orc.Router().Register(core.SinkDocument, h.document)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.orc.Shutdown(ctx)
	})
	return h
}

func (h *harness) submit(t *testing.T, conv string, mode core.EditingMode) *core.Run {
	t.Helper()
	run, err := h.orc.Submit(context.Background(), SubmitRequest{ConversationID: conv, Input: "hi", Mode: mode})
	require.NoError(t, err)
	return run
}

func (h *harness) wait(t *testing.T, runID string) core.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := h.orc.Wait(ctx, runID)
	require.NoError(t, err)
	return snap
}

func TestOrchestrator_StreamsAndPersistsOnce(t *testing.T) {
	h := newHarness(t)
	run := h.submit(t, "c1", core.ChatMode)

	require.True(t, h.producer.send(run.ID, chunk(0, "Hel"), chunk(1, "lo"), complete()))
	snap := h.wait(t, run.ID)

	assert.Equal(t, core.RunStatusCompleted, snap.Status)
	assert.Equal(t, "Hello", snap.AccumulatedText)
	assert.Equal(t, []persistCall{{conversationID: "c1", runID: run.ID, text: "Hello"}}, h.persister.Calls())
	assert.Equal(t, []string{"Hel", "Hello"}, h.chat.Delivered())
	assert.Equal(t, []string{"Hello"}, h.chat.finalized)
	assert.Zero(t, h.orc.Tracker().Table().Len())
}

func TestOrchestrator_AbortPersistsPartialAndStopsAdmission(t *testing.T) {
	h := newHarness(t)
	run := h.submit(t, "c1", core.ChatMode)

	require.True(t, h.producer.send(run.ID, chunk(0, "partial ")))
	h.chat.await(t, "partial ")

	require.NoError(t, h.orc.Abort(context.Background(), run.ID))
	// the producer was cancelled; a late frame must not be admitted
	h.producer.send(run.ID, chunk(1, "late"))
	snap := h.wait(t, run.ID)

	assert.Equal(t, core.RunStatusAborted, snap.Status)
	assert.Equal(t, "partial ", snap.AccumulatedText)
	assert.Equal(t, []persistCall{{conversationID: "c1", runID: run.ID, text: "partial ", cancelled: true, partial: true}}, h.persister.Calls())
	assert.Equal(t, []string{"partial "}, h.chat.Delivered())
	assert.Equal(t, core.RunStatusAborted, h.chat.status)

	// aborting again is a no-op
	require.NoError(t, h.orc.Abort(context.Background(), run.ID))
	assert.Len(t, h.persister.Calls(), 1)
}

func TestOrchestrator_ConflictBeforeNetwork(t *testing.T) {
	h := newHarness(t)
	first := h.submit(t, "c1", core.ChatMode)

	_, err := h.orc.Submit(context.Background(), SubmitRequest{ConversationID: "c1", Input: "again"})
	require.Error(t, err)
	assert.True(t, core.IsConflict(err))

	require.True(t, h.producer.send(first.ID, chunk(0, "x"), complete()))
	h.wait(t, first.ID)
	assert.Equal(t, int32(1), h.producer.opens.Load())

	// once finalized, a new run may start
	second := h.submit(t, "c1", core.ChatMode)
	require.True(t, h.producer.send(second.ID, chunk(0, "y"), complete()))
	assert.Equal(t, core.RunStatusCompleted, h.wait(t, second.ID).Status)
}

func TestOrchestrator_SinkFixedAtSubmission(t *testing.T) {
	h := newHarness(t)
	run := h.submit(t, "c1", core.EditorMode(core.EditorWord))
	assert.Equal(t, core.SinkDocument, run.SinkKind)

	require.True(t, h.producer.send(run.ID, chunk(0, "# Title\n")))
	h.document.await(t, "# Title\n")

	// the user closes the editor mid-stream; the run keeps its sink
	assert.Equal(t, core.SinkChat, h.orc.Router().Select(core.ChatMode))
	require.True(t, h.producer.send(run.ID, chunk(1, "body"), complete()))
	h.wait(t, run.ID)

	assert.Equal(t, []string{"# Title\n", "# Title\nbody"}, h.document.Delivered())
	assert.Empty(t, h.chat.Delivered())
}

func TestOrchestrator_CrossConversationContinuation(t *testing.T) {
	h := newHarness(t)
	h.orc.SwitchConversation("A")
	run := h.submit(t, "A", core.ChatMode)

	require.True(t, h.producer.send(run.ID, chunk(0, "for A")))
	h.chat.await(t, "for A")

	_, attached := h.orc.SwitchConversation("B")
	assert.False(t, attached)
	assert.Equal(t, "B", h.orc.Displayed())

	snap, attached := h.orc.SwitchConversation("A")
	require.True(t, attached)
	assert.Equal(t, core.RunStatusStreaming, snap.Status)
	assert.Equal(t, "for A", snap.AccumulatedText)

	h.orc.SwitchConversation("B")
	require.True(t, h.producer.send(run.ID, complete()))
	h.wait(t, run.ID)

	calls := h.persister.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "A", calls[0].conversationID)
	assert.Equal(t, "B", h.orc.Displayed())
}

func TestOrchestrator_DuplicateAndOutOfOrderFrames(t *testing.T) {
	h := newHarness(t)
	run := h.submit(t, "c1", core.ChatMode)

	require.True(t, h.producer.send(run.ID,
		chunk(0, "a"), chunk(0, "a"), chunk(2, "c"), chunk(1, "b"), raw("not json"), complete(),
	))
	snap := h.wait(t, run.ID)

	assert.Equal(t, "ac", snap.AccumulatedText)
	assert.Equal(t, []persistCall{{conversationID: "c1", runID: run.ID, text: "ac"}}, h.persister.Calls())
}

func TestOrchestrator_ErrorFramePersistsAnnotatedPartial(t *testing.T) {
	var failed atomic.Int32
	h := newHarness(t)
	h.orc.Callbacks().RegisterCallback(NewFunctionCallback(CallbackRunFailed, func(_ context.Context, cc *CallbackContext) error {
		failed.Add(1)
		assert.Equal(t, "boom", cc.Run.FailureReason)
		return nil
	}))

	run := h.submit(t, "c1", core.ChatMode)
	require.True(t, h.producer.send(run.ID, chunk(0, "half"), func(w *transport.FrameWriter) error { return w.WriteError("boom") }))
	snap := h.wait(t, run.ID)

	assert.Equal(t, core.RunStatusFailed, snap.Status)
	assert.Equal(t, []persistCall{{conversationID: "c1", runID: run.ID, text: "half\n\n[response interrupted]", partial: true}}, h.persister.Calls())
	assert.Equal(t, int32(1), failed.Load())
}

func TestOrchestrator_EOFWithoutCompleteFinalizes(t *testing.T) {
	h := newHarness(t)
	run := h.submit(t, "c1", core.ChatMode)
	require.True(t, h.producer.send(run.ID, chunk(0, "done anyway")))
	h.producer.finish(run.ID)

	snap := h.wait(t, run.ID)
	assert.Equal(t, core.RunStatusCompleted, snap.Status)
	assert.Equal(t, "done anyway", h.persister.Calls()[0].text)
}

func TestOrchestrator_OnlyMalformedFramesDegradeToApology(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Config.Apology = "sorry" })
	run := h.submit(t, "c1", core.ChatMode)
	require.True(t, h.producer.send(run.ID, raw("{broken"), raw("[1,2]"), complete()))

	snap := h.wait(t, run.ID)
	assert.Equal(t, core.RunStatusFailed, snap.Status)
	assert.Contains(t, snap.FailureReason, "malformed")
	assert.Equal(t, []persistCall{{conversationID: "c1", runID: run.ID, text: "sorry", partial: true}}, h.persister.Calls())
}

func TestOrchestrator_ReadErrorFailsRun(t *testing.T) {
	h := newHarness(t)
	run := h.submit(t, "c1", core.ChatMode)
	require.True(t, h.producer.send(run.ID, chunk(0, "so far"), func(*transport.FrameWriter) error {
		return errors.New("connection reset")
	}))

	snap := h.wait(t, run.ID)
	assert.Equal(t, core.RunStatusFailed, snap.Status)
	assert.Contains(t, snap.FailureReason, "connection reset")
	assert.Equal(t, "so far\n\n[response interrupted]", h.persister.Calls()[0].text)
}

func TestOrchestrator_AlreadyHandledSkipsPersistence(t *testing.T) {
	persister := &recordingPersister{}
	chat := newRecordingSink()
	var completed atomic.Int32

	tr := core.TransportFunc(func(context.Context, core.TransportRequest) (io.ReadCloser, error) {
		return nil, core.AlreadyHandledError(core.StatusAlreadyProcessing)
	})
	orc := New(tr, func(o *Options) { o.Persister = persister })
	orc.Router().Register(core.SinkChat, chat)
	orc.Callbacks().RegisterCallback(NewFunctionCallback(CallbackRunCompleted, func(context.Context, *CallbackContext) error {
		completed.Add(1)
		return nil
	}))

	run, err := orc.Submit(context.Background(), SubmitRequest{ConversationID: "c1"})
	require.NoError(t, err)
	snap, err := orc.Wait(context.Background(), run.ID)
	require.NoError(t, err)

	assert.Equal(t, core.RunStatusCompleted, snap.Status)
	assert.Empty(t, persister.Calls())
	assert.Empty(t, chat.Delivered())
	assert.Empty(t, chat.finalized)
	assert.Equal(t, int32(1), completed.Load())
}

func TestOrchestrator_AlreadyHandledFrame(t *testing.T) {
	h := newHarness(t)
	run := h.submit(t, "c1", core.ChatMode)
	require.True(t, h.producer.send(run.ID, func(w *transport.FrameWriter) error { return w.WriteStatus(core.StatusAlreadyDone) }))

	snap := h.wait(t, run.ID)
	assert.Equal(t, core.RunStatusCompleted, snap.Status)
	assert.Empty(t, h.persister.Calls())
}

func TestOrchestrator_StatusFrameAfterTextCompletesRun(t *testing.T) {
	h := newHarness(t)
	run := h.submit(t, "c1", core.ChatMode)
	require.True(t, h.producer.send(run.ID,
		chunk(0, "important partial "),
		func(w *transport.FrameWriter) error { return w.WriteStatus(core.StatusAlreadyProcessing) },
	))

	snap := h.wait(t, run.ID)
	assert.Equal(t, core.RunStatusCompleted, snap.Status)
	assert.Equal(t, []persistCall{{conversationID: "c1", runID: run.ID, text: "important partial "}}, h.persister.Calls())
	assert.Equal(t, []string{"important partial "}, h.chat.finalized)
}

func TestOrchestrator_FailedRunHoldsConversationUntilPersisted(t *testing.T) {
	gate := newGatedPersister()
	h := newHarness(t, func(o *Options) { o.Persister = gate })
	run := h.submit(t, "c1", core.ChatMode)
	require.True(t, h.producer.send(run.ID, chunk(0, "partial answer"), func(w *transport.FrameWriter) error { return w.WriteError("boom") }))

	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("the failed run was never persisted")
	}

	_, err := h.orc.Submit(context.Background(), SubmitRequest{ConversationID: "c1", Input: "retry"})
	require.Error(t, err)
	assert.True(t, core.IsConflict(err))

	close(gate.release)
	snap := h.wait(t, run.ID)
	assert.Equal(t, core.RunStatusFailed, snap.Status)
	assert.NoError(t, snap.PersistErr)
	assert.Equal(t, []persistCall{{conversationID: "c1", runID: run.ID, text: "partial answer\n\n[response interrupted]", partial: true}}, gate.Calls())

	next := h.submit(t, "c1", core.ChatMode)
	require.True(t, h.producer.send(next.ID, chunk(0, "ok"), complete()))
	assert.Equal(t, core.RunStatusCompleted, h.wait(t, next.ID).Status)
	assert.Len(t, gate.Calls(), 2)
}

func TestOrchestrator_ConcurrentConversationsPersistToSQLite(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	h := newHarness(t, func(o *Options) { o.Persister = store })

	runs := make([]*core.Run, 12)
	for i := range runs {
		runs[i] = h.submit(t, fmt.Sprintf("c%d", i), core.ChatMode)
	}
	var wg sync.WaitGroup
	for _, run := range runs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.producer.send(run.ID, chunk(0, "answer for "+run.ConversationID), complete())
		}()
	}
	wg.Wait()

	for _, run := range runs {
		snap := h.wait(t, run.ID)
		assert.Equal(t, core.RunStatusCompleted, snap.Status)
		assert.NoError(t, snap.PersistErr)

		msgs, err := store.ListMessages(context.Background(), run.ConversationID)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "answer for "+run.ConversationID, msgs[0].Content)
	}
}

type panickingSink struct{}

func (panickingSink) Deliver(core.RunInfo, string) error { panic("editor unmounted") }

func TestOrchestrator_SinkFailureDoesNotFailRun(t *testing.T) {
	var sinkErrors atomic.Int32
	h := newHarness(t)
	h.orc.Router().Register(core.SinkSlides, panickingSink{})
	h.orc.Callbacks().RegisterCallback(NewFunctionCallback(CallbackSinkError, func(context.Context, *CallbackContext) error {
		sinkErrors.Add(1)
		return errors.New("callback errors are only logged")
	}))

	run := h.submit(t, "c1", core.EditorMode(core.EditorSlides))
	require.True(t, h.producer.send(run.ID, chunk(0, "a"), chunk(1, "b"), complete()))
	snap := h.wait(t, run.ID)

	assert.Equal(t, core.RunStatusCompleted, snap.Status)
	assert.Equal(t, "ab", h.persister.Calls()[0].text)
	assert.Equal(t, int32(2), sinkErrors.Load())
}

func TestOrchestrator_SubmitWithoutSink(t *testing.T) {
	h := newHarness(t)
	_, err := h.orc.Submit(context.Background(), SubmitRequest{ConversationID: "c1", Mode: core.EditorMode(core.EditorSheet)})
	assert.ErrorIs(t, err, core.ErrNoSink)
	assert.Zero(t, h.orc.Tracker().Table().Len())
}

func TestOrchestrator_CallbacksObserveLifecycle(t *testing.T) {
	var (
		mu    sync.Mutex
		order []CallbackType
	)
	record := func(_ context.Context, cc *CallbackContext) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, cc.CallbackType)
		return nil
	}
	h := newHarness(t)
	for _, ct := range []CallbackType{CallbackRunStarted, CallbackChunkApplied, CallbackRunCompleted} {
		h.orc.Callbacks().RegisterCallback(NewFunctionCallback(ct, record))
	}

	run := h.submit(t, "c1", core.ChatMode)
	require.True(t, h.producer.send(run.ID, chunk(0, "a"), chunk(1, "b"), complete()))
	h.wait(t, run.ID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []CallbackType{CallbackRunStarted, CallbackChunkApplied, CallbackChunkApplied, CallbackRunCompleted}, order)
}

func TestOrchestrator_ShutdownAbortsRunsInFlight(t *testing.T) {
	h := newHarness(t)
	run := h.submit(t, "c1", core.ChatMode)
	require.True(t, h.producer.send(run.ID, chunk(0, "half")))
	h.chat.await(t, "half")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.orc.Shutdown(ctx))

	snap := h.wait(t, run.ID)
	assert.Equal(t, core.RunStatusAborted, snap.Status)
	assert.Equal(t, []persistCall{{conversationID: "c1", runID: run.ID, text: "half", cancelled: true, partial: true}}, h.persister.Calls())

	_, err := h.orc.Submit(context.Background(), SubmitRequest{ConversationID: "c2"})
	assert.Error(t, err)
}

func TestOrchestrator_WaitUnknownRun(t *testing.T) {
	h := newHarness(t)
	_, err := h.orc.Wait(context.Background(), "nope")
	assert.ErrorIs(t, err, core.ErrRunNotFound)
	assert.ErrorIs(t, h.orc.Abort(context.Background(), "nope"), core.ErrRunNotFound)
}

func TestOrchestrator_MaxConcurrentRuns(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Config.MaxConcurrentRuns = 1 })
	first := h.submit(t, "c1", core.ChatMode)

	_, err := h.orc.Submit(context.Background(), SubmitRequest{ConversationID: "c2", Input: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTooManyRuns)

	require.True(t, h.producer.send(first.ID, chunk(0, "x"), complete()))
	h.wait(t, first.ID)

	second := h.submit(t, "c2", core.ChatMode)
	require.True(t, h.producer.send(second.ID, chunk(0, "y"), complete()))
	assert.Equal(t, core.RunStatusCompleted, h.wait(t, second.ID).Status)
}
