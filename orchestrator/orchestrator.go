package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hupe1980/runstream/core"
	"github.com/hupe1980/runstream/decoder"
	"github.com/hupe1980/runstream/logging"
	"github.com/hupe1980/runstream/persist"
	"github.com/hupe1980/runstream/sequencer"
	"github.com/hupe1980/runstream/sink"
	"github.com/hupe1980/runstream/tracker"
)

// Config holds operational parameters of the run loop.
type Config struct {
	// ReadBufferSize is the size of each transport read.
	ReadBufferSize int

	// MaxFrameBytes bounds a single undelimited frame in the decoder.
	MaxFrameBytes int

	// PersistTimeout bounds each persistence call. Zero disables the bound.
	PersistTimeout time.Duration

	// FailureMarker is appended to the partial text of failed runs.
	FailureMarker string

	// Apology is persisted for failed runs without usable text.
	Apology string

	// MaxConcurrentRuns caps runs streaming at once across conversations.
	// Zero means unlimited.
	MaxConcurrentRuns int
}

// DefaultConfig provides the default run loop configuration.
var DefaultConfig = Config{
	ReadBufferSize: 4096,
	MaxFrameBytes:  1 << 20,
	PersistTimeout: 30 * time.Second,
	FailureMarker:  "[response interrupted]",
	Apology:        "Sorry, something went wrong while generating this response. Please try again.",
}

// Options configures an Orchestrator using the functional options pattern.
// Every dependency except the transport has an in-memory default.
type Options struct {
	// Config contains operational parameters. Defaults to DefaultConfig.
	Config Config

	// Persister receives finalized messages. Defaults to persist.NewInMemoryStore().
	Persister core.Persister

	// Router maps sink kinds to sinks. Defaults to an empty router; Submit
	// fails with core.ErrNoSink for kinds without a registered sink.
	Router *sink.Router

	// Table is the active-run table. Defaults to a fresh table.
	Table *tracker.Table

	// Canceller asks the producer to stop on abort. Defaults to the
	// transport when it implements core.TransportCanceller.
	Canceller core.TransportCanceller

	// Callbacks receives lifecycle callbacks. Defaults to an empty manager.
	Callbacks *CallbackManager

	// Logger defaults to NoOp. Entries about a run carry its conversation
	// and run ids.
	Logger logging.Logger

	// IDGenerator overrides run id generation (tests).
	IDGenerator func() string
}

// SubmitRequest is one user turn.
type SubmitRequest struct {
	ConversationID string
	Input          string
	// Mode is the editing surface active when the user submitted; it fixes
	// the run's sink for its whole lifetime.
	Mode core.EditingMode
}

type runEntry struct {
	run  *core.Run
	done chan struct{}
}

// Orchestrator turns user turns into persisted assistant messages. It starts
// runs, streams their frames through decoder and sequencer into the selected
// sink and finalizes them exactly once.
//
// Runs continue in the background when the displayed conversation changes;
// only Abort, a failure or completion ends them.
type Orchestrator struct {
	transport core.Transport
	persister core.Persister
	router    *sink.Router
	tracker   *tracker.Tracker
	sequencer *sequencer.Sequencer
	callbacks *CallbackManager
	limiter   *core.RunLimiter
	config    Config
	logger    logging.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu        sync.RWMutex
	displayed string
	runs      map[string]*runEntry
}

// New creates an orchestrator reading runs from transport.
func New(transport core.Transport, optFns ...func(o *Options)) *Orchestrator {
	opts := Options{
		Config:    DefaultConfig,
		Persister: persist.NewInMemoryStore(),
		Logger:    logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	logger := logging.OrNoOp(opts.Logger)
	if opts.Router == nil {
		opts.Router = sink.NewRouter(func(o *sink.Options) { o.Logger = logger })
	}
	if opts.Table == nil {
		opts.Table = tracker.NewTable()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewCallbackManager()
	}
	if opts.Canceller == nil {
		if c, ok := transport.(core.TransportCanceller); ok {
			opts.Canceller = c
		}
	}
	if opts.Config.ReadBufferSize <= 0 {
		opts.Config.ReadBufferSize = DefaultConfig.ReadBufferSize
	}

	tr := tracker.New(opts.Table, opts.Persister, func(o *tracker.Options) {
		o.Canceller = opts.Canceller
		o.FailureMarker = opts.Config.FailureMarker
		o.Apology = opts.Config.Apology
		o.Logger = logger
		if opts.IDGenerator != nil {
			o.IDGenerator = opts.IDGenerator
		}
	})

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		transport:  transport,
		persister:  opts.Persister,
		router:     opts.Router,
		tracker:    tr,
		sequencer:  sequencer.New(func(o *sequencer.Options) { o.Logger = logger }),
		callbacks:  opts.Callbacks,
		limiter:    core.NewRunLimiter(opts.Config.MaxConcurrentRuns),
		config:     opts.Config,
		logger:     logger,
		baseCtx:    baseCtx,
		cancelBase: cancel,
		runs:       make(map[string]*runEntry),
	}
}

// Router returns the sink router, for registering sinks.
func (o *Orchestrator) Router() *sink.Router { return o.router }

// Callbacks returns the callback manager.
func (o *Orchestrator) Callbacks() *CallbackManager { return o.callbacks }

// Tracker returns the run tracker.
func (o *Orchestrator) Tracker() *tracker.Tracker { return o.tracker }

// Submit starts a run for a user turn and streams it in the background. A
// *core.ConflictError is returned synchronously, before any network call,
// when the conversation already has a run in flight.
//
// The run's lifetime is not bound to ctx; use Abort to stop it.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*core.Run, error) {
	if err := o.baseCtx.Err(); err != nil {
		return nil, errors.New("orchestrator is shut down")
	}
	kind := o.router.Select(req.Mode)
	if !o.router.Has(kind) {
		return nil, fmt.Errorf("%w for kind %q", core.ErrNoSink, kind)
	}

	if err := o.limiter.Acquire(); err != nil {
		return nil, err
	}
	run, err := o.tracker.StartRun(req.ConversationID, kind)
	if err != nil {
		o.limiter.Release()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(o.baseCtx)
	o.tracker.BindCancel(run.ID, cancel)

	entry := &runEntry{run: run, done: make(chan struct{})}
	o.mu.Lock()
	o.pruneLocked(run.ConversationID)
	o.runs[run.ID] = entry
	o.mu.Unlock()

	o.fire(ctx, CallbackRunStarted, run, nil, nil)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(entry.done)
		defer o.limiter.Release()
		defer cancel()
		o.stream(runCtx, run, req.Input)
	}()
	return run, nil
}

// Abort cancels a run's transport and persists the text accumulated so far
// as a cancelled message. Aborting a finalized run is a no-op.
func (o *Orchestrator) Abort(ctx context.Context, runID string) error {
	pctx, cancel := o.persistContext(ctx)
	defer cancel()
	aborted, err := o.tracker.AbortRun(pctx, runID)
	if err != nil && errors.Is(err, core.ErrRunNotFound) {
		if _, known := o.entry(runID); known {
			return nil
		}
	}
	if aborted {
		if run, ok := o.entry(runID); ok {
			o.fire(ctx, CallbackRunAborted, run.run, nil, err)
		}
	}
	return err
}

// SwitchConversation records the displayed conversation. It never aborts the
// run of the conversation being left; if the conversation being entered has
// a run in flight, its snapshot is returned for reattachment.
func (o *Orchestrator) SwitchConversation(conversationID string) (core.Snapshot, bool) {
	o.mu.Lock()
	o.displayed = conversationID
	o.mu.Unlock()
	return o.tracker.Reattach(conversationID)
}

// History lists the persisted messages of a conversation when the persister
// supports listing.
func (o *Orchestrator) History(ctx context.Context, conversationID string) ([]core.Message, error) {
	lister, ok := o.persister.(core.MessageLister)
	if !ok {
		return nil, errors.New("persister does not support listing messages")
	}
	return lister.ListMessages(ctx, conversationID)
}

// Displayed returns the currently displayed conversation.
func (o *Orchestrator) Displayed() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.displayed
}

// Wait blocks until the run loop of runID has exited and returns the final
// snapshot of the run.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (core.Snapshot, error) {
	e, ok := o.entry(runID)
	if !ok {
		return core.Snapshot{}, fmt.Errorf("%w: %s", core.ErrRunNotFound, runID)
	}
	select {
	case <-e.done:
		return e.run.Snapshot(), nil
	case <-ctx.Done():
		return e.run.Snapshot(), ctx.Err()
	}
}

// Shutdown aborts all runs in flight and waits for their loops to exit.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancelBase()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type outcome int

const (
	outcomeContinue outcome = iota
	outcomeComplete
	outcomeFail
	outcomeSkip
	outcomeClosed
)

type streamStats struct {
	duplicates int
}

func (o *Orchestrator) stream(ctx context.Context, run *core.Run, input string) {
	log := o.runLogger(run)
	start := time.Now()

	rc, err := o.transport.Open(ctx, core.TransportRequest{
		RunID:          run.ID,
		ConversationID: run.ConversationID,
		Input:          input,
		SinkKind:       run.SinkKind,
	})
	if err != nil {
		switch {
		case errors.Is(err, core.ErrAlreadyHandled):
			o.skip(ctx, run)
		case ctx.Err() != nil:
			o.abortFromContext(run)
		default:
			o.fail(ctx, run, fmt.Sprintf("open stream: %v", err))
		}
		o.finalizeSink(ctx, run)
		return
	}
	defer rc.Close()

	if err := o.tracker.MarkStreaming(run.ID); err != nil {
		log.Warn("Run vanished before streaming", "error", err.Error())
	}

	dec := decoder.New(func(d *decoder.Options) {
		d.MaxFrameBytes = o.config.MaxFrameBytes
		d.Logger = o.logger
	})
	var stats streamStats
	buf := make([]byte, o.config.ReadBufferSize)

	result := outcomeContinue
	for result == outcomeContinue {
		n, rerr := rc.Read(buf)
		if n > 0 && ctx.Err() == nil {
			result = o.admit(ctx, run, dec.Feed(buf[:n]), &stats)
		}
		if result != outcomeContinue {
			break
		}
		if rerr == nil {
			continue
		}

		switch {
		case ctx.Err() != nil:
			result = outcomeClosed
			o.abortFromContext(run)
		case errors.Is(rerr, io.EOF):
			result = o.admit(ctx, run, dec.Flush(), &stats)
			if result == outcomeContinue {
				// the producer closed the stream without a terminal frame
				result = outcomeComplete
			}
		default:
			_ = o.tracker.MarkFailed(run.ID, fmt.Sprintf("read stream: %v", rerr))
			result = outcomeFail
		}
	}

	switch result {
	case outcomeComplete:
		if run.Snapshot().AccumulatedText == "" && dec.Dropped() > 0 {
			o.fail(ctx, run, fmt.Sprintf("%v: %d malformed frames dropped", core.ErrEmptyResponse, dec.Dropped()))
		} else {
			o.complete(ctx, run)
		}
	case outcomeFail:
		o.fail(ctx, run, run.Snapshot().FailureReason)
	case outcomeSkip:
		o.skip(ctx, run)
	case outcomeClosed:
		// finalized by Abort or by a competing path
	}

	log.LogStreamStats(dec.Frames(), dec.Dropped(), stats.duplicates, time.Since(start))
	o.finalizeSink(ctx, run)
}

// admit runs decoded events through the sequencer and delivers applied text.
// Deliveries happen on the run's own goroutine in admission order.
func (o *Orchestrator) admit(ctx context.Context, run *core.Run, events []core.StreamEvent, stats *streamStats) outcome {
	for i := range events {
		ev := events[i]
		res := o.sequencer.Accept(ev, run)
		if res.Reason == sequencer.ReasonDuplicate {
			stats.duplicates++
		}
		if res.Applied {
			o.deliver(ctx, run, res.Text)
			o.fire(ctx, CallbackChunkApplied, run, &ev, nil)
		}
		switch {
		case res.Reason == sequencer.ReasonClosed:
			return outcomeClosed
		case res.Signal == sequencer.SignalFinalize:
			return outcomeComplete
		case res.Signal == sequencer.SignalFail:
			return outcomeFail
		case res.Signal == sequencer.SignalSkip:
			return outcomeSkip
		}
	}
	return outcomeContinue
}

func (o *Orchestrator) deliver(ctx context.Context, run *core.Run, text string) {
	if err := o.router.Deliver(run.Info(), text); err != nil {
		o.sinkFailure(ctx, run, err)
	}
}

func (o *Orchestrator) finalizeSink(ctx context.Context, run *core.Run) {
	snap := run.Snapshot()
	if !snap.Status.IsTerminal() {
		return
	}
	// the producer owns the message of a short-circuited run
	if snap.Status == core.RunStatusCompleted && snap.AccumulatedText == "" {
		return
	}
	if err := o.router.Finalize(run.Info(), snap.AccumulatedText, snap.Status); err != nil {
		o.sinkFailure(ctx, run, err)
	}
}

func (o *Orchestrator) sinkFailure(ctx context.Context, run *core.Run, err error) {
	o.runLogger(run).LogSinkFailure(string(run.SinkKind), err)
	o.fire(ctx, CallbackSinkError, run, nil, err)
}

func (o *Orchestrator) complete(ctx context.Context, run *core.Run) {
	pctx, cancel := o.persistContext(ctx)
	defer cancel()
	done, err := o.tracker.CompleteRun(pctx, run.ID, o.Displayed())
	if !done {
		return
	}
	if run.Status() == core.RunStatusFailed {
		o.fire(ctx, CallbackRunFailed, run, nil, core.ErrEmptyResponse)
		return
	}
	o.fire(ctx, CallbackRunCompleted, run, nil, err)
}

func (o *Orchestrator) fail(ctx context.Context, run *core.Run, reason string) {
	pctx, cancel := o.persistContext(ctx)
	defer cancel()
	done, err := o.tracker.FailRun(pctx, run.ID, reason)
	if !done {
		return
	}
	if err == nil {
		err = errors.New(run.Snapshot().FailureReason)
	}
	o.fire(ctx, CallbackRunFailed, run, nil, err)
}

func (o *Orchestrator) skip(ctx context.Context, run *core.Run) {
	done, _ := o.tracker.SkipRun(run.ID)
	if done {
		o.fire(ctx, CallbackRunCompleted, run, nil, nil)
	}
}

// abortFromContext takes the abort path for runs whose context ended without
// an explicit Abort, such as during Shutdown.
func (o *Orchestrator) abortFromContext(run *core.Run) {
	pctx, cancel := o.persistContext(context.Background())
	defer cancel()
	done, err := o.tracker.AbortRun(pctx, run.ID)
	if done {
		o.fire(context.Background(), CallbackRunAborted, run, nil, err)
	}
}

// persistContext detaches persistence from run cancellation, since
// finalization itself cancels the run context.
func (o *Orchestrator) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if o.config.PersistTimeout > 0 {
		return context.WithTimeout(ctx, o.config.PersistTimeout)
	}
	return ctx, func() {}
}

func (o *Orchestrator) fire(ctx context.Context, t CallbackType, run *core.Run, ev *core.StreamEvent, err error) {
	cc := &CallbackContext{Run: run.Snapshot(), Event: ev, CallbackType: t, Err: err}
	if cbErr := o.callbacks.ExecuteCallbacks(context.WithoutCancel(ctx), t, cc); cbErr != nil {
		o.runLogger(run).Warn("Callback failed", "callback", string(t), "error", cbErr.Error())
	}
}

func (o *Orchestrator) runLogger(run *core.Run) *logging.RunLogger {
	return logging.ForRun(o.logger, run.ConversationID, run.ID)
}

func (o *Orchestrator) entry(runID string) (*runEntry, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.runs[runID]
	return e, ok
}

// pruneLocked forgets finished runs of a conversation so the entry map stays
// bounded by the number of conversations.
func (o *Orchestrator) pruneLocked(conversationID string) {
	for id, e := range o.runs {
		if e.run.ConversationID != conversationID {
			continue
		}
		select {
		case <-e.done:
			delete(o.runs, id)
		default:
		}
	}
}
