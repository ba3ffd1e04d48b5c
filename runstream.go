// Package runstream provides a high-level façade over the streaming response
// orchestrator. Most applications interact with this package by:
//  1. Creating a Runstream via New() with a transport (HTTP endpoint, OpenAI or
//     Anthropic bridge, or an in-process producer)
//  2. Registering sinks for the editing surfaces they support (a chat sink
//     over an in-memory bubble is registered by default)
//  3. Submitting user turns asynchronously (Submit) or synchronously (SubmitSync)
//
// The façade delegates to orchestrator.Orchestrator. All defaults are safe for
// local development and testing; production deployments typically supply a
// durable persister (persist/sqlite) and a structured logger.
package runstream

import (
	"context"
	"errors"

	"github.com/hupe1980/runstream/core"
	"github.com/hupe1980/runstream/logging"
	"github.com/hupe1980/runstream/orchestrator"
	"github.com/hupe1980/runstream/persist"
	"github.com/hupe1980/runstream/sink"
)

// ErrNoTransport is returned by New when no transport is configured.
var ErrNoTransport = errors.New("runstream: transport is required")

// Options configures the Runstream instance.
type Options struct {
	// Transport opens the frame stream of a run. Required.
	Transport core.Transport

	// Config contains run loop parameters (buffers, timeouts, failure texts).
	Config orchestrator.Config

	// Persister receives finalized messages (defaults to an in-memory store).
	Persister core.Persister

	// Sinks registered in addition to the default chat sink. An entry for
	// core.SinkChat replaces the default.
	Sinks map[core.SinkKind]core.Sink

	// Logger (defaults to NoOp logger if nil).
	Logger logging.Logger
}

// Runstream is the high-level façade around an orchestrator.
type Runstream struct {
	opts   Options
	orc    *orchestrator.Orchestrator
	bubble *sink.MemoryBubble
}

// New creates a Runstream. Any unset service is initialized with an
// in-memory implementation.
func New(optFns ...func(o *Options)) (*Runstream, error) {
	opts := Options{
		Config:    orchestrator.DefaultConfig,
		Persister: persist.NewInMemoryStore(),
		Logger:    logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Transport == nil {
		return nil, ErrNoTransport
	}

	orc := orchestrator.New(opts.Transport, func(o *orchestrator.Options) {
		o.Config = opts.Config
		o.Persister = opts.Persister
		o.Logger = opts.Logger
	})

	bubble := sink.NewMemoryBubble()
	orc.Router().Register(core.SinkChat, sink.NewChatSink(bubble))
	for kind, s := range opts.Sinks {
		orc.Router().Register(kind, s)
	}

	return &Runstream{opts: opts, orc: orc, bubble: bubble}, nil
}

// Orchestrator exposes the underlying orchestrator.
func (r *Runstream) Orchestrator() *orchestrator.Orchestrator { return r.orc }

// Bubble returns the default in-memory chat bubble. It stays empty when the
// chat sink was replaced through Options.Sinks.
func (r *Runstream) Bubble() *sink.MemoryBubble { return r.bubble }

// OnLifecycle registers a callback for run lifecycle events.
func (r *Runstream) OnLifecycle(cb orchestrator.Callback) { r.orc.Callbacks().RegisterCallback(cb) }

// Submit starts a run for a user turn in the background.
func (r *Runstream) Submit(ctx context.Context, conversationID, input string, mode core.EditingMode) (*core.Run, error) {
	return r.orc.Submit(ctx, orchestrator.SubmitRequest{ConversationID: conversationID, Input: input, Mode: mode})
}

// SubmitSync starts a run and blocks until it is finalized. If ctx ends first
// the run is aborted and its partial text persisted.
func (r *Runstream) SubmitSync(ctx context.Context, conversationID, input string, mode core.EditingMode) (core.Snapshot, error) {
	run, err := r.Submit(ctx, conversationID, input, mode)
	if err != nil {
		return core.Snapshot{}, err
	}
	snap, err := r.orc.Wait(ctx, run.ID)
	if err != nil && ctx.Err() != nil {
		_ = r.orc.Abort(context.WithoutCancel(ctx), run.ID)
		snap, _ = r.orc.Wait(context.WithoutCancel(ctx), run.ID)
		return snap, ctx.Err()
	}
	return snap, err
}

// Abort stops a run and persists its partial text.
func (r *Runstream) Abort(ctx context.Context, runID string) error { return r.orc.Abort(ctx, runID) }

// SwitchConversation changes the displayed conversation without affecting
// runs in flight. It returns the snapshot of a run to reattach to, if any.
func (r *Runstream) SwitchConversation(conversationID string) (core.Snapshot, bool) {
	return r.orc.SwitchConversation(conversationID)
}

// History lists the persisted messages of a conversation.
func (r *Runstream) History(ctx context.Context, conversationID string) ([]core.Message, error) {
	return r.orc.History(ctx, conversationID)
}

// Close aborts runs in flight and waits for them to finalize.
func (r *Runstream) Close(ctx context.Context) error { return r.orc.Shutdown(ctx) }
