// Package orchestrator is the composition root of runstream. It turns one
// user turn into exactly one persisted assistant message.
//
// # Run Loop
//
// Submit selects the sink from the editing mode, registers the run with the
// tracker (failing synchronously with a *core.ConflictError if the
// conversation already has a run in flight) and starts one goroutine per run:
//
//	transport bytes → decoder → sequencer → sink router
//	                                   ↘ tracker (complete / fail / skip)
//
// Each goroutine reads its transport, decodes frames, admits them through
// the sequencer and delivers the accumulated text to the run's sink. Sink
// calls for a run therefore never overlap and arrive in admission order.
//
// # Cancellation
//
// Abort may be called from any goroutine. The tracker claims finalization
// under the run lock, cancels the run context (which unblocks the transport
// read) and persists the partial text flagged as cancelled. Frames that
// arrive afterwards are rejected by the sequencer because the run is terminal.
//
// # Background Continuation
//
// SwitchConversation only changes which conversation is displayed. Runs of
// other conversations keep streaming and persist into their own conversation.
//
// # Callbacks
//
// Lifecycle callbacks (run_started, chunk_applied, run_completed, run_failed,
// run_aborted, sink_error) are registered on the CallbackManager. Callback
// errors are logged and never change the outcome of a run.
package orchestrator
