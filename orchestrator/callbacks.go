package orchestrator

import (
	"context"
	"sync"

	"github.com/hupe1980/runstream/core"
)

// CallbackType defines the lifecycle points of a run where callbacks execute.
//
// Callbacks hook into the run loop without modifying it. They are executed
// synchronously on the goroutine that reached the lifecycle point, so they
// must be fast. A callback error is logged and never fails a run.
type CallbackType string

const (
	// CallbackRunStarted is triggered after a run was registered and its
	// stream is about to be opened.
	CallbackRunStarted CallbackType = "run_started"

	// CallbackChunkApplied is triggered after a chunk was admitted by the
	// sequencer and delivered to the run's sink.
	CallbackChunkApplied CallbackType = "chunk_applied"

	// CallbackRunCompleted is triggered once a run finalized as completed,
	// including runs the producer reported as already handled.
	CallbackRunCompleted CallbackType = "run_completed"

	// CallbackRunFailed is triggered once a run finalized as failed.
	CallbackRunFailed CallbackType = "run_failed"

	// CallbackRunAborted is triggered once a run was aborted and its partial
	// text handed to persistence.
	CallbackRunAborted CallbackType = "run_aborted"

	// CallbackSinkError is triggered when a sink delivery or finalization
	// failed. The run keeps accumulating.
	CallbackSinkError CallbackType = "sink_error"
)

// CallbackContext carries the information available at a lifecycle point.
type CallbackContext struct {
	// Run is a snapshot of the run taken when the callback fired.
	Run core.Snapshot

	// Event is the stream event being processed, if any.
	Event *core.StreamEvent

	// CallbackType indicates which lifecycle point triggered this execution.
	CallbackType CallbackType

	// Err is the failure behind run_failed and sink_error callbacks.
	Err error

	// Metadata provides extensible storage for custom callback data.
	Metadata map[string]any
}

// Callback defines the interface for run lifecycle hooks.
type Callback interface {
	// Type returns the callback type this implementation handles.
	Type() CallbackType

	// Execute performs the callback logic with the provided context.
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a callback implementation.
//
// Example:
//
//	onDone := NewFunctionCallback(
//	    CallbackRunCompleted,
//	    func(ctx context.Context, cc *CallbackContext) error {
//	        log.Printf("run %s finished with %d bytes", cc.Run.RunID, len(cc.Run.AccumulatedText))
//	        return nil
//	    },
//	)
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a new function-based callback.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute calls the wrapped function with the provided context.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager keeps the registered callbacks per type. Registration and
// execution are safe for concurrent use, since runs of different
// conversations execute callbacks from their own goroutines.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates a new callback manager instance.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds a callback; callbacks of the same type execute in
// registration order.
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// ExecuteCallbacks executes all registered callbacks for the specified type.
// Execution stops at the first error, which is returned.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	cm.mu.RLock()
	callbacks := append([]Callback(nil), cm.callbacks[callbackType]...)
	cm.mu.RUnlock()

	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return err
		}
	}

	return nil
}
