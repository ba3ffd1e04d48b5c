package main

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/runstream/orchestrator"
)

// stallWatchdog aborts a run when no chunk was admitted for the configured
// timeout. The orchestrator itself has no read deadline.
type stallWatchdog struct {
	orc     *orchestrator.Orchestrator
	timeout time.Duration

	mu      sync.Mutex
	runID   string
	timer   *time.Timer
	stalled bool
}

func newStallWatchdog(orc *orchestrator.Orchestrator, timeout time.Duration) *stallWatchdog {
	w := &stallWatchdog{orc: orc, timeout: timeout}
	orc.Callbacks().RegisterCallback(orchestrator.NewFunctionCallback(
		orchestrator.CallbackChunkApplied,
		func(_ context.Context, cc *orchestrator.CallbackContext) error {
			w.touch(cc.Run.RunID)
			return nil
		},
	))
	return w
}

// Watch arms the watchdog for runID.
func (w *stallWatchdog) Watch(runID string) {
	if w.timeout <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.runID = runID
	w.timer = time.AfterFunc(w.timeout, w.fire)
}

func (w *stallWatchdog) touch(runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil && runID == w.runID {
		w.timer.Reset(w.timeout)
	}
}

func (w *stallWatchdog) fire() {
	w.mu.Lock()
	runID := w.runID
	w.stalled = true
	w.mu.Unlock()
	_ = w.orc.Abort(context.Background(), runID)
}

// Stop disarms the watchdog and reports whether it fired.
func (w *stallWatchdog) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	return w.stalled
}
