package sink

import (
	"fmt"
	"sync"

	"github.com/hupe1980/runstream/core"
	"github.com/hupe1980/runstream/logging"
)

// Options holds configuration overrides passed to NewRouter().
type Options struct {
	// Logger for registration and delivery diagnostics.
	Logger logging.Logger
}

// Router delivers text to the sink registered for a run's SinkKind.
type Router struct {
	mu     sync.RWMutex
	sinks  map[core.SinkKind]core.Sink
	logger logging.Logger
}

// NewRouter creates an empty router.
func NewRouter(optFns ...func(o *Options)) *Router {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Router{
		sinks:  make(map[core.SinkKind]core.Sink),
		logger: logging.OrNoOp(opts.Logger),
	}
}

// Register installs (or replaces) the sink for a kind.
func (r *Router) Register(kind core.SinkKind, s core.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sinks[kind]; exists {
		r.logger.Warn("Replacing registered sink", "sink", string(kind))
	}
	r.sinks[kind] = s
}

// Has reports whether a sink is registered for kind.
func (r *Router) Has(kind core.SinkKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sinks[kind]
	return ok
}

// Select maps the editing surface active at submission time to a sink kind.
func (r *Router) Select(mode core.EditingMode) core.SinkKind { return Select(mode) }

// Select maps an editing mode to a sink kind. A closed or unknown editor
// selects the chat timeline.
func Select(mode core.EditingMode) core.SinkKind {
	if !mode.EditorOpen {
		return core.SinkChat
	}
	switch mode.Editor {
	case core.EditorWord:
		return core.SinkDocument
	case core.EditorSheet:
		return core.SinkSpreadsheet
	case core.EditorSlides:
		return core.SinkSlides
	default:
		return core.SinkChat
	}
}

// Deliver hands the accumulated text to the sink of run.SinkKind. The kind
// is read from the run, never from the current editing mode.
func (r *Router) Deliver(run core.RunInfo, accumulated string) (err error) {
	s, err := r.lookup(run.SinkKind)
	if err != nil {
		return err
	}
	defer recoverInto(&err, run.SinkKind, "deliver")
	return s.Deliver(run, accumulated)
}

// Finalize gives finalizing sinks the final text of a terminal run. Sinks
// that do not implement core.SinkFinalizer are skipped.
func (r *Router) Finalize(run core.RunInfo, final string, status core.RunStatus) (err error) {
	s, err := r.lookup(run.SinkKind)
	if err != nil {
		return err
	}
	f, ok := s.(core.SinkFinalizer)
	if !ok {
		return nil
	}
	defer recoverInto(&err, run.SinkKind, "finalize")
	return f.Finalize(run, final, status)
}

func (r *Router) lookup(kind core.SinkKind) (core.Sink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[kind]
	if !ok {
		return nil, fmt.Errorf("%w for kind %q", core.ErrNoSink, kind)
	}
	return s, nil
}

func recoverInto(err *error, kind core.SinkKind, op string) {
	if p := recover(); p != nil {
		*err = fmt.Errorf("%s sink panicked during %s: %v", kind, op, p)
	}
}
