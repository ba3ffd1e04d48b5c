package sink

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hupe1980/runstream/core"
)

// ThrottledSink limits how often the wrapped sink sees deliveries of a run.
// Because every delivery carries the full accumulated text, a skipped
// delivery is simply superseded by the next allowed one, and by Finalize.
// Each run gets its own limiter, so a busy run never starves another.
type ThrottledSink struct {
	inner core.Sink
	limit rate.Limit
	burst int

	mu   sync.Mutex
	runs map[string]*runThrottle
}

type runThrottle struct {
	limiter *rate.Limiter
	pending bool
}

// NewThrottledSink allows up to perSecond deliveries per second and run with
// the given burst.
func NewThrottledSink(inner core.Sink, perSecond float64, burst int) *ThrottledSink {
	return newThrottledSink(inner, rate.Limit(perSecond), burst)
}

// NewThrottledSinkEvery allows one delivery per interval and run.
func NewThrottledSinkEvery(inner core.Sink, interval time.Duration) *ThrottledSink {
	return newThrottledSink(inner, rate.Every(interval), 1)
}

func newThrottledSink(inner core.Sink, limit rate.Limit, burst int) *ThrottledSink {
	if burst < 1 {
		burst = 1
	}
	return &ThrottledSink{
		inner: inner,
		limit: limit,
		burst: burst,
		runs:  make(map[string]*runThrottle),
	}
}

// Deliver implements core.Sink.
func (t *ThrottledSink) Deliver(run core.RunInfo, accumulated string) error {
	t.mu.Lock()
	rt, ok := t.runs[run.RunID]
	if !ok {
		rt = &runThrottle{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.runs[run.RunID] = rt
	}
	allowed := rt.limiter.Allow()
	rt.pending = !allowed
	t.mu.Unlock()

	if !allowed {
		return nil
	}
	return t.inner.Deliver(run, accumulated)
}

// Finalize implements core.SinkFinalizer and releases the run's limiter. A
// wrapped finalizer always receives the final text; otherwise a skipped
// delivery is flushed.
func (t *ThrottledSink) Finalize(run core.RunInfo, final string, status core.RunStatus) error {
	t.mu.Lock()
	rt, ok := t.runs[run.RunID]
	delete(t.runs, run.RunID)
	t.mu.Unlock()

	if f, isFinalizer := t.inner.(core.SinkFinalizer); isFinalizer {
		return f.Finalize(run, final, status)
	}
	if ok && rt.pending {
		return t.inner.Deliver(run, final)
	}
	return nil
}

// Active returns the number of runs holding a limiter.
func (t *ThrottledSink) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.runs)
}
