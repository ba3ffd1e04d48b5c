package transport

import (
	"context"
	"io"
	"sync"

	"github.com/hupe1980/runstream/core"
	"github.com/hupe1980/runstream/logging"
)

// Producer writes the frames of one run. Returning a non-nil error closes the
// stream with that error, which the reader sees as a read failure.
type Producer func(ctx context.Context, req core.TransportRequest, w *FrameWriter) error

// PipeOptions configures a PipeTransport.
type PipeOptions struct {
	Logger logging.Logger
}

// PipeTransport runs a Producer in its own goroutine and exposes its frames
// as the run's byte stream.
type PipeTransport struct {
	produce Producer
	logger  logging.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewPipeTransport creates an in-process transport.
func NewPipeTransport(p Producer, optFns ...func(o *PipeOptions)) *PipeTransport {
	opts := PipeOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &PipeTransport{
		produce: p,
		logger:  logging.OrNoOp(opts.Logger),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Open implements core.Transport. Reads unblock with ctx.Err() once ctx is done.
func (t *PipeTransport) Open(ctx context.Context, req core.TransportRequest) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()

	t.mu.Lock()
	t.cancels[req.RunID] = cancel
	t.mu.Unlock()

	// closing the write side lets a pending Read return the cause; the
	// producer's own close afterwards does not replace it
	stop := context.AfterFunc(pctx, func() { _ = pw.CloseWithError(context.Cause(pctx)) })

	go func() {
		defer func() {
			stop()
			cancel()
			t.mu.Lock()
			delete(t.cancels, req.RunID)
			t.mu.Unlock()
		}()
		err := t.produce(pctx, req, NewFrameWriter(pw))
		if err != nil {
			t.logger.Debug("Producer finished with error", "run_id", req.RunID, "error", err.Error())
		}
		_ = pw.CloseWithError(err)
	}()

	return pr, nil
}

// CancelTransport implements core.TransportCanceller. It stops the producer
// of a run; unknown or finished runs are ignored.
func (t *PipeTransport) CancelTransport(_ context.Context, runID string) error {
	t.mu.Lock()
	cancel, ok := t.cancels[runID]
	t.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}
