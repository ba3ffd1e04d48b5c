package core

import (
	"context"
	"io"
)

// TransportRequest describes the user turn a transport must start streaming
// a response for.
type TransportRequest struct {
	RunID          string
	ConversationID string
	Input          string
	SinkKind       SinkKind
}

// Transport opens the byte stream of frames for one run. The returned reader
// must stop producing bytes (and unblock pending reads) once ctx is done.
//
// When the far side reports that the run was already handled, Open returns an
// error wrapping ErrAlreadyHandled.
type Transport interface {
	Open(ctx context.Context, req TransportRequest) (io.ReadCloser, error)
}

// TransportCanceller is implemented by transports that can additionally ask
// the producer to stop. It is best-effort; closing an already closed stream
// is not an error.
type TransportCanceller interface {
	CancelTransport(ctx context.Context, runID string) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req TransportRequest) (io.ReadCloser, error)

// Open implements Transport.
func (f TransportFunc) Open(ctx context.Context, req TransportRequest) (io.ReadCloser, error) {
	return f(ctx, req)
}
