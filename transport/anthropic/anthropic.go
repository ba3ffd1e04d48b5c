// Package anthropic bridges the Anthropic Messages streaming API into the
// runstream frame protocol.
package anthropic

import (
	"context"
	"fmt"
	"io"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hupe1980/runstream/core"
	"github.com/hupe1980/runstream/logging"
	"github.com/hupe1980/runstream/transport"
)

// Options configures the Anthropic bridge (model id, sampling, API key).
type Options struct {
	Model        anthropic.Model
	Temperature  float64
	MaxTokens    int64
	APIKey       string
	SystemPrompt string
	Logger       logging.Logger
}

// Bridge is a core.Transport backed by the Anthropic SDK.
type Bridge struct {
	client *anthropic.Client
	opts   Options
	pipe   *transport.PipeTransport
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
		Logger:      logging.NoOpLogger{},
	}
}

// NewBridge creates a bridge with its own client.
func NewBridge(optFns ...func(o *Options)) *Bridge {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return newBridge(&client, opts)
}

// NewBridgeFromClient creates a bridge from an existing client.
func NewBridgeFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Bridge {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return newBridge(client, opts)
}

func newBridge(client *anthropic.Client, opts Options) *Bridge {
	b := &Bridge{client: client, opts: opts}
	b.pipe = transport.NewPipeTransport(b.produce, func(o *transport.PipeOptions) { o.Logger = opts.Logger })
	return b
}

// Open implements core.Transport.
func (b *Bridge) Open(ctx context.Context, req core.TransportRequest) (io.ReadCloser, error) {
	return b.pipe.Open(ctx, req)
}

// CancelTransport implements core.TransportCanceller.
func (b *Bridge) CancelTransport(ctx context.Context, runID string) error {
	return b.pipe.CancelTransport(ctx, runID)
}

func (b *Bridge) buildParams(req core.TransportRequest) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:       b.opts.Model,
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Input))},
		MaxTokens:   b.opts.MaxTokens,
		Temperature: anthropic.Float(b.opts.Temperature),
	}
	if b.opts.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: b.opts.SystemPrompt}}
	}
	return params
}

func (b *Bridge) produce(ctx context.Context, req core.TransportRequest, w *transport.FrameWriter) error {
	stream := b.client.Messages.NewStreaming(ctx, b.buildParams(req))
	defer stream.Close()

	var seq int64
	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			delta, ok := ev.Delta.AsAny().(anthropic.TextDelta)
			if !ok || delta.Text == "" {
				continue
			}
			if err := w.WriteChunk(seq, delta.Text); err != nil {
				return err
			}
			seq++
		case anthropic.MessageStopEvent:
			return w.WriteComplete()
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return w.WriteError(fmt.Sprintf("anthropic streaming error: %v", err))
	}
	return w.WriteComplete()
}
