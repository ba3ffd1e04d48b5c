// Package openai bridges the OpenAI Chat Completions streaming API into the
// runstream frame protocol. Each non-empty content delta becomes one
// sequenced chunk frame; the end of the SDK stream becomes a complete frame
// and a stream error becomes an error frame.
package openai

import (
	"context"
	"fmt"
	"io"

	"github.com/openai/openai-go"

	"github.com/hupe1980/runstream/core"
	"github.com/hupe1980/runstream/logging"
	"github.com/hupe1980/runstream/transport"
)

// Options configure the OpenAI bridge.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	// SystemPrompt is sent ahead of the user input when non-empty.
	SystemPrompt string
	Logger       logging.Logger
}

// Bridge is a core.Transport backed by the OpenAI SDK.
type Bridge struct {
	client *openai.Client
	opts   Options
	pipe   *transport.PipeTransport
}

// NewBridge creates a bridge using the default client, configured from the
// OPENAI_API_KEY environment variable.
func NewBridge(optFns ...func(o *Options)) *Bridge {
	client := openai.NewClient()
	return NewBridgeFromClient(&client, optFns...)
}

// NewBridgeFromClient creates a bridge from an existing client.
func NewBridgeFromClient(client *openai.Client, optFns ...func(o *Options)) *Bridge {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
		Logger:              logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
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

func (b *Bridge) buildParams(req core.TransportRequest) openai.ChatCompletionNewParams {
	var messages []openai.ChatCompletionMessageParamUnion
	if b.opts.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(b.opts.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Input))
	return openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               b.opts.Model,
		Temperature:         openai.Float(b.opts.Temperature),
		MaxCompletionTokens: openai.Int(b.opts.MaxCompletionTokens),
	}
}

func (b *Bridge) produce(ctx context.Context, req core.TransportRequest, w *transport.FrameWriter) error {
	stream := b.client.Chat.Completions.NewStreaming(ctx, b.buildParams(req))
	defer stream.Close()

	var seq int64
	for stream.Next() {
		ck := stream.Current()
		for _, ch := range ck.Choices {
			if ch.Delta.Content == "" {
				continue
			}
			if err := w.WriteChunk(seq, ch.Delta.Content); err != nil {
				return err
			}
			seq++
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return w.WriteError(fmt.Sprintf("openai streaming error: %v", err))
	}
	return w.WriteComplete()
}
