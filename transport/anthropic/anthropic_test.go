package anthropic

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/runstream/core"
	"github.com/hupe1980/runstream/decoder"
)

const messageStart = `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-sonnet-20241022","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":1,"output_tokens":1}}}`

func sse(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func textDelta(text string) string {
	return fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}`, text)
}

func newTestBridge(t *testing.T, h http.HandlerFunc) *Bridge {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	client := anthropic.NewClient(option.WithBaseURL(srv.URL), option.WithAPIKey("test"), option.WithMaxRetries(0))
	return NewBridgeFromClient(&client)
}

func collect(t *testing.T, b *Bridge) []core.StreamEvent {
	t.Helper()
	rc, err := b.Open(context.Background(), core.TransportRequest{RunID: "r1", Input: "hi"})
	require.NoError(t, err)
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	require.NoError(t, err)
	d := decoder.New()
	return append(d.Feed(raw), d.Flush()...)
}

func TestBridge_StreamsTextDeltas(t *testing.T) {
	b := newTestBridge(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sse(w, "message_start", messageStart)
		sse(w, "content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)
		sse(w, "content_block_delta", textDelta("Hel"))
		sse(w, "ping", `{"type":"ping"}`)
		sse(w, "content_block_delta", textDelta("lo"))
		sse(w, "content_block_stop", `{"type":"content_block_stop","index":0}`)
		sse(w, "message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":2}}`)
		sse(w, "message_stop", `{"type":"message_stop"}`)
	})

	events := collect(t, b)
	require.Len(t, events, 3)
	assert.Equal(t, "Hel", events[0].Payload)
	assert.Equal(t, int64(0), *events[0].SequenceID)
	assert.Equal(t, "lo", events[1].Payload)
	assert.Equal(t, int64(1), *events[1].SequenceID)
	assert.Equal(t, core.EventComplete, events[2].Kind)
}

func TestBridge_APIErrorBecomesErrorFrame(t *testing.T) {
	b := newTestBridge(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	})

	events := collect(t, b)
	require.Len(t, events, 1)
	assert.Equal(t, core.EventError, events[0].Kind)
	assert.Contains(t, events[0].Payload, "anthropic streaming error")
}

func TestBridge_BuildParams(t *testing.T) {
	b := NewBridge(func(o *Options) {
		o.APIKey = "test"
		o.SystemPrompt = "be brief"
		o.MaxTokens = 128
	})
	params := b.buildParams(core.TransportRequest{Input: "hi"})
	assert.Equal(t, int64(128), params.MaxTokens)
	require.Len(t, params.System, 1)
	assert.Equal(t, "be brief", params.System[0].Text)
	assert.Len(t, params.Messages, 1)
}
