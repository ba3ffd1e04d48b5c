package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/hupe1980/runstream/core"
)

// StreamBuilder provides a fluent helper for constructing producer byte
// streams in tests. Example:
//
//	raw := NewStreamBuilder().Chunk(0, "Hel").Chunk(1, "lo").Complete().Bytes()
//
// Chain only the frames you need.
type StreamBuilder struct {
	frames []string
	crlf   bool
}

// NewStreamBuilder creates an empty builder.
func NewStreamBuilder() *StreamBuilder { return &StreamBuilder{} }

type frame struct {
	Type       string        `json:"type,omitempty"`
	SequenceID *int64        `json:"sequenceId,omitempty"`
	Content    string        `json:"content,omitempty"`
	Error      string        `json:"error,omitempty"`
	Sources    []core.Source `json:"sources,omitempty"`
	Status     string        `json:"status,omitempty"`
}

func (b *StreamBuilder) data(f frame) *StreamBuilder {
	payload, _ := json.Marshal(f)
	b.frames = append(b.frames, "data: "+string(payload))
	return b
}

// Chunk appends a sequenced chunk frame (chainable).
func (b *StreamBuilder) Chunk(seq int64, content string) *StreamBuilder {
	return b.data(frame{Type: "chunk", SequenceID: &seq, Content: content})
}

// Unsequenced appends a chunk frame without sequence id (chainable).
func (b *StreamBuilder) Unsequenced(content string) *StreamBuilder {
	return b.data(frame{Type: "chunk", Content: content})
}

// Sources appends a chunk frame carrying citations (chainable).
func (b *StreamBuilder) Sources(seq int64, content string, sources ...core.Source) *StreamBuilder {
	return b.data(frame{Type: "chunk", SequenceID: &seq, Content: content, Sources: sources})
}

// Error appends an error frame (chainable).
func (b *StreamBuilder) Error(msg string) *StreamBuilder {
	return b.data(frame{Type: "error", Error: msg})
}

// Complete appends a completion frame (chainable).
func (b *StreamBuilder) Complete() *StreamBuilder { return b.data(frame{Type: "complete"}) }

// Done appends the bare [DONE] terminal marker (chainable).
func (b *StreamBuilder) Done() *StreamBuilder {
	b.frames = append(b.frames, "data: [DONE]")
	return b
}

// Status appends a completion frame carrying a short-circuit status such as
// core.StatusAlreadyDone (chainable).
func (b *StreamBuilder) Status(status string) *StreamBuilder {
	return b.data(frame{Type: "complete", Status: status})
}

// KeepAlive appends a comment-only frame (chainable).
func (b *StreamBuilder) KeepAlive() *StreamBuilder {
	b.frames = append(b.frames, ": keep-alive")
	return b
}

// Raw appends an arbitrary data payload, e.g. malformed JSON (chainable).
func (b *StreamBuilder) Raw(payload string) *StreamBuilder {
	b.frames = append(b.frames, "data: "+payload)
	return b
}

// CRLF switches line endings to \r\n (chainable).
func (b *StreamBuilder) CRLF() *StreamBuilder { b.crlf = true; return b }

// String renders the stream.
func (b *StreamBuilder) String() string {
	var sb strings.Builder
	for _, f := range b.frames {
		sb.WriteString(f)
		sb.WriteString("\n\n")
	}
	if b.crlf {
		return strings.ReplaceAll(sb.String(), "\n", "\r\n")
	}
	return sb.String()
}

// Bytes renders the stream.
func (b *StreamBuilder) Bytes() []byte { return []byte(b.String()) }

// Reader returns the rendered stream as a reader.
func (b *StreamBuilder) Reader() io.Reader { return bytes.NewReader(b.Bytes()) }

// Split renders the stream and cuts it into pieces of at most n bytes, to
// exercise frames spanning reads.
func (b *StreamBuilder) Split(n int) [][]byte {
	raw := b.Bytes()
	var out [][]byte
	for len(raw) > 0 {
		k := min(n, len(raw))
		out = append(out, raw[:k])
		raw = raw[k:]
	}
	return out
}
