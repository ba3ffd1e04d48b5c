package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/hupe1980/runstream/core"
)

type frame struct {
	Type       string        `json:"type"`
	SequenceID *int64        `json:"sequenceId,omitempty"`
	Content    string        `json:"content,omitempty"`
	Error      string        `json:"error,omitempty"`
	Sources    []core.Source `json:"sources,omitempty"`
	Status     string        `json:"status,omitempty"`
}

// FrameWriter encodes stream events as frames. It is safe for concurrent use;
// frames are never interleaved.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewFrameWriter creates a FrameWriter over w. If w is an http.Flusher it is
// flushed after every frame.
func NewFrameWriter(w io.Writer) *FrameWriter { return &FrameWriter{w: w} }

// WriteChunk writes a sequenced text fragment.
func (fw *FrameWriter) WriteChunk(seq int64, content string) error {
	return fw.write(frame{Type: string(core.EventChunk), SequenceID: &seq, Content: content})
}

// WriteUnsequenced writes a text fragment without a sequence number.
func (fw *FrameWriter) WriteUnsequenced(content string) error {
	return fw.write(frame{Type: string(core.EventChunk), Content: content})
}

// WriteSources writes a sequenced fragment carrying citations.
func (fw *FrameWriter) WriteSources(seq int64, content string, sources []core.Source) error {
	return fw.write(frame{Type: string(core.EventChunk), SequenceID: &seq, Content: content, Sources: sources})
}

// WriteError writes a terminal error frame.
func (fw *FrameWriter) WriteError(msg string) error {
	return fw.write(frame{Type: string(core.EventError), Error: msg})
}

// WriteComplete writes the terminal completion frame.
func (fw *FrameWriter) WriteComplete() error {
	return fw.write(frame{Type: string(core.EventComplete)})
}

// WriteStatus writes a short-circuit frame reporting the run as already handled.
func (fw *FrameWriter) WriteStatus(status string) error {
	return fw.write(frame{Type: string(core.EventComplete), Status: status})
}

// WriteRaw writes payload as the data of one frame, unmodified.
func (fw *FrameWriter) WriteRaw(payload string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fmt.Fprintf(fw.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	fw.flush()
	return nil
}

func (fw *FrameWriter) write(f frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}
	return fw.WriteRaw(string(b))
}

func (fw *FrameWriter) flush() {
	if f, ok := fw.w.(http.Flusher); ok {
		f.Flush()
	}
}
