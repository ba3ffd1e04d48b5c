// Package decoder turns the raw bytes of a response stream into typed
// core.StreamEvents. Reads do not need to align with frame boundaries: the
// decoder buffers the unconsumed tail and only parses complete frames.
//
// Frames are separated by a blank line. Within a frame, `data:` lines form the
// payload, an `event:` line names the kind and lines starting with `:` are
// keep-alive comments. A frame without any field prefix is taken verbatim.
// A line that is a complete JSON record on its own is a frame by itself, so
// newline-delimited JSON producers work with single newlines. Payloads are
// JSON objects parsed with gjson; the literal `[DONE]` is the bare terminal
// marker.
package decoder

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/hupe1980/runstream/core"
	"github.com/hupe1980/runstream/logging"
)

const doneMarker = "[DONE]"

var frameTerminator = []byte("\n\n")

// Options configures a Decoder.
type Options struct {
	// MaxFrameBytes bounds the unconsumed tail. A tail growing past the bound
	// without a terminator is discarded as one dropped frame. Zero disables
	// the bound.
	MaxFrameBytes int
	Logger        logging.Logger
}

// Decoder is a single-run, non thread-safe frame decoder. Construct a fresh
// decoder for every run.
type Decoder struct {
	opts     Options
	tail     []byte
	done     bool
	skipping bool
	frames   int
	dropped  int
}

// New creates a decoder.
func New(optFns ...func(o *Options)) *Decoder {
	opts := Options{
		MaxFrameBytes: 1 << 20,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Decoder{opts: opts}
}

// Feed appends p to the tail buffer and returns the events of every complete
// frame now available. Once a terminal event has been decoded, the remaining
// bytes are ignored and later calls return nil.
func (d *Decoder) Feed(p []byte) []core.StreamEvent {
	if d.done {
		return nil
	}
	d.tail = append(d.tail, p...)
	d.tail = normalizeNewlines(d.tail)

	var events []core.StreamEvent
	for !d.done {
		if d.skipping && !d.skipOversized() {
			break
		}
		frame, ok := d.nextFrame()
		if !ok {
			break
		}
		events = d.appendFrame(events, frame)
	}

	if !d.done && !d.skipping && d.opts.MaxFrameBytes > 0 && len(d.tail) > d.opts.MaxFrameBytes {
		d.opts.Logger.Warn("Discarding oversized frame", "bytes", len(d.tail))
		d.dropped++
		d.skipping = true
		d.tail = d.tail[:0]
	}
	if d.done {
		d.tail = nil
	}
	return events
}

// nextFrame cuts the next complete frame off the tail. A line holding a
// complete JSON record ends its frame at the newline, which covers
// newline-delimited JSON; everything else ends at a blank line.
func (d *Decoder) nextFrame() (string, bool) {
	start := 0
	for start < len(d.tail) && d.tail[start] == '\n' {
		start++
	}
	if start < len(d.tail) && (d.tail[start] == '{' || d.tail[start] == '[') {
		if nl := bytes.IndexByte(d.tail[start:], '\n'); nl >= 0 {
			line := bytes.TrimSpace(d.tail[start : start+nl])
			if string(line) == doneMarker || gjson.ValidBytes(line) {
				d.tail = d.tail[start+nl+1:]
				return string(line), true
			}
		}
	}

	idx := bytes.Index(d.tail, frameTerminator)
	if idx < 0 {
		return "", false
	}
	frame := string(d.tail[:idx])
	d.tail = d.tail[idx+len(frameTerminator):]
	return frame, true
}

// skipOversized drops the rest of a discarded frame up to its terminator. It
// reports whether the terminator was found.
func (d *Decoder) skipOversized() bool {
	idx := bytes.Index(d.tail, frameTerminator)
	if idx < 0 {
		// keep a trailing newline, it may be the first half of the terminator
		if n := len(d.tail); n > 0 && d.tail[n-1] == '\n' {
			d.tail = append(d.tail[:0], '\n')
		} else {
			d.tail = d.tail[:0]
		}
		return false
	}
	d.tail = d.tail[idx+len(frameTerminator):]
	d.skipping = false
	return true
}

// Flush parses whatever is left in the tail buffer as a final frame. It is
// called once the transport reported EOF.
func (d *Decoder) Flush() []core.StreamEvent {
	if d.done || d.skipping || len(bytes.TrimSpace(d.tail)) == 0 {
		d.tail = nil
		return nil
	}
	frame := string(d.tail)
	d.tail = nil
	return d.appendFrame(nil, frame)
}

// Done reports whether a terminal event has been decoded.
func (d *Decoder) Done() bool { return d.done }

// Frames returns the number of frames that produced an event.
func (d *Decoder) Frames() int { return d.frames }

// Dropped returns the number of malformed frames skipped so far.
func (d *Decoder) Dropped() int { return d.dropped }

func (d *Decoder) appendFrame(events []core.StreamEvent, frame string) []core.StreamEvent {
	ev, ok, malformed := parseFrame(frame)
	if malformed {
		d.dropped++
		d.opts.Logger.Debug("Dropped malformed frame", "frame", truncate(frame, 120))
		return events
	}
	if !ok {
		return events
	}
	d.frames++
	if ev.IsTerminal() || ev.AlreadyHandled() {
		d.done = true
	}
	return append(events, ev)
}

// parseFrame returns the decoded event, whether the frame produced one and
// whether it was malformed.
func parseFrame(frame string) (core.StreamEvent, bool, bool) {
	hint, payload, hasFields := splitFields(frame)
	if !hasFields {
		payload = strings.TrimSpace(frame)
	}
	if payload == "" {
		switch hint {
		case "complete", "done":
			return core.NewCompleteEvent(), true, false
		case "error":
			return core.NewErrorEvent("stream error"), true, false
		default:
			return core.StreamEvent{}, false, false
		}
	}
	if payload == doneMarker {
		return core.NewCompleteEvent(), true, false
	}

	if !gjson.Valid(payload) {
		if hint == "error" {
			return core.NewErrorEvent(payload), true, false
		}
		return core.StreamEvent{}, false, true
	}
	obj := gjson.Parse(payload)
	if !obj.IsObject() {
		return core.StreamEvent{}, false, true
	}
	return eventFromObject(obj, hint)
}

func splitFields(frame string) (hint, payload string, hasFields bool) {
	var data []string
	for _, line := range strings.Split(frame, "\n") {
		switch {
		case strings.HasPrefix(line, ":"):
			hasFields = true
		case strings.HasPrefix(line, "data:"):
			hasFields = true
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "event:"):
			hasFields = true
			hint = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "event:")))
		case strings.HasPrefix(line, "id:"), strings.HasPrefix(line, "retry:"):
			hasFields = true
		}
	}
	return hint, strings.TrimSpace(strings.Join(data, "\n")), hasFields
}

func eventFromObject(obj gjson.Result, hint string) (core.StreamEvent, bool, bool) {
	kind := hint
	if t := firstOf(obj, "type", "kind"); t.Exists() {
		kind = strings.ToLower(t.String())
	}

	if status := obj.Get("status").String(); status == core.StatusAlreadyDone || status == core.StatusAlreadyProcessing {
		ev := core.NewCompleteEvent()
		ev.Status = status
		return ev, true, false
	}

	if hasError(obj.Get("error")) || kind == "error" {
		return core.NewErrorEvent(errorMessage(obj)), true, false
	}

	final := obj.Get("done").Bool() || obj.Get("complete").Bool()
	content := firstOf(obj, "content", "delta", "text")

	switch kind {
	case "complete", "done":
		if !content.Exists() {
			return core.NewCompleteEvent(), true, false
		}
		final = true
	case "", "chunk", "message", "delta":
	default:
		return core.StreamEvent{}, false, true
	}

	if !content.Exists() {
		if final {
			return core.NewCompleteEvent(), true, false
		}
		return core.StreamEvent{}, false, true
	}
	if content.Type != gjson.String {
		return core.StreamEvent{}, false, true
	}

	ev := core.StreamEvent{Kind: core.EventChunk, Payload: content.String(), Final: final}
	if seq := firstOf(obj, "sequenceId", "sequence_id", "seq"); seq.Exists() && seq.Type == gjson.Number {
		n := seq.Int()
		ev.SequenceID = &n
	}
	obj.Get("sources").ForEach(func(_, v gjson.Result) bool {
		src := core.Source{Title: v.Get("title").String(), URL: v.Get("url").String()}
		if src.Title != "" || src.URL != "" {
			ev.Sources = append(ev.Sources, src)
		}
		return true
	})
	return ev, true, false
}

func hasError(v gjson.Result) bool {
	switch v.Type {
	case gjson.JSON, gjson.True:
		return true
	case gjson.String:
		return v.String() != ""
	default:
		return false
	}
}

func errorMessage(obj gjson.Result) string {
	errVal := obj.Get("error")
	switch {
	case errVal.IsObject():
		if msg := errVal.Get("message").String(); msg != "" {
			return msg
		}
		return errVal.Raw
	case errVal.Type == gjson.String && errVal.String() != "":
		return errVal.String()
	}
	if msg := firstOf(obj, "message", "content").String(); msg != "" {
		return msg
	}
	return "stream error"
}

func firstOf(obj gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if v := obj.Get(k); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

func normalizeNewlines(b []byte) []byte {
	if bytes.IndexByte(b, '\r') < 0 {
		return b
	}
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	// a lone trailing \r may be the first half of a \r\n split across reads
	if n := len(b); n > 0 && b[n-1] == '\r' {
		return append(bytes.ReplaceAll(b[:n-1], []byte("\r"), []byte("\n")), '\r')
	}
	return bytes.ReplaceAll(b, []byte("\r"), []byte("\n"))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
