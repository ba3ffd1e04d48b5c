package sink

import (
	"strings"
	"sync"

	"github.com/hupe1980/runstream/core"
)

// Slide is one structural unit of a slide stream.
type Slide struct {
	Title   string   `json:"title,omitempty"`
	Bullets []string `json:"bullets,omitempty"`
	Body    string   `json:"body,omitempty"`
	Notes   string   `json:"notes,omitempty"`
}

// IsEmpty reports whether the slide carries no content.
func (s Slide) IsEmpty() bool {
	return s.Title == "" && len(s.Bullets) == 0 && s.Body == "" && s.Notes == ""
}

// SlideDeck is the slide editor a run streams into.
type SlideDeck interface {
	// ApplySlide inserts or replaces the slide at index.
	ApplySlide(runID string, index int, slide Slide) error
}

// SlidesSink parses the accumulated text incrementally and applies each slide
// once, in order, as soon as the separator line that closes it has arrived.
//
// Grammar: slides are separated by a line consisting of "---". Within a slide,
// "# " or "Title:" sets the title, "- " or "* " adds a bullet, "Notes:" sets
// the speaker notes and any other non-blank line is appended to the body.
type SlidesSink struct {
	deck SlideDeck

	mu     sync.Mutex
	cursor map[string]*slideCursor
}

type slideCursor struct {
	consumed int // byte offset just past the last separator line
	next     int // index of the next slide to apply
}

// NewSlidesSink creates a slides sink.
func NewSlidesSink(deck SlideDeck) *SlidesSink {
	return &SlidesSink{deck: deck, cursor: make(map[string]*slideCursor)}
}

// Deliver implements core.Sink.
func (s *SlidesSink) Deliver(run core.RunInfo, accumulated string) error {
	c := s.cursorFor(run.RunID)
	for {
		rest := accumulated[c.consumed:]
		end, sepLen := nextSeparator(rest)
		if end < 0 {
			return nil
		}
		slide := ParseSlide(rest[:end])
		// advance first so a failing deck does not see the same slide twice
		c.consumed += end + sepLen
		if slide.IsEmpty() {
			continue
		}
		idx := c.next
		c.next++
		if err := s.deck.ApplySlide(run.RunID, idx, slide); err != nil {
			return err
		}
	}
}

// Finalize implements core.SinkFinalizer. The trailing slide is applied for
// completed runs; the per-run cursor is released in every case.
func (s *SlidesSink) Finalize(run core.RunInfo, final string, status core.RunStatus) error {
	if status == core.RunStatusCompleted {
		if err := s.Deliver(run, final); err != nil {
			s.release(run.RunID)
			return err
		}
	}
	c := s.cursorFor(run.RunID)
	s.release(run.RunID)
	if status != core.RunStatusCompleted || c.consumed >= len(final) {
		return nil
	}
	slide := ParseSlide(final[c.consumed:])
	if slide.IsEmpty() {
		return nil
	}
	return s.deck.ApplySlide(run.RunID, c.next, slide)
}

func (s *SlidesSink) cursorFor(runID string) *slideCursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursor[runID]
	if !ok {
		c = &slideCursor{}
		s.cursor[runID] = c
	}
	return c
}

func (s *SlidesSink) release(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursor, runID)
}

// nextSeparator returns the offset of the first complete "---" line in text
// and the length of that line including its newline, or -1.
func nextSeparator(text string) (int, int) {
	off := 0
	for {
		nl := strings.IndexByte(text[off:], '\n')
		if nl < 0 {
			return -1, 0
		}
		line := text[off : off+nl]
		if strings.TrimSpace(line) == "---" {
			return off, nl + 1
		}
		off += nl + 1
	}
}

// ParseSlide parses the text of one slide.
func ParseSlide(text string) Slide {
	var (
		slide Slide
		body  []string
	)
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case line == "":
		case strings.HasPrefix(line, "# "):
			if slide.Title == "" {
				slide.Title = strings.TrimSpace(line[2:])
			} else {
				body = append(body, line)
			}
		case hasFoldPrefix(line, "title:"):
			slide.Title = strings.TrimSpace(line[len("title:"):])
		case hasFoldPrefix(line, "notes:"):
			slide.Notes = strings.TrimSpace(line[len("notes:"):])
		case strings.HasPrefix(line, "- "), strings.HasPrefix(line, "* "):
			slide.Bullets = append(slide.Bullets, strings.TrimSpace(line[2:]))
		default:
			body = append(body, line)
		}
	}
	slide.Body = strings.Join(body, "\n")
	return slide
}

func hasFoldPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
