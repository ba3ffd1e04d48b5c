package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-isatty"

	"github.com/hupe1980/runstream/core"
	"github.com/hupe1980/runstream/sink"
)

func isTerminal(v any) bool {
	file, ok := v.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// newMarkdownRenderer returns nil when glamour cannot be initialized; callers
// then print plain text.
func newMarkdownRenderer(width int) *glamour.TermRenderer {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil
	}
	return r
}

// resolveRender picks the markdown renderer for the --render flag.
func resolveRender(mode string, out io.Writer) (*glamour.TermRenderer, error) {
	switch mode {
	case "never":
		return nil, nil
	case "always":
		return newMarkdownRenderer(80), nil
	case "", "auto":
		if isTerminal(out) {
			return newMarkdownRenderer(80), nil
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown render mode %q, must be one of: auto, always, never", mode)
	}
}

// termBubble streams the growing response to a writer. When a renderer is
// set, the settled response is rendered again as formatted markdown.
type termBubble struct {
	mu       sync.Mutex
	out      io.Writer
	renderer *glamour.TermRenderer
	shown    map[string]int
}

func newTermBubble(out io.Writer, renderer *glamour.TermRenderer) *termBubble {
	return &termBubble{out: out, renderer: renderer, shown: make(map[string]int)}
}

func (b *termBubble) ShowPartial(_, runID, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeSuffix(runID, text)
}

func (b *termBubble) Settle(_, runID, text string, status core.RunStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.writeSuffix(runID, text); err != nil {
		return err
	}
	delete(b.shown, runID)
	if _, err := fmt.Fprintln(b.out); err != nil {
		return err
	}
	if status != core.RunStatusCompleted || b.renderer == nil || text == "" {
		return nil
	}
	rendered, err := b.renderer.Render(text)
	if err != nil {
		return nil
	}
	_, err = fmt.Fprintf(b.out, "%s\n%s", strings.Repeat("─", 40), rendered)
	return err
}

// writeSuffix prints the part of text not shown yet. Accumulated text only
// grows, so everything before the recorded offset is already on screen.
func (b *termBubble) writeSuffix(runID, text string) error {
	n := b.shown[runID]
	if n >= len(text) {
		return nil
	}
	if _, err := io.WriteString(b.out, text[n:]); err != nil {
		return err
	}
	b.shown[runID] = len(text)
	return nil
}

// documentPrinter keeps the latest document of each run and prints it as an
// outline once the run is over.
type documentPrinter struct {
	mu   sync.Mutex
	docs map[string]sink.Document
}

func newDocumentPrinter() *documentPrinter {
	return &documentPrinter{docs: make(map[string]sink.Document)}
}

func (p *documentPrinter) Replace(runID string, doc sink.Document) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.docs[runID] = doc
	return nil
}

func (p *documentPrinter) Print(w io.Writer, runID string) {
	p.mu.Lock()
	doc, ok := p.docs[runID]
	delete(p.docs, runID)
	p.mu.Unlock()
	if !ok {
		return
	}
	for _, b := range doc.Blocks {
		switch b.Kind {
		case sink.BlockHeading:
			fmt.Fprintf(w, "%s %s\n\n", strings.Repeat("#", b.Level), b.Text)
		case sink.BlockListItem:
			marker := "-"
			if b.Ordered {
				marker = "1."
			}
			fmt.Fprintf(w, "%s%s %s\n", strings.Repeat("  ", max(b.Level-1, 0)), marker, b.Text)
		case sink.BlockCode:
			fmt.Fprintf(w, "```%s\n%s\n```\n\n", b.Language, b.Text)
		case sink.BlockQuote:
			fmt.Fprintf(w, "> %s\n\n", b.Text)
		default:
			fmt.Fprintf(w, "%s\n\n", b.Text)
		}
	}
}

// sheetPrinter renders the rows written by the spreadsheet sink as a table.
type sheetPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *sheetPrinter) WriteRows(_ string, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := fmt.Fprintln(p.out, renderTable(rows[0], rows[1:], nil))
	return err
}

// deckPrinter prints slides as they are applied.
type deckPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *deckPrinter) ApplySlide(_ string, index int, s sink.Slide) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	title := s.Title
	if title == "" {
		title = "(untitled)"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "── slide %d: %s\n", index+1, title)
	for _, bullet := range s.Bullets {
		fmt.Fprintf(&sb, "   • %s\n", bullet)
	}
	if s.Body != "" {
		fmt.Fprintf(&sb, "   %s\n", strings.ReplaceAll(s.Body, "\n", "\n   "))
	}
	if s.Notes != "" {
		fmt.Fprintf(&sb, "   notes: %s\n", s.Notes)
	}
	_, err := io.WriteString(p.out, sb.String())
	return err
}
