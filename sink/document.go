package sink

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"

	"github.com/hupe1980/runstream/core"
)

// BlockKind classifies a structural element of a Document.
type BlockKind string

const (
	BlockHeading   BlockKind = "heading"
	BlockParagraph BlockKind = "paragraph"
	BlockListItem  BlockKind = "list_item"
	BlockCode      BlockKind = "code"
	BlockQuote     BlockKind = "quote"
)

// Block is one structural element of a document buffer.
type Block struct {
	Kind BlockKind `json:"kind"`
	// Level is the heading level, or the nesting depth of a list item.
	Level    int    `json:"level,omitempty"`
	Ordered  bool   `json:"ordered,omitempty"`
	Language string `json:"language,omitempty"`
	Text     string `json:"text"`
}

// Document is the structured form of a markdown response.
type Document struct {
	Blocks []Block `json:"blocks"`
}

// DocumentBuffer is the word-processor surface a run renders into.
type DocumentBuffer interface {
	// Replace swaps the whole buffer owned by runID for doc.
	Replace(runID string, doc Document) error
}

// DocumentSink re-renders the complete accumulated text on every delivery.
// Structure such as headings and lists is only known once enough text has
// arrived, so the buffer is replaced instead of appended to.
type DocumentSink struct {
	buffer DocumentBuffer
	parser parser.Parser
}

// NewDocumentSink creates a document sink.
func NewDocumentSink(buf DocumentBuffer) *DocumentSink {
	return &DocumentSink{buffer: buf, parser: goldmark.New().Parser()}
}

// Deliver implements core.Sink.
func (s *DocumentSink) Deliver(run core.RunInfo, accumulated string) error {
	return s.buffer.Replace(run.RunID, s.Render(accumulated))
}

// Finalize implements core.SinkFinalizer.
func (s *DocumentSink) Finalize(run core.RunInfo, final string, _ core.RunStatus) error {
	return s.buffer.Replace(run.RunID, s.Render(final))
}

// Render converts markdown to a Document.
func (s *DocumentSink) Render(markdown string) Document {
	source := []byte(markdown)
	root := s.parser.Parse(text.NewReader(source))

	doc := Document{}
	for n := root.FirstChild(); n != nil; n = n.NextSibling() {
		doc.Blocks = appendBlocks(doc.Blocks, n, source, 0)
	}
	return doc
}

func appendBlocks(blocks []Block, n ast.Node, source []byte, depth int) []Block {
	switch node := n.(type) {
	case *ast.Heading:
		return append(blocks, Block{Kind: BlockHeading, Level: node.Level, Text: inlineText(node, source)})
	case *ast.Paragraph, *ast.TextBlock:
		if t := inlineText(node, source); t != "" {
			return append(blocks, Block{Kind: BlockParagraph, Text: t})
		}
	case *ast.FencedCodeBlock:
		return append(blocks, Block{Kind: BlockCode, Language: string(node.Language(source)), Text: rawLines(node, source)})
	case *ast.CodeBlock:
		return append(blocks, Block{Kind: BlockCode, Text: rawLines(node, source)})
	case *ast.Blockquote:
		var parts []string
		for c := node.FirstChild(); c != nil; c = c.NextSibling() {
			for _, b := range appendBlocks(nil, c, source, depth) {
				parts = append(parts, b.Text)
			}
		}
		return append(blocks, Block{Kind: BlockQuote, Text: strings.Join(parts, "\n")})
	case *ast.List:
		for item := node.FirstChild(); item != nil; item = item.NextSibling() {
			blocks = appendListItem(blocks, item, source, depth+1, node.IsOrdered())
		}
	}
	return blocks
}

func appendListItem(blocks []Block, item ast.Node, source []byte, depth int, ordered bool) []Block {
	var (
		parts  []string
		nested []Block
	)
	for c := item.FirstChild(); c != nil; c = c.NextSibling() {
		if l, ok := c.(*ast.List); ok {
			nested = appendBlocks(nested, l, source, depth)
			continue
		}
		for _, b := range appendBlocks(nil, c, source, depth) {
			parts = append(parts, b.Text)
		}
	}
	blocks = append(blocks, Block{Kind: BlockListItem, Level: depth, Ordered: ordered, Text: strings.Join(parts, "\n")})
	return append(blocks, nested...)
}

// inlineText flattens the inline children of a block into plain text.
func inlineText(n ast.Node, source []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteByte('\n')
			}
		case *ast.String:
			sb.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}

func rawLines(n ast.Node, source []byte) string {
	var sb strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(source))
	}
	return strings.TrimRight(sb.String(), "\n")
}
