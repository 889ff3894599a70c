// Package chunking implements the document splitter: a pure,
// deterministic function from raw document content to an ordered list of
// chunks, each carrying the stack of headings that enclose it.
package chunking

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// defaultMaxChunkSize bounds a chunk's content to a size that embeds and
// searches well; it is the fallback when Config.MaxChunkSize is unset.
const defaultMaxChunkSize = 1500

// Config tunes the splitter. NewService replaces a non-positive
// MaxChunkSize with the default, so the zero value splits at the default
// size.
type Config struct {
	// MaxChunkSize caps a chunk's content length in runes. Sections longer
	// than this are split on paragraph boundaries, falling back to a hard
	// rune split for a single oversized paragraph.
	MaxChunkSize int
}

// DefaultConfig returns the splitter's default tuning.
func DefaultConfig() *Config {
	return &Config{MaxChunkSize: defaultMaxChunkSize}
}

// Chunk is one piece of split content together with the heading stack that
// enclosed it in the source document. It carries no identity of its own;
// the ingestion coordinator assigns pointId/docId/chunkIndex once the
// chunks are ordered.
type Chunk struct {
	Content    string
	TitleChain []string
}

// Service splits document content into chunks. It holds no per-document
// state: Split is pure and safe for concurrent use.
type Service struct {
	config *Config
	md     goldmark.Markdown
}

// NewService builds a splitter with cfg, or DefaultConfig if cfg is nil.
func NewService(cfg *Config) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = defaultMaxChunkSize
	}
	return &Service{config: cfg, md: goldmark.New()}
}

// headingFrame is one entry on the heading stack while walking the AST.
type headingFrame struct {
	level int
	title string
}

// section is one run of content between heading boundaries, tagged with
// the heading stack in effect at the time.
type section struct {
	content    string
	titleChain []string
}

// Split parses content as markdown and returns its chunks in document
// order. Plain text with no headings comes back as a single section with
// an empty title chain, then split by size like any other section.
//
// Split never mutates content and never touches the clock or randomness:
// the same input always produces the same output.
func (s *Service) Split(content string) ([]Chunk, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, nil
	}

	source := []byte(content)
	reader := text.NewReader(source)
	doc := s.md.Parser().Parse(reader)

	var sections []section
	var stack []headingFrame
	var buf bytes.Buffer

	chain := func() []string {
		if len(stack) == 0 {
			return nil
		}
		out := make([]string, len(stack))
		for i, f := range stack {
			out[i] = f.title
		}
		return out
	}

	flush := func() {
		text := strings.TrimSpace(buf.String())
		buf.Reset()
		if text == "" {
			return
		}
		sections = append(sections, section{content: text, titleChain: chain()})
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Heading:
			flush()
			for len(stack) > 0 && stack[len(stack)-1].level >= node.Level {
				stack = stack[:len(stack)-1]
			}
			stack = append(stack, headingFrame{level: node.Level, title: inlineText(node, source)})
			return ast.WalkSkipChildren, nil

		case *ast.Paragraph:
			if p := strings.TrimSpace(inlineText(node, source)); p != "" {
				writeParagraph(&buf, p)
			}
			return ast.WalkSkipChildren, nil

		case *ast.TextBlock:
			// Tight list items render their content as a TextBlock rather
			// than a Paragraph; treat it the same way.
			if p := strings.TrimSpace(inlineText(node, source)); p != "" {
				writeParagraph(&buf, p)
			}
			return ast.WalkSkipChildren, nil

		case *ast.FencedCodeBlock:
			writeParagraph(&buf, "```"+string(node.Language(source))+"\n"+linesText(node.Lines(), source)+"```")
			return ast.WalkSkipChildren, nil

		case *ast.CodeBlock:
			writeParagraph(&buf, "```\n"+linesText(node.Lines(), source)+"```")
			return ast.WalkSkipChildren, nil

		case *ast.HTMLBlock:
			return ast.WalkSkipChildren, nil
		}

		return ast.WalkContinue, nil
	})
	flush()

	var chunks []Chunk
	for _, sec := range sections {
		for _, part := range splitBySize(sec.content, s.config.MaxChunkSize) {
			chunks = append(chunks, Chunk{Content: part, TitleChain: sec.titleChain})
		}
	}
	return chunks, nil
}

func writeParagraph(buf *bytes.Buffer, text string) {
	if buf.Len() > 0 {
		buf.WriteString("\n\n")
	}
	buf.WriteString(text)
}

// inlineText concatenates the text content of an inline subtree in
// document order, re-wrapping inline code spans in backticks so they
// survive embedding as readable text.
func inlineText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	var walk func(ast.Node)
	walk = func(n ast.Node) {
		switch v := n.(type) {
		case *ast.Text:
			buf.Write(v.Segment.Value(source))
			if v.SoftLineBreak() || v.HardLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.CodeSpan:
			buf.WriteByte('`')
			for c := v.FirstChild(); c != nil; c = c.NextSibling() {
				walk(c)
			}
			buf.WriteByte('`')
		default:
			for c := n.FirstChild(); c != nil; c = c.NextSibling() {
				walk(c)
			}
		}
	}
	walk(n)
	return strings.TrimSpace(buf.String())
}

// linesText renders a block's raw source lines (e.g. code block body) as
// text, preserving line breaks exactly as written.
func linesText(lines *text.Segments, source []byte) string {
	var buf bytes.Buffer
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(source))
	}
	return buf.String()
}

// splitBySize breaks content into pieces no longer than max runes,
// preferring paragraph boundaries ("\n\n") and falling back to a hard
// rune split for a single paragraph that alone exceeds max.
func splitBySize(content string, max int) []string {
	if max <= 0 || len([]rune(content)) <= max {
		return []string{content}
	}

	var out []string
	var cur strings.Builder

	flush := func() {
		s := strings.TrimSpace(cur.String())
		cur.Reset()
		if s != "" {
			out = append(out, s)
		}
	}

	for _, p := range strings.Split(content, "\n\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if len([]rune(p)) > max {
			flush()
			out = append(out, hardSplit(p, max)...)
			continue
		}
		if cur.Len() > 0 && len([]rune(cur.String()))+len([]rune(p))+2 > max {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(p)
	}
	flush()
	return out
}

// hardSplit breaks s into fixed-size rune runs; used only when a single
// paragraph alone exceeds max.
func hardSplit(s string, max int) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > 0 {
		n := max
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}
