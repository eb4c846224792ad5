package ai

import (
	"context"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

const defaultChunkSize = 512

// Chunker splits converted markdown into ordered text spans along the
// document's block structure. Heading context is prepended to every span cut
// under it so a span stays meaningful on its own in the index.
type Chunker struct {
	chunkSize int
}

func NewChunker(chunkSize int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &Chunker{chunkSize: chunkSize}
}

func (c *Chunker) Chunk(ctx context.Context, markdown string) []string {
	source := []byte(markdown)
	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader(source))

	var spans []string
	var current []string
	var currentTokens int
	var heading string

	flush := func() {
		if len(current) == 0 {
			return
		}
		content := strings.Join(current, "\n\n")
		if heading != "" {
			content = heading + "\n" + content
		}
		spans = append(spans, content)
		current = nil
		currentTokens = 0
	}

	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		if h, ok := node.(*ast.Heading); ok {
			flush()
			heading = string(h.Text(source))
			continue
		}
		block := blockText(node, source)
		if block == "" {
			continue
		}
		tokens := estimateTokens(block)
		if currentTokens > 0 && currentTokens+tokens > c.chunkSize {
			flush()
		}
		current = append(current, block)
		currentTokens += tokens
	}
	flush()

	logutil.GetLogger(ctx).Debug("markdown chunked",
		zap.Int("spans", len(spans)),
		zap.Int("chunk_size", c.chunkSize),
	)
	return spans
}

func blockText(node ast.Node, source []byte) string {
	var sb strings.Builder
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		segment := lines.At(i)
		sb.Write(segment.Value(source))
	}
	if sb.Len() == 0 {
		// container blocks (lists, quotes) keep their text on descendants
		for child := node.FirstChild(); child != nil; child = child.NextSibling() {
			part := blockText(child, source)
			if part == "" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(part)
		}
	}
	return strings.TrimSpace(sb.String())
}

// estimateTokens is the usual rough ~4 chars/token heuristic; close enough
// for sizing spans.
func estimateTokens(s string) int {
	return len(s)/4 + 1
}
