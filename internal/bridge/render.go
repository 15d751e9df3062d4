// ABOUTME: Renders markdown-formatted response text into plain text suitable
// ABOUTME: for chat channels that do not interpret markdown.

package bridge

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var mdParser = goldmark.New()

// RenderPlain flattens markdown into plain text. Emphasis and links collapse
// to their inner text, list items keep a leading dash, block boundaries become
// newlines. Input that fails to parse is returned trimmed but otherwise
// untouched.
func RenderPlain(markdown string) string {
	source := []byte(markdown)
	doc := mdParser.Parser().Parse(text.NewReader(source))

	var sb strings.Builder
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			switch n.(type) {
			case *ast.Paragraph:
				if n.NextSibling() != nil {
					sb.WriteString("\n\n")
				}
			case *ast.Heading, *ast.ListItem:
				sb.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			sb.Write(node.Segment.Value(source))
			if node.SoftLineBreak() || node.HardLineBreak() {
				sb.WriteByte('\n')
			}
		case *ast.ListItem:
			sb.WriteString("- ")
		case *ast.CodeBlock:
			writeLines(&sb, source, node)
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock:
			writeLines(&sb, source, node)
			return ast.WalkSkipChildren, nil
		case *ast.Heading:
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
		case *ast.AutoLink:
			sb.Write(node.URL(source))
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return strings.TrimSpace(markdown)
	}
	return strings.TrimSpace(sb.String())
}

func writeLines(sb *strings.Builder, source []byte, node ast.Node) {
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(source))
	}
	sb.WriteByte('\n')
}
