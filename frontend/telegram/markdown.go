package telegram

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// MarkdownToHTML converts markdown to the HTML subset Telegram accepts:
// <b>, <i>, <s>, <code>, <pre>, <a href="">. Headings render as bold lines,
// list items as bullet lines. Anything unparseable falls back to escaped
// plain text.
func MarkdownToHTML(md string) string {
	source := []byte(md)
	root := goldmark.DefaultParser().Parse(text.NewReader(source))

	var b strings.Builder
	err := ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Heading:
			if entering {
				b.WriteString("\n<b>")
			} else {
				b.WriteString("</b>\n")
			}
		case *ast.Paragraph:
			if !entering {
				b.WriteString("\n")
			}
		case *ast.TextBlock:
			if !entering && n.Parent() != nil && n.Parent().Kind() != ast.KindListItem {
				b.WriteString("\n")
			}
		case *ast.ListItem:
			if entering {
				b.WriteString("• ")
			} else {
				b.WriteString("\n")
			}
		case *ast.ThematicBreak:
			if entering {
				b.WriteString("\n---\n")
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				b.WriteString("<pre>")
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					b.WriteString(escape(string(seg.Value(source))))
				}
				b.WriteString("</pre>\n")
			}
			return ast.WalkSkipChildren, nil
		case *ast.CodeSpan:
			if entering {
				b.WriteString("<code>")
			} else {
				b.WriteString("</code>")
			}
		case *ast.Emphasis:
			tag := "i"
			if node.Level == 2 {
				tag = "b"
			}
			if entering {
				b.WriteString("<" + tag + ">")
			} else {
				b.WriteString("</" + tag + ">")
			}
		case *ast.Link:
			if entering {
				fmt.Fprintf(&b, "<a href=\"%s\">", escape(string(node.Destination)))
			} else {
				b.WriteString("</a>")
			}
		case *ast.AutoLink:
			if entering {
				url := escape(string(node.URL(source)))
				fmt.Fprintf(&b, "<a href=\"%s\">%s</a>", url, url)
			}
		case *ast.Text:
			if entering {
				b.WriteString(escape(string(node.Segment.Value(source))))
				if node.SoftLineBreak() || node.HardLineBreak() {
					b.WriteString("\n")
				}
			}
		case *ast.String:
			if entering {
				b.WriteString(escape(string(node.Value)))
			}
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return escape(md)
	}
	return strings.TrimSpace(b.String())
}

// escape escapes &, <, > for Telegram HTML.
func escape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
