package parser

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// InlinePlan scans a card description's markdown for a fenced ```json
// code block containing a subtask array. When authors pre-plan a card
// this bypasses the planning worker entirely. Returns the block's raw
// content and true when a JSON array block was found.
func InlinePlan(description string) (string, bool) {
	if !strings.Contains(description, "```") {
		return "", false
	}

	source := []byte(description)
	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader(source))

	var found string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || found != "" {
			return ast.WalkContinue, nil
		}
		fenced, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		if lang := string(fenced.Language(source)); lang != "json" {
			return ast.WalkContinue, nil
		}

		var sb strings.Builder
		lines := fenced.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			sb.Write(seg.Value(source))
		}
		content := strings.TrimSpace(sb.String())
		if strings.HasPrefix(content, "[") {
			found = content
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})

	return found, found != ""
}
