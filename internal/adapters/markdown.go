// Package adapters holds the default implementations of the rendering and
// lookup capabilities.
package adapters

import (
	"context"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"gitlab.com/golang-commonmark/markdown"

	"github.com/iago/longform/internal/capability"
	"github.com/iago/longform/internal/failure"
)

const (
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
)

// MarkdownRenderer assembles chapters as Markdown. The HTML format renders
// that Markdown and sanitizes the result, since chapter bodies are model
// output.
type MarkdownRenderer struct {
	md       *markdown.Markdown
	sanitize *bluemonday.Policy
}

func NewMarkdownRenderer() *MarkdownRenderer {
	return &MarkdownRenderer{
		md:       markdown.New(markdown.HTML(false), markdown.Linkify(false), markdown.Typographer(true)),
		sanitize: bluemonday.UGCPolicy(),
	}
}

func (r *MarkdownRenderer) Capability() capability.Func {
	return func(ctx context.Context, params capability.Params) (any, error) {
		request, err := capability.RequestFrom[capability.RenderRequest](params)
		if err != nil {
			return nil, err
		}
		return r.Render(ctx, request)
	}
}

func (r *MarkdownRenderer) Render(ctx context.Context, request capability.RenderRequest) (capability.RenderResult, error) {
	if err := ctx.Err(); err != nil {
		return capability.RenderResult{}, failure.FromContext("render markdown", err)
	}
	format := strings.ToLower(strings.TrimSpace(request.Format))
	switch format {
	case "", "md", FormatMarkdown:
		format = FormatMarkdown
	case FormatHTML:
	default:
		return capability.RenderResult{}, failure.Validation("render markdown", "unsupported format %q", request.Format)
	}
	if len(request.Sections) == 0 {
		return capability.RenderResult{}, failure.Validation("render markdown", "document has no sections")
	}

	var builder strings.Builder
	if title := strings.TrimSpace(request.Title); title != "" {
		builder.WriteString("# ")
		builder.WriteString(title)
		builder.WriteString("\n\n")
	}
	for _, section := range request.Sections {
		if heading := strings.TrimSpace(section.Heading); heading != "" {
			builder.WriteString("## ")
			builder.WriteString(heading)
			builder.WriteString("\n\n")
		}
		builder.WriteString(strings.TrimSpace(section.Body))
		builder.WriteString("\n\n")
	}

	content := strings.TrimRight(builder.String(), "\n") + "\n"
	if format == FormatHTML {
		html := r.sanitize.Sanitize(r.md.RenderToString([]byte(content)))
		return capability.RenderResult{Content: []byte(html), Format: FormatHTML}, nil
	}
	return capability.RenderResult{Content: []byte(content), Format: FormatMarkdown}, nil
}
