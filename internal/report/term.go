package report

import "github.com/charmbracelet/glamour"

// RenderTerm pretty-prints markdown for the terminal. Any rendering
// problem falls back to the raw markdown, which is always readable.
func RenderTerm(md string) string {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return md
	}
	out, err := renderer.Render(md)
	if err != nil {
		return md
	}
	return out
}
