package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

const promptGlyph = "❯ "

var (
	userStyle   = lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	metaStyle   = lipgloss.NewStyle().Foreground(colorGray)
	hintStyle   = lipgloss.NewStyle().Foreground(colorDim)
	statusStyle = lipgloss.NewStyle().Foreground(colorDimCyan).Italic(true)
	errorStyle  = lipgloss.NewStyle().Foreground(colorRed).Bold(true)

	toolOkIcon   = lipgloss.NewStyle().Foreground(colorGreen).Render("✓")
	toolFailIcon = lipgloss.NewStyle().Foreground(colorRed).Render("✗")
	toolName     = lipgloss.NewStyle().Foreground(colorCyan)
)

// Renderer turns markdown answers and tool results into styled terminal
// output sized to the current window.
type Renderer struct {
	glamour *glamour.TermRenderer
	width   int
}

func NewRenderer(width int) *Renderer {
	if width <= 0 {
		width = 80
	}
	r, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width-4),
	)
	return &Renderer{glamour: r, width: width}
}

// Markdown renders the final answer. On any rendering problem the raw
// markdown comes back, which still reads fine in a terminal.
func (r *Renderer) Markdown(md string) string {
	if r.glamour == nil {
		return md
	}
	out, err := r.glamour.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimRight(out, "\n")
}

// ToolLine renders one completed tool call. A zero duration means the
// per-call event arrived before the round summary filled it in.
func (r *Renderer) ToolLine(name string, ok bool, durationMs int64) string {
	icon := toolOkIcon
	if !ok {
		icon = toolFailIcon
	}
	line := fmt.Sprintf("  %s %s", icon, toolName.Render(name))
	if durationMs > 0 {
		line += metaStyle.Render(fmt.Sprintf(" (%s)", fmtMillis(durationMs)))
	}
	return line
}

func fmtMillis(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(ms)/1000)
}
