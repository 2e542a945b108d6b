package cli

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// brand colors
var (
	colorCyan    = lipgloss.Color("#00D7FF")
	colorDimCyan = lipgloss.Color("#00AFAF")
	colorGray    = lipgloss.Color("#6C6C6C")
	colorWhite   = lipgloss.Color("#FFFFFF")
	colorDim     = lipgloss.Color("#4E4E4E")
	colorGreen   = lipgloss.Color("#00FF87")
	colorRed     = lipgloss.Color("#FF5F5F")
)

// Logo lines in block font, one row per gradient stop
var logoLines = []string{
	" █████ ██████  ████   █████ ██  ██  █████  ████   █████ ██████",
	"██       ██   ██  ██ ██     ██ ██  ██     ██  ██ ██     ██    ",
	" ████    ██   ██  ██ ██     ████    ████  ██████ ██ ███ █████ ",
	"    ██   ██   ██  ██ ██     ██ ██      ██ ██  ██ ██  ██ ██    ",
	"█████    ██    ████   █████ ██  ██ █████  ██  ██  █████ ██████",
}

// Gradient top→bottom, cyan into violet
var logoGradient = []lipgloss.Color{
	lipgloss.Color("#00FFFF"),
	lipgloss.Color("#00CFFF"),
	lipgloss.Color("#009FFF"),
	lipgloss.Color("#006FFF"),
	lipgloss.Color("#5F5FFF"),
}

// BannerInfo carries the connection details shown under the logo.
type BannerInfo struct {
	Server     string
	Deployment string
	Version    string
}

// RenderBanner returns the styled welcome banner.
func RenderBanner(info BannerInfo, width int) string {
	labelStyle := lipgloss.NewStyle().Foreground(colorGray)
	valueStyle := lipgloss.NewStyle().Foreground(colorWhite)
	tipStyle := lipgloss.NewStyle().Foreground(colorDim)
	versionStyle := lipgloss.NewStyle().Foreground(colorDimCyan)

	var logo string
	if width >= 66 {
		for i, line := range logoLines {
			c := logoGradient[i%len(logoGradient)]
			logo += lipgloss.NewStyle().Foreground(c).Bold(true).Render(line) + "\n"
		}
	} else {
		logo = lipgloss.NewStyle().Foreground(colorCyan).Bold(true).Render(" ◆  S T O C K S A G E") + "\n"
	}

	ver := versionStyle.Render("  v" + info.Version)

	serverLine := fmt.Sprintf("  %s %s",
		labelStyle.Render("Server"),
		valueStyle.Render(info.Server),
	)
	deployment := info.Deployment
	if deployment == "" {
		deployment = "gateway default"
	}
	modelLine := fmt.Sprintf("  %s %s",
		labelStyle.Render("Model "),
		valueStyle.Render(deployment),
	)

	tips := tipStyle.Render("  Ask about quotes, history, news, predictions · /help for more")

	return fmt.Sprintf("%s%s\n\n%s\n%s\n\n%s",
		logo, ver,
		serverLine, modelLine,
		tips,
	)
}
