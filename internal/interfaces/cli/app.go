package cli

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Options configures the interactive client.
type Options struct {
	ServerURL    string
	Deployment   string
	SystemPrompt string
	Version      string
}

// Run connects to the gateway and starts the interactive chat UI.
// It blocks until the user quits.
func Run(opts Options) error {
	client := NewClient(opts.ServerURL, opts.Deployment, opts.SystemPrompt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := client.Health(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	banner := RenderBanner(BannerInfo{
		Server:     opts.ServerURL,
		Deployment: opts.Deployment,
		Version:    opts.Version,
	}, 80)

	m := newModel(client, banner)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("ui exited: %w", err)
	}
	return nil
}
