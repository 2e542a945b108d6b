package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
)

type streamStartedMsg struct{ events <-chan entity.ChatEvent }
type streamEventMsg entity.ChatEvent
type streamClosedMsg struct{}
type streamFailedMsg struct{ err error }
type clearedMsg struct{ err error }

// Model is the bubbletea state machine for the chat client. Finished turns
// live in blocks; the in-flight turn accumulates in draft and toolLines and
// is re-joined into the viewport on every event.
type Model struct {
	client *Client

	viewport viewport.Model
	input    textinput.Model
	spin     spinner.Model
	render   *Renderer

	banner    string
	blocks    []string
	draft     string
	toolLines []string
	status    string
	streaming bool
	events    <-chan entity.ChatEvent
	width     int
	height    int
	ready     bool
}

func newModel(client *Client, banner string) Model {
	ti := textinput.New()
	ti.Placeholder = "Ask about a ticker, or /help"
	ti.Prompt = promptGlyph
	ti.CharLimit = 2000
	ti.Focus()

	sp := spinner.New(
		spinner.WithSpinner(spinner.MiniDot),
		spinner.WithStyle(statusStyle),
	)

	return Model{
		client: client,
		input:  ti,
		spin:   sp,
		render: NewRenderer(80),
		banner: banner,
		blocks: []string{banner},
	}
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		chrome := 2 // status line + input line
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-chrome)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - chrome
		}
		m.render = NewRenderer(msg.Width)
		m.input.Width = msg.Width - 4
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			return m.submit()
		}

	case streamStartedMsg:
		m.events = msg.events
		return m, waitForEvent(msg.events)

	case streamEventMsg:
		return m.onEvent(entity.ChatEvent(msg))

	case streamClosedMsg:
		m.streaming = false
		m.events = nil
		m.status = ""
		if m.draft != "" {
			// The stream dropped before the done event; keep what arrived.
			m.pushBlock(m.draft)
			m.pushBlock(errorStyle.Render("✗ stream ended early"))
			m.draft = ""
			m.toolLines = nil
		}
		m.refresh()
		return m, nil

	case streamFailedMsg:
		m.streaming = false
		m.status = ""
		m.pushBlock(errorStyle.Render("✗ " + msg.err.Error()))
		m.refresh()
		return m, nil

	case clearedMsg:
		if msg.err != nil {
			m.pushBlock(errorStyle.Render("✗ " + msg.err.Error()))
		} else {
			m.pushBlock(metaStyle.Render("── conversation cleared ──"))
		}
		m.refresh()
		return m, nil

	case spinner.TickMsg:
		if !m.streaming {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	if m.ready {
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	if m.streaming {
		return m, nil
	}
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return m, nil
	}
	m.input.SetValue("")

	switch text {
	case "/quit", "/exit":
		return m, tea.Quit
	case "/clear":
		m.blocks = []string{m.banner}
		m.refresh()
		client := m.client
		return m, func() tea.Msg {
			return clearedMsg{err: client.Clear(context.Background())}
		}
	case "/help":
		m.pushBlock(helpText())
		m.refresh()
		return m, nil
	}

	m.pushBlock(userStyle.Render(promptGlyph + text))
	m.streaming = true
	m.status = "thinking"
	m.draft = ""
	m.toolLines = nil
	m.refresh()

	client := m.client
	return m, tea.Batch(
		m.spin.Tick,
		func() tea.Msg {
			events, err := client.Stream(context.Background(), text)
			if err != nil {
				return streamFailedMsg{err}
			}
			return streamStartedMsg{events}
		},
	)
}

func (m Model) onEvent(ev entity.ChatEvent) (tea.Model, tea.Cmd) {
	switch ev.Type {
	case entity.EventStart:
		if ev.ConversationID != "" {
			m.client.SetConversation(ev.ConversationID)
		}

	case entity.EventContent:
		m.draft += ev.Delta
		m.status = ""

	case entity.EventToolCall:
		switch ev.Status {
		case entity.ToolCallRunning:
			m.status = ev.Name
		case entity.ToolCallCompleted:
			m.toolLines = append(m.toolLines, m.render.ToolLine(ev.Name, true, 0))
		case entity.ToolCallFailed:
			m.toolLines = append(m.toolLines, m.render.ToolLine(ev.Name, false, 0))
		}

	case entity.EventToolsCalled:
		// The summary carries durations the per-call events did not have;
		// swap this round's lines for annotated ones.
		if n := len(ev.Tools); n > 0 && n <= len(m.toolLines) {
			m.toolLines = m.toolLines[:len(m.toolLines)-n]
		}
		for _, t := range ev.Tools {
			ok := t.Status == entity.ToolCallCompleted
			m.toolLines = append(m.toolLines, m.render.ToolLine(t.Name, ok, t.DurationMs))
		}
		m.status = "thinking"

	case entity.EventError:
		m.pushBlock(errorStyle.Render("✗ " + ev.Error))

	case entity.EventDone:
		m.finishTurn(ev)
	}

	m.refresh()
	return m, waitForEvent(m.events)
}

// finishTurn renders the completed answer into the transcript: tool lines,
// then the glamour-rendered markdown, then a dim metadata footer.
func (m *Model) finishTurn(ev entity.ChatEvent) {
	var section []string
	if len(m.toolLines) > 0 {
		section = append(section, strings.Join(m.toolLines, "\n"))
	}
	if m.draft != "" {
		section = append(section, m.render.Markdown(m.draft))
	}

	meta := "── " + ev.Model
	if ev.Usage != nil {
		meta += fmt.Sprintf(" · %d tokens", ev.Usage.TotalTokens)
	}
	if ev.Cached != nil && *ev.Cached {
		meta += " · cached"
	}
	meta += " ──"
	section = append(section, metaStyle.Render(meta))

	m.blocks = append(m.blocks, strings.Join(section, "\n"))
	m.draft = ""
	m.toolLines = nil
	m.status = ""
}

func (m *Model) pushBlock(block string) {
	m.blocks = append(m.blocks, block)
}

// refresh rebuilds the viewport from finished blocks plus the in-flight turn
// and keeps the view pinned to the bottom.
func (m *Model) refresh() {
	if !m.ready {
		return
	}
	var b strings.Builder
	b.WriteString(strings.Join(m.blocks, "\n\n"))
	if m.streaming {
		b.WriteString("\n\n")
		if len(m.toolLines) > 0 {
			b.WriteString(strings.Join(m.toolLines, "\n"))
			b.WriteString("\n")
		}
		if m.draft != "" {
			b.WriteString(m.draft)
		}
	}
	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m Model) View() string {
	if !m.ready {
		return "\n  starting…"
	}

	status := hintStyle.Render("enter sends · /clear resets · /quit exits")
	if m.streaming {
		label := m.status
		if label == "" {
			label = "streaming"
		}
		status = m.spin.View() + " " + statusStyle.Render(label)
	}

	return m.viewport.View() + "\n" + status + "\n" + m.input.View()
}

func waitForEvent(events <-chan entity.ChatEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return streamEventMsg(ev)
	}
}

func helpText() string {
	return metaStyle.Render(strings.Join([]string{
		"Ask in plain language: quotes, history, news, predictions.",
		"  \"how is NVDA doing today?\"",
		"  \"compare AAPL and MSFT over six months\"",
		"",
		"/clear  reset the conversation",
		"/quit   leave",
	}, "\n"))
}
