// Package tui is a terminal chat client for the thesis assistant. Each
// terminal session is one conversation; plain lines are questions and
// lines starting with "/" are bot commands (/search, /summary).
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kalambet/thesisrag/internal/bot"
)

// Handler is the TUI-facing subset of the bot.
type Handler interface {
	Handle(ctx context.Context, msg bot.Message) bot.Outcome
}

// Options configure a chat Model.
type Options struct {
	ConversationID string
	Sender         string
	AssistantName  string
	// Summary is shown under the header, e.g. the corpus size.
	Summary string
	// Timeout bounds a single request. Zero means no bound.
	Timeout time.Duration
}

type turn struct {
	speaker string
	text    string
	user    bool
}

type replyMsg struct {
	outcome bot.Outcome
	elapsed time.Duration
}

// Model is the Bubble Tea model for the chat screen.
type Model struct {
	handler  Handler
	opts     Options
	ctx      context.Context
	input    textinput.Model
	viewport viewport.Model
	turns    []turn
	status   string
	pending  bool
	ready    bool
	nextID   int64
}

// New creates a chat model. ctx is used for every request the model issues.
func New(ctx context.Context, h Handler, opts Options) Model {
	if opts.ConversationID == "" {
		opts.ConversationID = "terminal"
	}
	if opts.Sender == "" {
		opts.Sender = "User"
	}
	if opts.AssistantName == "" {
		opts.AssistantName = "Assistant"
	}

	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask about the thesis, /search <word> or /summary"
	ti.Focus()
	ti.CharLimit = 0

	return Model{
		handler:  h,
		opts:     opts,
		ctx:      ctx,
		input:    ti,
		viewport: viewport.New(0, 0),
		status:   "Ready. Enter sends, Ctrl+C quits.",
	}
}

// Init starts the cursor blink.
func (m Model) Init() tea.Cmd { return textinput.Blink }

// Update handles key, resize and reply events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, th := transcriptStyle.GetFrameSize()
		_, ih := inputStyle.GetFrameSize()
		reserved := 2 + 1 + ih + 1 // header and summary, status, spacer
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, msg.Height-reserved-th)
		m.refresh()
		return m, nil

	case replyMsg:
		m.pending = false
		if msg.outcome.Reply != "" {
			m.turns = append(m.turns, turn{speaker: m.opts.AssistantName, text: msg.outcome.Reply})
		}
		m.status = fmt.Sprintf("%s in %s", msg.outcome.Kind, msg.elapsed.Round(time.Millisecond))
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			text := strings.TrimSpace(m.input.Value())
			if text == "" || m.pending {
				return m, nil
			}
			m.input.Reset()
			m.turns = append(m.turns, turn{speaker: m.opts.Sender, text: text, user: true})
			m.pending = true
			m.status = "Thinking..."
			m.refresh()
			m.nextID++
			return m, m.send(m.nextID, text)
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View renders the header, transcript, input box and status line.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := headerStyle.Render("Thesis chat with " + m.opts.AssistantName)
	summary := summaryStyle.Render(m.opts.Summary)
	transcript := transcriptStyle.Render(m.viewport.View())
	input := inputStyle.Render(m.input.View())
	status := statusStyle.Render(m.status)
	return header + "\n" + summary + "\n" + transcript + "\n" + input + "\n" + status
}

// send runs the request off the UI goroutine and reports back as a replyMsg.
func (m Model) send(id int64, text string) tea.Cmd {
	h, opts, parent := m.handler, m.opts, m.ctx
	return func() tea.Msg {
		ctx := parent
		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parent, opts.Timeout)
			defer cancel()
		}
		start := time.Now()
		out := h.Handle(ctx, bot.Message{
			ConversationID: opts.ConversationID,
			MessageID:      id,
			Sender:         opts.Sender,
			Text:           asCommand(text),
		})
		return replyMsg{outcome: out, elapsed: time.Since(start)}
	}
}

// asCommand turns a plain line into an /ask command so it is always
// addressed to the assistant.
func asCommand(text string) string {
	if strings.HasPrefix(text, "/") {
		return text
	}
	return "/ask " + text
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
}

func (m Model) renderTranscript() string {
	if len(m.turns) == 0 {
		return summaryStyle.Render("No messages yet.")
	}
	width := max(10, m.viewport.Width-2)
	body := lipgloss.NewStyle().Width(width)

	var b strings.Builder
	for i, t := range m.turns {
		if i > 0 {
			b.WriteString("\n\n")
		}
		name := assistantStyle.Render(t.speaker)
		if t.user {
			name = userStyle.Render(t.speaker)
		}
		b.WriteString(name + "\n")
		b.WriteString(body.Render(t.text))
	}
	return b.String()
}

var (
	headerStyle     = lipgloss.NewStyle().Bold(true)
	summaryStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	statusStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	userStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	assistantStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	transcriptStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	inputStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)
