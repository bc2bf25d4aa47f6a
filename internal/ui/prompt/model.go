package prompt

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/notifycenter/internal/theme"
)

// SessionMsg is emitted when the user submits a chat session id. An
// empty id leaves the current session.
type SessionMsg string

// CancelMsg is emitted when the prompt is dismissed without a change.
type CancelMsg struct{}

// Model is the chat session prompt.
type Model struct {
	input  textinput.Model
	width  int
	height int
}

// New creates a new session prompt model.
func New(width, height int) Model {
	ti := textinput.New()
	ti.Placeholder = "chat session id (empty to leave)"
	ti.Prompt = "session: "
	ti.CharLimit = 128
	ti.Width = width - 6

	return Model{
		input:  ti,
		width:  width,
		height: height,
	}
}

// Update handles messages for the prompt.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "enter":
			id := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			m.input.Blur()
			return m, func() tea.Msg {
				return SessionMsg(id)
			}
		case "esc":
			m.input.Reset()
			m.input.Blur()
			return m, func() tea.Msg {
				return CancelMsg{}
			}
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View renders the prompt.
func (m Model) View() string {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(theme.ColorWhite).
		MarginBottom(1).
		Render("Enter Chat Session")

	content := lipgloss.JoinVertical(lipgloss.Left, title, m.input.View())

	return theme.DetailPanelStyle.
		Width(max(m.width-4, 0)).
		Render(content)
}

// SetSize updates the prompt dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.input.Width = width - 6
}

// Focus gives keyboard focus to the text input, prefilled with current.
func (m *Model) Focus(current string) tea.Cmd {
	m.input.SetValue(current)
	m.input.CursorEnd()
	return m.input.Focus()
}
