package result

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/notifycenter/internal/inbox"
	"github.com/nhle/notifycenter/internal/keys"
	"github.com/nhle/notifycenter/internal/model"
	"github.com/nhle/notifycenter/internal/theme"
)

// BackMsg signals the parent to navigate back to the list view.
type BackMsg struct{}

// LoadedMsg carries an opened notification, or the error that
// prevented opening it.
type LoadedMsg struct {
	Opened inbox.Opened
	Err    error
}

// Model shows an opened notification and its battle result.
type Model struct {
	opened   *inbox.Opened
	err      error
	viewport viewport.Model
	keys     *keys.KeyMap
	width    int
	height   int
	loading  bool
}

// New creates a new result view model.
func New(keys *keys.KeyMap, width, height int) Model {
	vp := viewport.New(width, height)
	vp.Style = lipgloss.NewStyle()

	return Model{
		viewport: vp,
		keys:     keys,
		width:    width,
		height:   height,
	}
}

// Update handles messages for the result view.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case LoadedMsg:
		m.loading = false
		m.err = msg.Err
		opened := msg.Opened
		m.opened = &opened
		m.viewport.SetContent(m.renderContent())
		m.viewport.GotoTop()
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, m.keys.Back) {
			return m, func() tea.Msg {
				return BackMsg{}
			}
		}
	}

	// Delegate to viewport for scrolling (j/k, up/down, pgup/pgdn)
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the result view.
func (m Model) View() string {
	placeholder := lipgloss.NewStyle().
		Width(m.width).
		Height(m.height).
		Align(lipgloss.Center, lipgloss.Center).
		Foreground(theme.ColorGray)

	if m.loading {
		return placeholder.Render("Opening notification...")
	}
	if m.opened == nil {
		return placeholder.Render("No notification selected")
	}
	return m.viewport.View()
}

// renderContent builds the full content string for the viewport.
func (m Model) renderContent() string {
	if m.opened == nil {
		return ""
	}
	n := m.opened.Notification

	var sections []string

	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(theme.ColorWhite)
	sections = append(sections,
		titleStyle.Render(n.Title),
		theme.TypeLabelStyle(n.Type).Render(n.Type),
		"",
	)

	metaStyle := lipgloss.NewStyle().Foreground(theme.ColorGray)
	valStyle := lipgloss.NewStyle().Foreground(theme.ColorWhite)
	row := func(label, value string) string {
		return fmt.Sprintf("%-10s %s", metaStyle.Render(label), valStyle.Render(value))
	}

	if n.Message != "" {
		sections = append(sections, n.Message, "")
	}
	if !n.CreatedDate.IsZero() {
		sections = append(sections, row("Created:", n.CreatedDate.Format("2006-01-02 15:04")))
	}
	if m.opened.Link != "" {
		sections = append(sections, row("Link:", m.opened.Link))
	}

	if m.err != nil {
		sections = append(sections, "", theme.ErrorStyle.Render("Could not load result: "+m.err.Error()))
	}

	if snap := m.opened.Result; snap != nil {
		separator := lipgloss.NewStyle().
			Foreground(theme.ColorSubtle).
			Render(strings.Repeat("─", max(min(m.width-4, 80), 0)))
		sections = append(sections, "", separator, "")
		sections = append(sections, renderResult(*snap, row)...)
	}

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderResult lays out a battle result. Absent fields show "-".
func renderResult(s model.ResultSnapshot, row func(label, value string) string) []string {
	outcome := "-"
	if s.Result != nil {
		outcome = *s.Result
	}

	grade := model.GradeLabel(s.GradeID)

	return []string{
		theme.ResultStyle(s.IsWin()).Render(outcome),
		"",
		row("Opponent:", str(s.OpponentNickname)),
		row("Character:", str(s.OpponentCharacterName)),
		row("Grade:", theme.GradeStyle(grade).Render(grade)),
		row("Level:", num(s.Level)),
		"",
		row("HP:", num(s.HP)),
		row("ATK:", num(s.Atk)),
		row("DEF:", num(s.Def)),
		row("SPD:", num(s.Spd)),
		row("CRIT:", num(s.Crit)),
	}
}

func str(p *string) string {
	if p == nil || *p == "" {
		return "-"
	}
	return *p
}

func num(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%g", *p)
}

// SetLoading sets the loading state.
func (m *Model) SetLoading(loading bool) {
	m.loading = loading
	if loading {
		m.opened = nil
		m.err = nil
	}
}

// SetSize updates the result view dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.viewport.Width = width
	m.viewport.Height = height
}
