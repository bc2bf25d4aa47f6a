package inboxlist

import (
	"strconv"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/notifycenter/internal/keys"
	"github.com/nhle/notifycenter/internal/model"
	"github.com/nhle/notifycenter/internal/theme"
)

// Tab selects which list is shown.
type Tab int

const (
	TabUnread Tab = iota
	TabRead
)

// Action names a user request on the inbox.
type Action int

const (
	ActionOpen Action = iota
	ActionMarkRead
	ActionMarkAllRead
	ActionDelete
	ActionDeleteAllRead
)

// ActionMsg asks the parent to perform an inbox action. Notification is
// unset for the bulk actions.
type ActionMsg struct {
	Action       Action
	Notification model.Notification
}

// Model is the tabbed notification list.
type Model struct {
	lists  [2]list.Model
	tab    Tab
	keys   *keys.KeyMap
	width  int
	height int
}

// New creates an empty list model.
func New(k *keys.KeyMap, width, height int) Model {
	m := Model{keys: k, width: width, height: height}
	for i := range m.lists {
		l := list.New([]list.Item{}, Delegate{}, width, height)
		l.SetShowTitle(false)
		l.SetShowStatusBar(false)
		l.SetShowHelp(false)
		l.SetFilteringEnabled(false)
		// Quitting goes through the parent so teardown runs.
		l.KeyMap.Quit.SetEnabled(false)
		l.KeyMap.ForceQuit.SetEnabled(false)
		m.lists[i] = l
	}
	return m
}

// SetLists replaces both tabs' items, keeping the cursor in range.
func (m *Model) SetLists(unread, read []model.Notification) tea.Cmd {
	return tea.Batch(
		m.lists[TabUnread].SetItems(toItems(unread)),
		m.lists[TabRead].SetItems(toItems(read)),
	)
}

func toItems(ns []model.Notification) []list.Item {
	items := make([]list.Item, len(ns))
	for i, n := range ns {
		items[i] = Item{Notification: n}
	}
	return items
}

// Tab returns the active tab.
func (m Model) Tab() Tab { return m.tab }

// Labels returns the tab strip labels with per-list counts.
func (m Model) Labels() []string {
	return []string{
		"Unread (" + strconv.Itoa(len(m.lists[TabUnread].Items())) + ")",
		"Read (" + strconv.Itoa(len(m.lists[TabRead].Items())) + ")",
	}
}

// Selected returns the highlighted notification on the active tab.
func (m Model) Selected() (model.Notification, bool) {
	it, ok := m.lists[m.tab].SelectedItem().(Item)
	if !ok {
		return model.Notification{}, false
	}
	return it.Notification, true
}

// Update handles messages for the list view.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch {
		case key.Matches(msg, m.keys.NextTab):
			m.tab = (m.tab + 1) % 2
			return m, nil

		case key.Matches(msg, m.keys.Select):
			return m, m.selectedAction(ActionOpen)

		case key.Matches(msg, m.keys.MarkRead):
			if m.tab != TabUnread {
				return m, nil
			}
			return m, m.selectedAction(ActionMarkRead)

		case key.Matches(msg, m.keys.Delete):
			return m, m.selectedAction(ActionDelete)

		case key.Matches(msg, m.keys.MarkAllRead):
			return m, emit(ActionMsg{Action: ActionMarkAllRead})

		case key.Matches(msg, m.keys.DeleteAllRead):
			return m, emit(ActionMsg{Action: ActionDeleteAllRead})
		}
	}

	var cmd tea.Cmd
	m.lists[m.tab], cmd = m.lists[m.tab].Update(msg)
	return m, cmd
}

func (m Model) selectedAction(a Action) tea.Cmd {
	n, ok := m.Selected()
	if !ok {
		return nil
	}
	return emit(ActionMsg{Action: a, Notification: n})
}

func emit(msg tea.Msg) tea.Cmd {
	return func() tea.Msg { return msg }
}

// View renders the active tab.
func (m Model) View() string {
	if len(m.lists[m.tab].Items()) == 0 {
		return m.renderEmptyState()
	}
	return m.lists[m.tab].View()
}

// renderEmptyState shows guidance text when the active tab is empty.
func (m Model) renderEmptyState() string {
	style := lipgloss.NewStyle().
		Width(m.width).
		Height(m.height).
		Align(lipgloss.Center, lipgloss.Center).
		Foreground(theme.ColorGray)

	if m.tab == TabRead {
		return style.Render("No read notifications.")
	}
	return style.Render("You're all caught up.\n\nPress r to refresh.")
}

// SetSize updates the list dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	for i := range m.lists {
		m.lists[i].SetSize(width, height)
	}
}
