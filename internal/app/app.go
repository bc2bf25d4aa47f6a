package app

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/nhle/notifycenter/internal/gateway"
	"github.com/nhle/notifycenter/internal/inbox"
	"github.com/nhle/notifycenter/internal/keys"
	"github.com/nhle/notifycenter/internal/realtime"
	"github.com/nhle/notifycenter/internal/session"
	"github.com/nhle/notifycenter/internal/store"
	appsync "github.com/nhle/notifycenter/internal/sync"
	"github.com/nhle/notifycenter/internal/ui"
	helpview "github.com/nhle/notifycenter/internal/ui/help"
	"github.com/nhle/notifycenter/internal/ui/inboxlist"
	"github.com/nhle/notifycenter/internal/ui/prompt"
	"github.com/nhle/notifycenter/internal/ui/result"
)

// ViewState represents the current active view in the application.
type ViewState int

const (
	ViewList ViewState = iota
	ViewResult
	ViewHelp
	ViewPrompt
)

// Channel is the push channel the UI owns.
type Channel interface {
	Activate(ctx context.Context, h realtime.Handler) error
	Deactivate()
	Connected() bool
}

// Deps are the components the UI context owns for its lifetime.
type Deps struct {
	Inbox   *inbox.Store
	Channel Channel
	Poller  *appsync.Poller
	Tracker *session.Tracker

	// Lifecycle receives focus and quit events for the tracker.
	Lifecycle *session.Broadcaster

	// Cache is optional. Owner scopes cached lists to one user.
	Cache store.Cache
	Owner string

	// SessionID is the chat session entered at startup, if any.
	SessionID string

	Log *zap.Logger
}

// Model is the root Bubble Tea model that manages view routing, layout
// and the notification components.
type Model struct {
	currentView  ViewState
	previousView ViewState
	layout       ui.Layout
	keys         *keys.KeyMap

	list       inboxlist.Model
	resultView result.Model
	helpView   helpview.Model
	promptView prompt.Model

	deps *Deps
	log  *zap.Logger

	// updates is signalled by the inbox subscription; the latest
	// snapshot is read when the signal is consumed.
	updates chan struct{}
	life    *lifetime

	ready      bool
	badge      int
	sessionID  string
	statusLine string
	authError  string
}

// lifetime is shared by every copy of the model so teardown runs once.
type lifetime struct {
	ctx         context.Context
	cancel      context.CancelFunc
	once        sync.Once
	unsubscribe func()
}

// New creates the root model, subscribes to the inbox and enters the
// configured chat session.
func New(d Deps) Model {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	k := keys.DefaultKeyMap()

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan struct{}, 1)
	life := &lifetime{ctx: ctx, cancel: cancel}
	life.unsubscribe = d.Inbox.Subscribe(func(inbox.Snapshot) {
		select {
		case updates <- struct{}{}:
		default:
			// A refresh is already pending and will read the latest state.
		}
	})

	if d.Tracker != nil {
		d.Tracker.Mount(d.SessionID)
	}

	return Model{
		currentView: ViewList,
		keys:        k,
		list:        inboxlist.New(k, 80, 24),
		resultView:  result.New(k, 80, 24),
		helpView:    helpview.New(k, 80, 24),
		promptView:  prompt.New(80, 24),
		deps:        &d,
		log:         d.Log,
		updates:     updates,
		life:        life,
		sessionID:   d.SessionID,
	}
}

// Init restores the cached lists, connects the push channel and starts
// background reconciliation.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		m.restoreCache(),
		m.connect(),
		m.waitForSnapshot(),
	}
	if m.deps.Poller != nil {
		cmds = append(cmds, m.deps.Poller.Start())
	}
	return tea.Batch(cmds...)
}

// Update handles messages and dispatches to the active view.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.layout = ui.NewLayout(msg.Width, msg.Height)
		m.ready = true
		w, h := m.layout.ContentWidth(), m.layout.ContentHeight()
		m.list.SetSize(w, h)
		m.resultView.SetSize(w, h)
		m.helpView.SetSize(w, h)
		m.promptView.SetSize(w, h)
		return m, nil

	case tea.FocusMsg:
		m.emit(session.VisibilityVisible)
		return m, nil

	case tea.BlurMsg:
		m.emit(session.VisibilityHidden)
		return m, nil

	case snapshotMsg:
		m.badge = msg.snap.Badge
		cmd := m.list.SetLists(msg.snap.Unread, msg.snap.Read)
		return m, tea.Batch(cmd, m.waitForSnapshot())

	case connectedMsg:
		if msg.err != nil {
			m.statusLine = "push channel unavailable: " + msg.err.Error()
		}
		return m, nil

	case appsync.SyncResultMsg:
		var cmds []tea.Cmd
		switch {
		case msg.AuthError != nil:
			m.authError = msg.AuthError.Message
		case msg.Error != nil:
			m.statusLine = "sync failed: " + msg.Error.Error()
		default:
			m.authError = ""
			if msg.Resynced {
				m.statusLine = ""
				cmds = append(cmds, m.saveCache())
			}
		}
		if m.deps.Poller != nil {
			cmds = append(cmds, m.deps.Poller.WaitForNextResult())
		}
		return m, tea.Batch(cmds...)

	case mutationResultMsg:
		m.statusLine = ""
		if msg.err != nil {
			m.noteError(msg.action, msg.err)
		}
		return m, nil

	case inboxlist.ActionMsg:
		return m, m.runAction(msg)

	case result.LoadedMsg:
		if msg.Err != nil && gateway.IsAuthError(msg.Err) {
			m.noteError("open", msg.Err)
		}
		var cmd tea.Cmd
		m.resultView, cmd = m.resultView.Update(msg)
		return m, cmd

	case result.BackMsg:
		m.currentView = ViewList
		return m, nil

	case prompt.SessionMsg:
		m.currentView = m.previousView
		m.enterSession(string(msg))
		return m, nil

	case prompt.CancelMsg:
		m.currentView = m.previousView
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, m.quit()
		}
		// The prompt owns every other key while it has focus.
		if m.currentView == ViewPrompt {
			break
		}

		switch {
		case key.Matches(msg, m.keys.Quit):
			if m.currentView == ViewList {
				return m, m.quit()
			}

		case key.Matches(msg, m.keys.Help):
			if m.currentView == ViewHelp {
				m.currentView = m.previousView
				return m, nil
			}
			m.previousView = m.currentView
			m.currentView = ViewHelp
			return m, nil

		case key.Matches(msg, m.keys.Back):
			if m.currentView == ViewHelp {
				m.currentView = m.previousView
				return m, nil
			}

		case key.Matches(msg, m.keys.Session):
			if m.currentView == ViewList {
				m.previousView = m.currentView
				m.currentView = ViewPrompt
				return m, m.promptView.Focus(m.sessionID)
			}

		case key.Matches(msg, m.keys.Refresh):
			if m.currentView == ViewList && m.deps.Poller != nil {
				m.statusLine = "refreshing..."
				return m, m.deps.Poller.RefreshNow(inbox.TriggerManual)
			}
		}
	}

	// Delegate to active sub-view
	return m.updateActiveView(msg)
}

// updateActiveView dispatches the message to the currently active view.
func (m Model) updateActiveView(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch m.currentView {
	case ViewList:
		m.list, cmd = m.list.Update(msg)
	case ViewResult:
		m.resultView, cmd = m.resultView.Update(msg)
	case ViewHelp:
		m.helpView, cmd = m.helpView.Update(msg)
	case ViewPrompt:
		m.promptView, cmd = m.promptView.Update(msg)
	}

	return m, cmd
}

// runAction turns a list request into an inbox call.
func (m *Model) runAction(msg inboxlist.ActionMsg) tea.Cmd {
	in := m.deps.Inbox
	n := msg.Notification

	switch msg.Action {
	case inboxlist.ActionOpen:
		m.currentView = ViewResult
		m.resultView.SetLoading(true)
		return m.open(n)
	case inboxlist.ActionMarkRead:
		return m.mutation("mark read", func(ctx context.Context) error {
			return in.MarkRead(ctx, n.ID)
		})
	case inboxlist.ActionMarkAllRead:
		return m.mutation("mark all read", in.MarkAllRead)
	case inboxlist.ActionDelete:
		return m.mutation("delete", func(ctx context.Context) error {
			return in.DeleteOne(ctx, n.ID)
		})
	case inboxlist.ActionDeleteAllRead:
		return m.mutation("delete all read", in.DeleteAllRead)
	default:
		return nil
	}
}

// enterSession switches the tracked chat session.
func (m *Model) enterSession(id string) {
	if id == m.sessionID {
		return
	}
	m.log.Info("entering chat session", zap.String("session_id", id), zap.String("previous", m.sessionID))
	m.sessionID = id
	if m.deps.Tracker != nil {
		m.deps.Tracker.SetActive(id)
	}
}

// noteError records a failed action for the status bar.
func (m *Model) noteError(action string, err error) {
	if gateway.IsAuthError(err) {
		m.authError = "signed out: run `notifycenter login` to sign in again"
		return
	}
	m.statusLine = fmt.Sprintf("%s failed: %v", action, err)
}

func (m Model) emit(sig session.Signal) {
	if m.deps.Lifecycle != nil {
		m.deps.Lifecycle.Emit(sig)
	}
}

// quit tears the context down and exits the program.
func (m Model) quit() tea.Cmd {
	m.Close()
	return tea.Quit
}

// Close disposes the UI context: the push channel is closed, polling
// stops, the tracker observes a terminating host and the inbox drops its
// subscribers. It is safe to call more than once.
func (m Model) Close() {
	m.life.once.Do(func() {
		d := m.deps
		if d.Channel != nil {
			d.Channel.Deactivate()
		}
		if d.Poller != nil {
			d.Poller.Stop()
		}
		m.emit(session.BeforeUnload)
		if d.Tracker != nil {
			d.Tracker.Dispose()
		}
		m.life.unsubscribe()
		d.Inbox.Dispose()
		m.life.cancel()
	})
}

// View renders the full terminal UI using the layout manager.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	header := m.layout.RenderHeader("Notifications", m.badge, m.status())
	tabs := m.layout.RenderTabs(m.list.Labels(), int(m.list.Tab()))
	statusBar := m.layout.RenderStatusBar(m.keyHints())

	return m.layout.RenderWithFrame(header, tabs, m.renderContent(), statusBar)
}

// renderContent returns the rendered string for the current active view.
func (m Model) renderContent() string {
	switch m.currentView {
	case ViewList:
		return m.list.View()
	case ViewResult:
		return m.resultView.View()
	case ViewHelp:
		return m.helpView.View()
	case ViewPrompt:
		return m.promptView.View()
	default:
		return ""
	}
}

// status returns a short string describing connection and sync state.
func (m Model) status() string {
	var parts []string
	if m.sessionID != "" {
		parts = append(parts, "chat "+m.sessionID)
	}

	if m.deps.Channel != nil && m.deps.Channel.Connected() {
		parts = append(parts, "live")
	} else {
		parts = append(parts, "polling")
	}

	if m.deps.Poller != nil {
		switch m.deps.Poller.Status().State {
		case appsync.SyncRunning:
			parts = append(parts, "syncing")
		case appsync.SyncError:
			parts = append(parts, "⚠ sync failed")
		}
	}
	return strings.Join(parts, " · ")
}

// keyHints returns keyboard shortcut hints for the status bar.
func (m Model) keyHints() string {
	// Show auth error prominently when present.
	if m.authError != "" && m.currentView == ViewList {
		return m.authError
	}

	switch m.currentView {
	case ViewHelp:
		return "? close help | esc back"
	case ViewPrompt:
		return "enter confirm | esc cancel"
	case ViewResult:
		return "esc back | j/k scroll"
	default:
		if m.statusLine != "" {
			return m.statusLine
		}
		return "q quit | ? help | tab unread/read | enter open | m read | M all read | d delete | D delete read | r refresh | : chat"
	}
}
