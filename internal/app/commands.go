package app

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/nhle/notifycenter/internal/inbox"
	"github.com/nhle/notifycenter/internal/model"
	"github.com/nhle/notifycenter/internal/store"
	"github.com/nhle/notifycenter/internal/ui/result"
)

// actionTimeout bounds a single user-initiated gateway call.
const actionTimeout = 30 * time.Second

// snapshotMsg carries the inbox state after a change.
type snapshotMsg struct {
	snap inbox.Snapshot
}

// connectedMsg is sent once the push channel was activated.
type connectedMsg struct{ err error }

// mutationResultMsg is sent after an optimistic mutation settled.
type mutationResultMsg struct {
	action string
	err    error
}

// waitForSnapshot returns a tea.Cmd that blocks until the inbox changes
// and then reads its latest state. It returns nil once the context is
// closed.
func (m Model) waitForSnapshot() tea.Cmd {
	in := m.deps.Inbox
	updates := m.updates
	done := m.life.ctx.Done()
	return func() tea.Msg {
		select {
		case <-updates:
			return snapshotMsg{snap: in.Snapshot()}
		case <-done:
			return nil
		}
	}
}

// connect activates the push channel with the inbox as its handler.
func (m Model) connect() tea.Cmd {
	ch := m.deps.Channel
	if ch == nil {
		return nil
	}
	in := m.deps.Inbox
	ctx := m.life.ctx
	return func() tea.Msg {
		err := ch.Activate(ctx, func(n model.Notification) {
			in.Push(n)
		})
		return connectedMsg{err: err}
	}
}

// restoreCache seeds the inbox from the last saved lists so the first
// frame is not empty while the startup resync runs.
func (m Model) restoreCache() tea.Cmd {
	c := m.deps.Cache
	if c == nil {
		return nil
	}
	in := m.deps.Inbox
	owner := m.deps.Owner
	log := m.log
	ctx := m.life.ctx
	return func() tea.Msg {
		lists, err := c.LoadSnapshot(ctx, owner)
		if err != nil {
			log.Warn("loading cached notifications failed", zap.Error(err))
			return nil
		}
		if len(lists.Unread) == 0 && len(lists.Read) == 0 {
			return nil
		}
		in.Restore(inbox.Snapshot{
			Unread: lists.Unread,
			Read:   lists.Read,
			Badge:  len(lists.Unread),
		})
		log.Debug("restored cached notifications",
			zap.Int("unread", len(lists.Unread)),
			zap.Int("read", len(lists.Read)),
			zap.Time("saved_at", lists.SavedAt),
		)
		return nil
	}
}

// saveCache persists the current lists after a successful resync.
func (m Model) saveCache() tea.Cmd {
	c := m.deps.Cache
	if c == nil {
		return nil
	}
	snap := m.deps.Inbox.Snapshot()
	owner := m.deps.Owner
	log := m.log
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()

		err := c.SaveSnapshot(ctx, owner, store.Lists{
			Unread:  snap.Unread,
			Read:    snap.Read,
			SavedAt: time.Now(),
		})
		if err != nil {
			log.Warn("caching notifications failed", zap.Error(err))
		}
		return nil
	}
}

// mutation runs an optimistic inbox mutation. The inbox is updated
// before fn reaches the network, so the UI refreshes right away through
// the subscription.
func (m Model) mutation(action string, fn func(ctx context.Context) error) tea.Cmd {
	parent := m.life.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, actionTimeout)
		defer cancel()
		return mutationResultMsg{action: action, err: fn(ctx)}
	}
}

// open marks n read and resolves what to show for it.
func (m Model) open(n model.Notification) tea.Cmd {
	in := m.deps.Inbox
	parent := m.life.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, actionTimeout)
		defer cancel()
		opened, err := in.Open(ctx, n)
		return result.LoadedMsg{Opened: opened, Err: err}
	}
}
