// Package sync runs background reconciliation between the local inbox
// and the server: a periodic unread-count check that triggers a full
// resync when the two drift apart.
package sync

import (
	"context"
	gosync "sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/nhle/notifycenter/internal/gateway"
	"github.com/nhle/notifycenter/internal/inbox"
)

// SyncState represents the current state of the reconciler.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

// SyncStatus holds the reconciler's last outcome.
type SyncStatus struct {
	State    SyncState
	LastSync time.Time
	Error    error
}

// SyncResultMsg is a tea.Msg sent after each reconciliation pass.
type SyncResultMsg struct {
	// Resynced is set when the pass replaced the local lists.
	Resynced bool
	Trigger  inbox.Trigger

	ServerCount int
	Error       error

	// AuthError is set when the credential was missing or rejected.
	AuthError *AuthErrorMsg
}

// AuthErrorMsg is a tea.Msg sent when the server rejects the credential.
type AuthErrorMsg struct {
	Message string
}

// fetchTimeout is the maximum time allowed for a single pass.
const fetchTimeout = 30 * time.Second

// Counter fetches the server's unread count.
type Counter interface {
	FetchUnreadCount(ctx context.Context) (int, error)
}

// Resyncer is the part of the inbox the poller drives.
type Resyncer interface {
	Snapshot() inbox.Snapshot
	PageSize() int
	Resync(ctx context.Context, trigger inbox.Trigger) error
}

// Liveness reports whether the push channel is currently connected.
type Liveness interface {
	Connected() bool
}

// Poller orchestrates background reconciliation.
type Poller struct {
	counter  Counter
	inbox    Resyncer
	live     Liveness
	interval time.Duration
	log      *zap.Logger

	status    SyncStatus
	resultCh  chan SyncResultMsg
	triggerCh chan inbox.Trigger
	stopCh    chan struct{}
	doneCh    chan struct{}
	mu        gosync.Mutex
	running   bool
	stopped   bool
}

// New creates a new Poller. live may be nil when no push channel runs,
// in which case every pass is treated as disconnected.
func New(
	counter Counter,
	in Resyncer,
	live Liveness,
	interval time.Duration,
	log *zap.Logger,
) *Poller {
	if interval <= 0 {
		interval = 120 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{
		counter:   counter,
		inbox:     in,
		live:      live,
		interval:  interval,
		log:       log,
		resultCh:  make(chan SyncResultMsg, 16),
		triggerCh: make(chan inbox.Trigger, 16),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the polling goroutine and returns a tea.Cmd that
// waits for the first result. The first pass resyncs unconditionally.
// A stopped poller cannot be restarted.
func (p *Poller) Start() tea.Cmd {
	p.mu.Lock()
	if p.running || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.mu.Unlock()

	go p.loop()

	return p.waitForResult()
}

// Stop halts the polling goroutine and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.running = false
	p.stopped = true
	p.mu.Unlock()

	<-p.doneCh
}

// RefreshNow triggers an immediate resync.
func (p *Poller) RefreshNow(trigger inbox.Trigger) tea.Cmd {
	select {
	case p.triggerCh <- trigger:
	default:
		// Channel full; a resync is already pending.
	}
	return nil
}

// Status returns the reconciler's last outcome.
func (p *Poller) Status() SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Poller) loop() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.resync(inbox.TriggerStartup)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.check()
		case trigger := <-p.triggerCh:
			p.resync(trigger)
		}
	}
}

// check compares the server count with the local unread list and
// resyncs on drift. A list filled to the page limit may be truncated,
// so a larger server count is not drift in that case. A disconnected
// push channel may have missed events, so it always resyncs.
func (p *Poller) check() {
	p.setStatus(SyncRunning, nil)

	ctx, cancel := p.passContext()
	defer cancel()

	count, err := p.counter.FetchUnreadCount(ctx)
	if err != nil {
		p.fail(err, "")
		return
	}

	snap := p.inbox.Snapshot()
	local := len(snap.Unread)
	truncated := local >= p.inbox.PageSize()
	connected := p.live != nil && p.live.Connected()

	var trigger inbox.Trigger
	switch {
	case !connected:
		trigger = inbox.TriggerReconnect
	case count != local && !(truncated && count > local):
		trigger = inbox.TriggerDrift
	}

	if trigger == "" {
		p.setStatus(SyncIdle, nil)
		p.sendResult(SyncResultMsg{ServerCount: count})
		return
	}

	p.log.Debug("resyncing",
		zap.String("trigger", string(trigger)),
		zap.Int("server_count", count),
		zap.Int("local_count", local),
	)
	if err := p.inbox.Resync(ctx, trigger); err != nil {
		p.fail(err, trigger)
		return
	}

	p.setStatus(SyncIdle, nil)
	p.sendResult(SyncResultMsg{Resynced: true, Trigger: trigger, ServerCount: count})
}

func (p *Poller) resync(trigger inbox.Trigger) {
	p.setStatus(SyncRunning, nil)

	ctx, cancel := p.passContext()
	defer cancel()

	if err := p.inbox.Resync(ctx, trigger); err != nil {
		p.fail(err, trigger)
		return
	}

	p.setStatus(SyncIdle, nil)
	p.sendResult(SyncResultMsg{Resynced: true, Trigger: trigger})
}

func (p *Poller) fail(err error, trigger inbox.Trigger) {
	p.setStatus(SyncError, err)

	if gateway.IsAuthError(err) {
		p.sendResult(SyncResultMsg{
			Trigger: trigger,
			Error:   err,
			AuthError: &AuthErrorMsg{
				Message: "signed out: run `notifycenter login` to sign in again",
			},
		})
		return
	}

	p.log.Warn("reconciliation failed", zap.Error(err))
	p.sendResult(SyncResultMsg{Trigger: trigger, Error: err})
}

// passContext bounds a pass and cancels it when the poller stops.
func (p *Poller) passContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// setStatus updates the reconciler status.
func (p *Poller) setStatus(state SyncState, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status.State = state
	p.status.Error = err
	if state == SyncIdle && err == nil {
		p.status.LastSync = time.Now()
	}
}

// sendResult sends a SyncResultMsg on the result channel without blocking.
func (p *Poller) sendResult(msg SyncResultMsg) {
	select {
	case p.resultCh <- msg:
	default:
		// Drop if channel is full to avoid blocking the poller
	}
}

// waitForResult returns a tea.Cmd that waits for the next result from
// the result channel.
func (p *Poller) waitForResult() tea.Cmd {
	return func() tea.Msg {
		select {
		case result := <-p.resultCh:
			return result
		case <-p.doneCh:
			return nil
		}
	}
}

// WaitForNextResult returns a tea.Cmd that waits for the next sync result.
// This should be called after processing a SyncResultMsg to continue
// listening for future results.
func (p *Poller) WaitForNextResult() tea.Cmd {
	return p.waitForResult()
}
