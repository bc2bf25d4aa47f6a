// Package session tracks which chat session is currently entered and
// sends the server an exit signal when that session ends, whether by
// switching sessions, hiding or closing the view, or disposing the
// owning UI context.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/notifycenter/internal/metrics"
)

const defaultExitTimeout = 5 * time.Second

// Exiter sends chat exit signals. ExitSessionDetached must survive the
// cancellation of its caller.
type Exiter interface {
	ExitSession(ctx context.Context, sessionID string) error
	ExitSessionDetached(ctx context.Context, sessionID string)
}

// Options configures a Tracker.
type Options struct {
	// StrictHarness arms the one-shot guard that skips the first
	// cleanup of a double-invoked mount.
	StrictHarness bool

	// ExitTimeout bounds exits sent on id change and disposal.
	ExitTimeout time.Duration
}

// State is a copy of the tracker's state.
type State struct {
	ActiveID   string
	PreviousID string
	Unloading  bool

	// SkipNextCleanup is the one-shot strict harness guard.
	SkipNextCleanup bool

	// Exited is set once the current activation was signalled.
	Exited bool
}

// Tracker implements the session exit state machine.
type Tracker struct {
	exiter      Exiter
	source      LifecycleSource
	strict      bool
	exitTimeout time.Duration
	log         *zap.Logger

	mu          sync.Mutex
	state       State
	unsubscribe func()

	pending sync.WaitGroup
}

// NewTracker creates a Tracker. source may be nil when the host emits
// no lifecycle signals.
func NewTracker(exiter Exiter, source LifecycleSource, opts Options, log *zap.Logger) *Tracker {
	if opts.ExitTimeout <= 0 {
		opts.ExitTimeout = defaultExitTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		exiter:      exiter,
		source:      source,
		strict:      opts.StrictHarness,
		exitTimeout: opts.ExitTimeout,
		log:         log,
		state:       State{SkipNextCleanup: opts.StrictHarness},
	}
}

// Mount attaches the lifecycle listeners and enters id. Mounting an
// already mounted tracker only changes the active id.
func (t *Tracker) Mount(id string) {
	t.mu.Lock()
	if t.unsubscribe == nil && t.source != nil {
		t.unsubscribe = t.source.Subscribe(t.handle)
	}
	t.mu.Unlock()

	t.SetActive(id)
}

// SetActive records the externally selected session id. Leaving a
// non-empty id for a different one sends an exit for the old id unless
// that activation was already signalled.
func (t *Tracker) SetActive(id string) {
	t.mu.Lock()
	prev := t.state.ActiveID
	if prev == id {
		t.mu.Unlock()
		return
	}

	exit := prev != "" && !t.state.Exited
	t.state.PreviousID = prev
	t.state.ActiveID = id
	t.state.Exited = false
	t.state.Unloading = false
	t.mu.Unlock()

	if exit {
		t.log.Debug("session switched", zap.String("from", prev), zap.String("to", id))
		t.exitAsync(prev, "switch")
	}
}

// handle applies a lifecycle signal.
func (t *Tracker) handle(sig Signal) {
	t.mu.Lock()
	if sig == VisibilityVisible {
		t.state.Unloading = false
		t.state.Exited = false
		t.mu.Unlock()
		return
	}
	if !sig.Teardown() {
		t.mu.Unlock()
		return
	}

	id := t.state.ActiveID
	exit := id != "" && !t.state.Exited
	t.state.Unloading = true
	if exit {
		t.state.Exited = true
	}
	t.mu.Unlock()

	if exit {
		t.log.Debug("lifecycle exit", zap.String("session_id", id), zap.Stringer("signal", sig))
		metrics.ExitSignals.WithLabelValues(sig.String()).Inc()
		t.exiter.ExitSessionDetached(context.Background(), id)
	}
}

// Dispose detaches the lifecycle listeners and, unless a teardown
// signal already covered it, sends the exit for the active session.
// Under a strict harness the first disposal only disarms the guard.
func (t *Tracker) Dispose() {
	t.mu.Lock()
	if t.unsubscribe != nil {
		t.unsubscribe()
		t.unsubscribe = nil
	}

	if t.state.Unloading {
		t.state = State{}
		t.mu.Unlock()
		return
	}

	if t.strict && t.state.SkipNextCleanup {
		t.state.SkipNextCleanup = false
		t.mu.Unlock()
		t.log.Debug("skipping first cleanup under strict harness")
		return
	}

	id := t.state.ActiveID
	exit := id != "" && !t.state.Exited
	t.state = State{}
	t.mu.Unlock()

	if exit {
		t.exitAsync(id, "dispose")
	}
}

// State returns a copy of the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Wait blocks until exits sent on id change or disposal finished, or
// ctx ends.
func (t *Tracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exitAsync sends a best-effort exit on a context that outlives the
// caller. Failures are logged and dropped.
func (t *Tracker) exitAsync(id, path string) {
	metrics.ExitSignals.WithLabelValues(path).Inc()

	t.pending.Add(1)
	go func() {
		defer t.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), t.exitTimeout)
		defer cancel()

		if err := t.exiter.ExitSession(ctx, id); err != nil {
			t.log.Debug("exit signal failed",
				zap.String("session_id", id),
				zap.String("path", path),
				zap.Error(err),
			)
		}
	}()
}
