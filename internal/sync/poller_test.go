package sync

import (
	"context"
	"errors"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nhle/notifycenter/internal/gateway"
	"github.com/nhle/notifycenter/internal/inbox"
	"github.com/nhle/notifycenter/internal/model"
)

type fakeCounter struct {
	count atomic.Int32
	err   error
}

func (c *fakeCounter) FetchUnreadCount(context.Context) (int, error) {
	return int(c.count.Load()), c.err
}

type fakeInbox struct {
	mu       gosync.Mutex
	unread   int
	pageSize int
	triggers []inbox.Trigger
	err      error
}

func (f *fakeInbox) Snapshot() inbox.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := make([]model.Notification, f.unread)
	return inbox.Snapshot{Unread: list, Badge: f.unread}
}

func (f *fakeInbox) PageSize() int { return f.pageSize }

func (f *fakeInbox) Resync(_ context.Context, trigger inbox.Trigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, trigger)
	return f.err
}

type fakeLive bool

func (l fakeLive) Connected() bool { return bool(l) }

func nextResult(t *testing.T, p *Poller) SyncResultMsg {
	t.Helper()
	done := make(chan SyncResultMsg, 1)
	go func() {
		if msg, ok := p.WaitForNextResult()().(SyncResultMsg); ok {
			done <- msg
		}
	}()
	select {
	case msg := <-done:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no sync result")
		return SyncResultMsg{}
	}
}

func TestPoller_StartupResync(t *testing.T) {
	in := &fakeInbox{pageSize: 50}
	p := New(&fakeCounter{}, in, fakeLive(true), time.Hour, zaptest.NewLogger(t))

	require.NotNil(t, p.Start())
	defer p.Stop()

	msg := nextResult(t, p)
	assert.True(t, msg.Resynced)
	assert.Equal(t, inbox.TriggerStartup, msg.Trigger)
	assert.Equal(t, SyncIdle, p.Status().State)
}

func TestPoller_Check(t *testing.T) {
	tests := []struct {
		name      string
		server    int
		local     int
		pageSize  int
		connected bool
		want      inbox.Trigger
	}{
		{name: "in agreement", server: 3, local: 3, pageSize: 50, connected: true},
		{name: "drift", server: 4, local: 3, pageSize: 50, connected: true, want: inbox.TriggerDrift},
		{name: "server lower", server: 1, local: 3, pageSize: 50, connected: true, want: inbox.TriggerDrift},
		{name: "truncated list", server: 80, local: 50, pageSize: 50, connected: true},
		{name: "disconnected", server: 3, local: 3, pageSize: 50, want: inbox.TriggerReconnect},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter := &fakeCounter{}
			counter.count.Store(int32(tt.server))
			in := &fakeInbox{unread: tt.local, pageSize: tt.pageSize}
			p := New(counter, in, fakeLive(tt.connected), time.Hour, zaptest.NewLogger(t))

			p.check()
			msg := nextResult(t, p)

			assert.Equal(t, tt.server, msg.ServerCount)
			assert.Equal(t, tt.want, msg.Trigger)
			assert.Equal(t, tt.want != "", msg.Resynced)
			if tt.want == "" {
				assert.Empty(t, in.triggers)
			} else {
				assert.Equal(t, []inbox.Trigger{tt.want}, in.triggers)
			}
		})
	}
}

func TestPoller_AuthErrorIsReported(t *testing.T) {
	counter := &fakeCounter{err: &gateway.AuthError{Message: "no token"}}
	p := New(counter, &fakeInbox{pageSize: 50}, fakeLive(true), time.Hour, zaptest.NewLogger(t))

	p.check()
	msg := nextResult(t, p)

	require.NotNil(t, msg.AuthError)
	assert.Equal(t, SyncError, p.Status().State)
}

func TestPoller_ResyncFailureIsReported(t *testing.T) {
	boom := errors.New("boom")
	p := New(&fakeCounter{}, &fakeInbox{pageSize: 50, err: boom}, nil, time.Hour, zaptest.NewLogger(t))

	p.resync(inbox.TriggerManual)
	msg := nextResult(t, p)

	assert.ErrorIs(t, msg.Error, boom)
	assert.Nil(t, msg.AuthError)
	assert.Equal(t, SyncError, p.Status().State)
}

func TestPoller_RefreshNowAndTicks(t *testing.T) {
	in := &fakeInbox{pageSize: 50}
	counter := &fakeCounter{}
	counter.count.Store(2)
	p := New(counter, in, fakeLive(true), 20*time.Millisecond, zaptest.NewLogger(t))

	p.Start()
	defer p.Stop()
	assert.Equal(t, inbox.TriggerStartup, nextResult(t, p).Trigger)

	p.RefreshNow(inbox.TriggerManual)

	// Ticks keep reporting drift (2 on the server, 0 locally) until the
	// manual resync shows up.
	assert.Eventually(t, func() bool {
		in.mu.Lock()
		defer in.mu.Unlock()
		for _, tr := range in.triggers {
			if tr == inbox.TriggerManual {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoller_StopIsIdempotent(t *testing.T) {
	p := New(&fakeCounter{}, &fakeInbox{pageSize: 50}, nil, time.Hour, nil)
	p.Stop()

	p.Start()
	p.Stop()
	p.Stop()
	assert.Nil(t, p.Start(), "a stopped poller is not restarted")
}
