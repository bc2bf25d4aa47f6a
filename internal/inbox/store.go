// Package inbox holds the merged client-side view of the user's
// notifications. It reconciles realtime pushes, REST fetches and local
// optimistic mutations into one unread list, one read list and a badge
// count that always settles to the unread list length.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nhle/notifycenter/internal/gateway"
	"github.com/nhle/notifycenter/internal/metrics"
	"github.com/nhle/notifycenter/internal/model"
)

// maxResyncAttempts bounds how often a resync is repeated because a
// local mutation settled while the fetch was in flight.
const maxResyncAttempts = 3

// ErrResyncContended is returned when every resync attempt overlapped a
// settling mutation. Local state is left untouched.
var ErrResyncContended = errors.New("inbox: resync kept overlapping local mutations")

// Gateway is the subset of the REST gateway the store depends on.
type Gateway interface {
	FetchUnread(ctx context.Context, limit, offset int) ([]model.Notification, error)
	FetchRead(ctx context.Context, limit, offset int) ([]model.Notification, error)
	MarkRead(ctx context.Context, id model.ID) error
	MarkAllRead(ctx context.Context) error
	DeleteOne(ctx context.Context, id model.ID) error
	DeleteAllRead(ctx context.Context) error
	FetchResultModal(ctx context.Context, id model.ID) (json.RawMessage, error)
}

// Trigger names why a resync ran.
type Trigger string

const (
	TriggerStartup   Trigger = "startup"
	TriggerManual    Trigger = "manual"
	TriggerDrift     Trigger = "drift"
	TriggerReconnect Trigger = "reconnect"
	TriggerRecovery  Trigger = "recovery"
)

// Snapshot is an immutable copy of the store's lists.
type Snapshot struct {
	Unread []model.Notification
	Read   []model.Notification
	Badge  int
}

// Store is the single source of merged notification state. It is
// owned by one UI context.
type Store struct {
	gw       Gateway
	pageSize int
	log      *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	unread []model.Notification
	read   []model.Notification
	badge  int

	// tombstones holds locally deleted ids. Pushes for them are ignored
	// until a fetch returns the id again.
	tombstones map[model.ID]struct{}

	// epoch advances when a mutation settles. A resync whose fetch
	// overlapped an epoch change is repeated.
	epoch uint64

	// pending holds the optimistic changes whose gateway call has not
	// settled, keyed by application order. They are re-applied on top of
	// every fetched result, since the fetch may predate the server write.
	pending map[uint64]func()
	nextOp  uint64

	// syncing counts in-flight fetches; pushes received meanwhile are
	// kept in pushed so a fetch that predates them does not erase them.
	syncing int
	pushed  []model.Notification

	synced   bool
	disposed bool

	nextSub int
	subs    map[int]func(Snapshot)

	flight singleflight.Group
}

// NewStore creates an empty store. pageSize is the limit used for list
// fetches; values <= 0 use the gateway default.
func NewStore(gw Gateway, pageSize int, log *zap.Logger) *Store {
	if pageSize <= 0 {
		pageSize = gateway.DefaultPageSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		gw:         gw,
		pageSize:   pageSize,
		log:        log,
		now:        time.Now,
		tombstones: make(map[model.ID]struct{}),
		pending:    make(map[uint64]func()),
		subs:       make(map[int]func(Snapshot)),
	}
}

// PageSize returns the list fetch limit.
func (s *Store) PageSize() int {
	return s.pageSize
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Unread: append([]model.Notification{}, s.unread...),
		Read:   append([]model.Notification{}, s.read...),
		Badge:  s.badge,
	}
}

// Subscribe registers fn to be called after every state change. The
// returned function removes the subscription.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// notify publishes the latest state. It must be called without s.mu.
func (s *Store) notify() {
	s.mu.Lock()
	if s.disposed || len(s.subs) == 0 {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// Dispose detaches all subscribers. Results of calls still in flight
// are discarded.
func (s *Store) Dispose() {
	s.mu.Lock()
	s.disposed = true
	s.subs = make(map[int]func(Snapshot))
	s.mu.Unlock()
}

// Restore seeds the lists from a cached snapshot. It has no effect once
// a resync has succeeded.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	if s.synced || s.disposed {
		s.mu.Unlock()
		return
	}
	s.replaceLocked(snap.Unread, snap.Read)
	s.mu.Unlock()
	s.notify()
}

// Push merges a notification-created event. Events for an id that is
// already known, or was deleted locally, are ignored. It reports
// whether the event was added.
func (s *Store) Push(n model.Notification) bool {
	s.mu.Lock()
	if s.disposed || n.ID == "" {
		s.mu.Unlock()
		return false
	}
	if s.knownLocked(n.ID) {
		s.mu.Unlock()
		metrics.PushEventsDeduplicated.Inc()
		s.log.Debug("ignoring duplicate push", zap.String("id", string(n.ID)))
		return false
	}

	n.Status = model.StatusUnread
	s.unread = append([]model.Notification{n}, s.unread...)
	s.badge++
	if s.syncing > 0 {
		s.pushed = append(s.pushed, n)
	}
	s.mu.Unlock()

	s.notify()
	return true
}

func (s *Store) knownLocked(id model.ID) bool {
	if _, gone := s.tombstones[id]; gone {
		return true
	}
	return indexOf(s.unread, id) >= 0 || indexOf(s.read, id) >= 0
}

// Resync re-fetches both lists and replaces local state wholesale.
// Concurrent calls share one fetch.
func (s *Store) Resync(ctx context.Context, trigger Trigger) error {
	metrics.Resyncs.WithLabelValues(string(trigger)).Inc()
	_, err, _ := s.flight.Do("resync", func() (any, error) {
		return nil, s.resync(ctx)
	})
	return err
}

func (s *Store) resync(ctx context.Context) error {
	// Pushes seen by a discarded attempt still need re-merging.
	var carried []model.Notification

	for attempt := 1; ; attempt++ {
		s.mu.Lock()
		if s.disposed {
			s.mu.Unlock()
			return nil
		}
		epoch := s.epoch
		s.syncing++
		s.mu.Unlock()

		unread, read, err := s.fetchBoth(ctx)

		s.mu.Lock()
		s.syncing--
		carried = append(carried, s.pushed...)
		if s.syncing == 0 {
			s.pushed = nil
		}

		if s.disposed {
			s.mu.Unlock()
			return nil
		}
		if err != nil {
			s.mu.Unlock()
			return err
		}
		if s.epoch != epoch {
			s.mu.Unlock()
			if attempt >= maxResyncAttempts {
				s.log.Warn("giving up on resync overlapped by mutations", zap.Int("attempts", attempt))
				return ErrResyncContended
			}
			s.log.Debug("discarding resync overlapped by a mutation", zap.Int("attempt", attempt))
			continue
		}

		s.replaceLocked(unread, read)
		s.reapplyLocked()
		s.remergeLocked(carried)
		s.synced = true
		s.mu.Unlock()

		s.notify()
		return nil
	}
}

// reapplyLocked replays unsettled optimistic changes over freshly
// installed lists.
func (s *Store) reapplyLocked() {
	if len(s.pending) == 0 {
		return
	}
	ops := make([]uint64, 0, len(s.pending))
	for op := range s.pending {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	for _, op := range ops {
		s.pending[op]()
	}
	s.badge = len(s.unread)
}

func (s *Store) fetchBoth(ctx context.Context) ([]model.Notification, []model.Notification, error) {
	var unread, read []model.Notification

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		unread, err = s.gw.FetchUnread(gctx, s.pageSize, 0)
		return err
	})
	g.Go(func() error {
		var err error
		read, err = s.gw.FetchRead(gctx, s.pageSize, 0)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("resyncing notifications: %w", err)
	}
	return unread, read, nil
}

// replaceLocked installs fetched lists. An id present in both lists is
// kept in read only; duplicates within a list keep the first entry.
// Tombstones for ids the server returned are cleared.
func (s *Store) replaceLocked(unread, read []model.Notification) {
	seen := make(map[model.ID]struct{}, len(unread)+len(read))

	nextRead := make([]model.Notification, 0, len(read))
	for _, n := range read {
		if _, dup := seen[n.ID]; dup || n.ID == "" {
			continue
		}
		seen[n.ID] = struct{}{}
		n.Status = model.StatusRead
		nextRead = append(nextRead, n)
	}

	nextUnread := make([]model.Notification, 0, len(unread))
	for _, n := range unread {
		if _, dup := seen[n.ID]; dup || n.ID == "" {
			continue
		}
		seen[n.ID] = struct{}{}
		n.Status = model.StatusUnread
		nextUnread = append(nextUnread, n)
	}

	for id := range seen {
		delete(s.tombstones, id)
	}

	s.unread = nextUnread
	s.read = nextRead
	s.badge = len(s.unread)
}

// remergeLocked restores pushes that arrived while a fetch was in
// flight and are missing from its result.
func (s *Store) remergeLocked(pushed []model.Notification) {
	for _, n := range pushed {
		if s.knownLocked(n.ID) {
			continue
		}
		s.unread = append([]model.Notification{n}, s.unread...)
	}
	s.badge = len(s.unread)
}

// MarkRead moves id to the read list and tells the server.
func (s *Store) MarkRead(ctx context.Context, id model.ID) error {
	op := s.mutate(func() {
		i := indexOf(s.unread, id)
		if i < 0 {
			return
		}
		n := s.unread[i]
		s.unread = removeAt(s.unread, i)
		n.Status = model.StatusRead
		n.ReadAt = model.Timestamp{Time: s.now()}
		s.read = append([]model.Notification{n}, s.read...)
		s.badge--
	})
	return s.settle(ctx, op, "mark_read", s.gw.MarkRead(ctx, id))
}

// MarkAllRead moves every unread notification to the read list.
func (s *Store) MarkAllRead(ctx context.Context) error {
	op := s.mutate(func() {
		now := model.Timestamp{Time: s.now()}
		moved := make([]model.Notification, 0, len(s.unread)+len(s.read))
		for _, n := range s.unread {
			n.Status = model.StatusRead
			n.ReadAt = now
			moved = append(moved, n)
		}
		s.read = append(moved, s.read...)
		s.unread = nil
		s.badge = 0
	})
	return s.settle(ctx, op, "mark_all_read", s.gw.MarkAllRead(ctx))
}

// DeleteOne removes id from whichever list holds it.
func (s *Store) DeleteOne(ctx context.Context, id model.ID) error {
	op := s.mutate(func() {
		if i := indexOf(s.unread, id); i >= 0 {
			s.unread = removeAt(s.unread, i)
			s.badge--
		}
		if i := indexOf(s.read, id); i >= 0 {
			s.read = removeAt(s.read, i)
		}
		s.tombstones[id] = struct{}{}
	})
	return s.settle(ctx, op, "delete_one", s.gw.DeleteOne(ctx, id))
}

// DeleteAllRead clears the read list.
func (s *Store) DeleteAllRead(ctx context.Context) error {
	op := s.mutate(func() {
		for _, n := range s.read {
			s.tombstones[n.ID] = struct{}{}
		}
		s.read = nil
	})
	return s.settle(ctx, op, "delete_all_read", s.gw.DeleteAllRead(ctx))
}

// mutate applies an optimistic change before the gateway call and
// keeps it pending until settle. apply must tolerate being replayed.
func (s *Store) mutate(apply func()) uint64 {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return 0
	}
	apply()
	s.nextOp++
	op := s.nextOp
	s.pending[op] = apply
	s.mu.Unlock()
	s.notify()
	return op
}

// settle resolves a mutation's gateway result. Definite failures keep
// the optimistic state; transient failures discard it through a full
// resync; auth failures are returned so the caller can log out.
func (s *Store) settle(ctx context.Context, op uint64, action string, err error) error {
	s.mu.Lock()
	delete(s.pending, op)
	s.epoch++
	disposed := s.disposed
	s.mu.Unlock()

	if disposed {
		return nil
	}

	switch {
	case err == nil:
		metrics.Mutations.WithLabelValues(action, "ok").Inc()
		return nil
	case gateway.IsAuthError(err):
		metrics.Mutations.WithLabelValues(action, "unauthenticated").Inc()
		return err
	case gateway.IsDefinite(err):
		metrics.Mutations.WithLabelValues(action, "definite").Inc()
		s.log.Info("keeping local state after definite failure",
			zap.String("action", action),
			zap.Error(err),
		)
		return nil
	case gateway.IsTransient(err):
		metrics.Mutations.WithLabelValues(action, "transient").Inc()
		s.log.Warn("resyncing after transient failure",
			zap.String("action", action),
			zap.Error(err),
		)
		if rerr := s.Resync(ctx, TriggerRecovery); rerr != nil {
			return fmt.Errorf("%s: %w (resync failed: %v)", action, err, rerr)
		}
		return nil
	default:
		metrics.Mutations.WithLabelValues(action, "cancelled").Inc()
		return err
	}
}

func indexOf(list []model.Notification, id model.ID) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func removeAt(list []model.Notification, i int) []model.Notification {
	out := make([]model.Notification, 0, len(list)-1)
	out = append(out, list[:i]...)
	return append(out, list[i+1:]...)
}
