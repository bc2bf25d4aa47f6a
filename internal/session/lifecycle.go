package session

import "sync"

// Signal is a host lifecycle event delivered to the tracker.
type Signal int

const (
	// BeforeUnload fires when the host is about to terminate.
	BeforeUnload Signal = iota + 1
	// PageHide fires when the view is being hidden for teardown.
	PageHide
	// VisibilityHidden fires when the view loses visibility.
	VisibilityHidden
	// VisibilityVisible fires when the view becomes visible again.
	VisibilityVisible
)

func (s Signal) String() string {
	switch s {
	case BeforeUnload:
		return "beforeunload"
	case PageHide:
		return "pagehide"
	case VisibilityHidden:
		return "visibility_hidden"
	case VisibilityVisible:
		return "visibility_visible"
	default:
		return "unknown"
	}
}

// Teardown reports whether the signal means the view may not come back.
func (s Signal) Teardown() bool {
	return s == BeforeUnload || s == PageHide || s == VisibilityHidden
}

// LifecycleSource delivers lifecycle signals to subscribers. The
// returned function detaches the listener and is safe to call twice.
type LifecycleSource interface {
	Subscribe(fn func(Signal)) (unsubscribe func())
}

// Broadcaster is an in-process LifecycleSource. The terminal UI emits
// focus and quit events into it.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Signal)
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]func(Signal))}
}

// Subscribe registers fn for every subsequent Emit.
func (b *Broadcaster) Subscribe(fn func(Signal)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Emit delivers sig to every current subscriber. Subscribers run
// outside the lock so they may unsubscribe from within the callback.
func (b *Broadcaster) Emit(sig Signal) {
	b.mu.Lock()
	fns := make([]func(Signal), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(sig)
	}
}

// Listeners returns the number of attached subscribers.
func (b *Broadcaster) Listeners() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
