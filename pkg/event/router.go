// Package event routes progress and state notifications from upgrade sessions
// to interested listeners. A subscription is bound to one session identifier
// and one event kind; events for other sessions never reach it.
package event

import (
	"sync"
	"sync/atomic"
)

// Kind distinguishes the two notification streams a session emits.
type Kind string

const (
	KindProgress Kind = "progress"
	KindState    Kind = "state"
)

// Event is one notification, tagged with the session it belongs to.
// Progress is set for KindProgress events, State for KindState events.
type Event struct {
	ID       string
	Kind     Kind
	Progress int
	State    string
}

// Handler receives events. Handlers are invoked synchronously on the
// publisher's goroutine, so within one session events arrive in the order
// they were published.
type Handler func(Event)

// Subscription is the handle returned by Subscribe. Unsubscribe is safe to
// call while events for the same session are in flight on another goroutine:
// no new deliveries start after it returns, but a delivery already dispatched
// is not interrupted.
type Subscription struct {
	router  *Router
	id      uint64
	removed atomic.Bool
}

// Unsubscribe removes the subscription. Idempotent.
func (s *Subscription) Unsubscribe() {
	if s == nil || !s.removed.CompareAndSwap(false, true) {
		return
	}
	s.router.mu.Lock()
	delete(s.router.subs, s.id)
	s.router.mu.Unlock()
}

type subscriber struct {
	sessionID string
	kind      Kind
	handler   Handler
	handle    *Subscription
}

// Router is a concurrency-safe publish/subscribe hub keyed by session
// identifier. The zero value is not usable; use NewRouter.
type Router struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscriber
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers handler for events of the given kind on the given
// session. The handler sees no events for other sessions.
func (r *Router) Subscribe(sessionID string, kind Kind, handler Handler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	handle := &Subscription{router: r, id: r.nextID}
	r.subs[r.nextID] = &subscriber{
		sessionID: sessionID,
		kind:      kind,
		handler:   handler,
		handle:    handle,
	}
	return handle
}

// Publish delivers ev to every matching subscription. Delivery is synchronous,
// so a single publishing goroutine observes FIFO order per session. No order
// is guaranteed across sessions published from different goroutines.
func (r *Router) Publish(ev Event) {
	r.mu.Lock()
	matched := make([]*subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		if s.sessionID == ev.ID && s.kind == ev.Kind {
			matched = append(matched, s)
		}
	}
	r.mu.Unlock()

	for _, s := range matched {
		// Re-check removal right before the call so an Unsubscribe that
		// completed since the snapshot suppresses the delivery.
		if s.handle.removed.Load() {
			continue
		}
		s.handler(ev)
	}
}

// PublishProgress is a convenience wrapper for progress events.
func (r *Router) PublishProgress(sessionID string, percent int) {
	r.Publish(Event{ID: sessionID, Kind: KindProgress, Progress: percent})
}

// PublishState is a convenience wrapper for state events.
func (r *Router) PublishState(sessionID, state string) {
	r.Publish(Event{ID: sessionID, Kind: KindState, State: state})
}
