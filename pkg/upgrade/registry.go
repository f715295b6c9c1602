package upgrade

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fwkit/mcubridge/pkg/event"
	"github.com/fwkit/mcubridge/pkg/mcuerr"
)

// Registry maps caller-chosen session identifiers to live sessions. It is
// the only structure in the package mutated by multiple external callers;
// a single mutex guards insert, lookup, and remove.
type Registry struct {
	transports TransportFactory
	engines    EngineFactory
	router     *event.Router
	log        *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a registry with injected transport and engine
// factories. A nil logger falls back to slog.Default().
func NewRegistry(transports TransportFactory, engines EngineFactory, router *event.Router, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		transports: transports,
		engines:    engines,
		router:     router,
		log:        log,
		sessions:   make(map[string]*Session),
	}
}

// Create registers a new session under id. The transport is acquired eagerly
// here so run carries no connection-setup latency; no upgrade traffic flows
// until Run. Fails with DUPLICATE_SESSION when id is already live and
// TRANSPORT_UNAVAILABLE when the device link cannot be opened.
func (r *Registry) Create(ctx context.Context, id, deviceAddr, imageRef string, opts Options) error {
	r.mu.Lock()
	_, dup := r.sessions[id]
	r.mu.Unlock()
	if dup {
		return mcuerr.Newf(mcuerr.KindDuplicateSession, "session %q already exists", id)
	}

	transport, err := r.transports.Connect(ctx, deviceAddr)
	if err != nil {
		return mcuerr.Wrap(mcuerr.KindTransportUnavailable,
			fmt.Sprintf("connecting to %s", deviceAddr), err)
	}

	s := newSession(id, deviceAddr, imageRef, opts, transport, r.engines.New(transport), r.router, r.log)

	r.mu.Lock()
	if _, dup := r.sessions[id]; dup {
		// Lost a create/create race for the same id while connecting; the
		// winner's session stays untouched.
		r.mu.Unlock()
		s.releaseTransport()
		return mcuerr.Newf(mcuerr.KindDuplicateSession, "session %q already exists", id)
	}
	r.sessions[id] = s
	r.mu.Unlock()

	r.log.Info("[REGISTRY] session created", "id", id, "device", deviceAddr)
	return nil
}

// Run starts the identified session's upgrade and returns its one-shot
// result channel. Fails with SESSION_NOT_FOUND for unknown ids.
func (r *Registry) Run(id string) (<-chan error, error) {
	s := r.lookup(id)
	if s == nil {
		return nil, mcuerr.Newf(mcuerr.KindSessionNotFound, "session %q not present", id)
	}
	return s.Run(), nil
}

// Cancel cancels the identified session. Unknown ids are a logged no-op;
// UI teardown is expected to race destroy.
func (r *Registry) Cancel(id string) {
	s := r.lookup(id)
	if s == nil {
		r.log.Warn("[REGISTRY] cancel for unknown session", "id", id)
		return
	}
	s.Cancel()
}

// Destroy cancels the session (idempotent) and removes it from the mapping.
// This is the only path that frees a session; it is the mandatory pair of
// every Create. Unknown ids are a logged no-op.
func (r *Registry) Destroy(id string) {
	s := r.lookup(id)
	if s == nil {
		r.log.Warn("[REGISTRY] destroy for unknown session", "id", id)
		return
	}

	s.Cancel()

	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()

	r.log.Info("[REGISTRY] session destroyed", "id", id)
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) lookup(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}
