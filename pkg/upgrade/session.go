package upgrade

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fwkit/mcubridge/pkg/event"
	"github.com/fwkit/mcubridge/pkg/image"
	"github.com/fwkit/mcubridge/pkg/mcuerr"
)

// SessionState is the session's own lifecycle, distinct from the engine's
// step vocabulary. The three right-hand states are terminal and mutually
// exclusive; the first terminal write wins.
type SessionState int

const (
	SessionCreated SessionState = iota
	SessionRunning
	SessionSucceeded
	SessionFailed
	SessionCancelled
)

func (s SessionState) String() string {
	switch s {
	case SessionCreated:
		return "created"
	case SessionRunning:
		return "running"
	case SessionSucceeded:
		return "succeeded"
	case SessionFailed:
		return "failed"
	case SessionCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// progressUnset is the out-of-range sentinel so a genuine 0% still gets
// forwarded once.
const progressUnset = -1

// Session owns one upgrade attempt: the transport and engine handles, the
// one-shot result, and the last forwarded progress value. Engine events can
// arrive on any goroutine; caller-initiated cancel can race them freely.
type Session struct {
	id        string
	device    string
	imageRef  string
	opts      Options
	transport Transport
	engine    Engine
	router    *event.Router
	log       *slog.Logger

	releaseOnce sync.Once

	// terminal is the exactly-once guard: whichever of completed, failed,
	// cancelled, or caller-forced-reject flips it first determines the
	// outcome; every later terminal attempt is ignored.
	terminal atomic.Bool

	mu           sync.Mutex
	state        SessionState
	lastProgress int

	// result carries the single terminal outcome: nil for success, a
	// classified error otherwise. Buffered so the terminal writer never
	// blocks on an absent reader.
	result chan error
}

func newSession(id, device, imageRef string, opts Options, transport Transport, engine Engine, router *event.Router, log *slog.Logger) *Session {
	return &Session{
		id:           id,
		device:       device,
		imageRef:     imageRef,
		opts:         opts,
		transport:    transport,
		engine:       engine,
		router:       router,
		log:          log,
		state:        SessionCreated,
		lastProgress: progressUnset,
		result:       make(chan error, 1),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run launches the upgrade and returns the channel that delivers the single
// terminal outcome. It returns immediately; image resolution and engine
// startup proceed in the background. A second Run on the same session does
// not touch the first caller's pending result: it gets its own channel
// carrying a SESSION_ALREADY_RUNNING rejection.
func (s *Session) Run() <-chan error {
	s.mu.Lock()
	if s.state != SessionCreated {
		st := s.state
		s.mu.Unlock()
		ch := make(chan error, 1)
		ch <- mcuerr.Newf(mcuerr.KindSessionAlreadyRunning,
			"session %q already %s", s.id, st)
		return ch
	}
	s.state = SessionRunning
	s.mu.Unlock()

	go s.start()
	return s.result
}

// start resolves the image set and hands off to the engine. Any failure here
// is terminal and releases the transport without the engine ever starting.
func (s *Session) start() {
	images, err := image.Resolve(s.imageRef, s.opts.FileType)
	if err != nil {
		s.releaseTransport()
		s.finish(SessionFailed, mcuerr.Classify(err))
		return
	}

	// A cancel may have landed while the image resolved; do not start the
	// engine into a dead session.
	if s.terminal.Load() {
		return
	}

	s.log.Info("[UPGRADE] starting engine",
		"id", s.id, "device", s.device, "images", len(images), "bytes", images.TotalSize())

	if err := s.engine.Start(images, s.opts.engineConfig(), s.handleEngineEvent); err != nil {
		s.releaseTransport()
		s.finish(SessionFailed, mcuerr.Classify(err))
	}
}

// handleEngineEvent is the single dispatch point for every engine callback.
// Terminal variants release the transport before resolving; non-terminal
// variants are dropped once a terminal state has been written.
func (s *Session) handleEngineEvent(ev EngineEvent) {
	switch ev.Type {
	case EventStarted:
		s.publishState(StateStarted)
	case EventStateChanged:
		s.publishState(NormalizeState(string(ev.State)))
	case EventProgress:
		s.publishProgress(ev.BytesSent, ev.TotalSize)
	case EventCompleted:
		s.releaseTransport()
		s.finish(SessionSucceeded, nil)
	case EventFailed:
		s.releaseTransport()
		s.finish(SessionFailed, mcuerr.Classify(ev.Cause))
	case EventCancelled:
		s.releaseTransport()
		s.finish(SessionCancelled, mcuerr.New(mcuerr.KindCancelled, "upgrade cancelled"))
	default:
		s.log.Warn("[UPGRADE] dropping unknown engine event", "id", s.id, "type", int(ev.Type))
	}
}

// publishState forwards a state event unless the session is already
// terminal.
func (s *Session) publishState(state State) {
	if s.terminal.Load() {
		return
	}
	s.router.PublishState(s.id, string(state))
}

// publishProgress computes the integer percentage and forwards it only when
// it differs from the previously forwarded value.
func (s *Session) publishProgress(bytesSent, totalSize int) {
	if s.terminal.Load() {
		return
	}

	percent := 0
	if totalSize > 0 {
		percent = bytesSent * 100 / totalSize
	}

	s.mu.Lock()
	if percent == s.lastProgress {
		s.mu.Unlock()
		return
	}
	s.lastProgress = percent
	s.mu.Unlock()

	s.router.PublishProgress(s.id, percent)
}

// Cancel requests a cooperative stop: ask the engine to cancel, release the
// transport, and reject the pending result if no terminal outcome has won
// yet. Safe from any goroutine, in any state, any number of times.
func (s *Session) Cancel() {
	s.mu.Lock()
	running := s.state == SessionRunning
	s.mu.Unlock()

	if running {
		s.engine.Cancel()
	}
	s.releaseTransport()
	s.finish(SessionCancelled, mcuerr.New(mcuerr.KindCancelled, "upgrade cancelled"))
}

// finish writes the terminal state exactly once. Losers of the race return
// without effect, which is what resolves an engine completion racing a
// caller cancel: first write wins.
func (s *Session) finish(state SessionState, err error) {
	if !s.terminal.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("[UPGRADE] session finished", "id", s.id, "state", state.String(), "error", err)
		s.result <- err
		return
	}
	s.log.Info("[UPGRADE] session finished", "id", s.id, "state", state.String())
	s.result <- nil
}

// releaseTransport closes the device link once; later calls are no-ops so
// destroy-after-terminal never double-releases.
func (s *Session) releaseTransport() {
	s.releaseOnce.Do(func() {
		if err := s.transport.Release(); err != nil {
			s.log.Warn("[UPGRADE] transport release failed", "id", s.id, "error", err)
		}
	})
}
