// Package upgrade implements the firmware-upgrade session core: one session
// per upgrade attempt, a registry mapping caller-chosen identifiers to live
// sessions, and the capability interfaces the native transport and upgrade
// engine are consumed through. The package never touches the wire protocol
// itself; it orchestrates an injected engine and guarantees exactly-once
// completion, de-duplicated progress, and transport release on every
// terminal path.
package upgrade

import (
	"context"
	"strings"
	"time"

	"github.com/fwkit/mcubridge/pkg/image"
)

// Transport is an exclusively-owned connection handle to one target device.
// Release tears the link down synchronously: it returns once the link is
// confirmed closed, and is idempotent.
type Transport interface {
	Release() error
}

// TransportFactory opens transports on demand. Injected into the registry so
// the core is testable without a radio.
type TransportFactory interface {
	// Connect acquires a transport to the device at addr. It fails when no
	// adapter is available or the address cannot be parsed.
	Connect(ctx context.Context, addr string) (Transport, error)
}

// State is the engine's lifecycle vocabulary, normalized to a fixed
// uppercase set.
type State string

const (
	StateNone     State = "NONE"
	StateValidate State = "VALIDATE"
	StateUpload   State = "UPLOAD"
	StateTest     State = "TEST"
	StateReset    State = "RESET"
	StateConfirm  State = "CONFIRM"
	StateSuccess  State = "SUCCESS"
	StateStarted  State = "STARTED"
	StateUnknown  State = "UNKNOWN"
)

// NormalizeState maps an engine-reported state name onto the fixed
// vocabulary; anything unrecognized becomes StateUnknown.
func NormalizeState(s string) State {
	switch State(strings.ToUpper(s)) {
	case StateNone, StateValidate, StateUpload, StateTest,
		StateReset, StateConfirm, StateSuccess, StateStarted:
		return State(strings.ToUpper(s))
	default:
		return StateUnknown
	}
}

// EventType tags an engine event variant.
type EventType int

const (
	EventStarted EventType = iota
	EventStateChanged
	EventProgress
	EventCompleted
	EventFailed
	EventCancelled
)

// EngineEvent is the single tagged-variant type engines report through,
// replacing a per-method callback interface: State is set for
// EventStateChanged (and reflects where a failure happened for EventFailed
// and EventCancelled), BytesSent/TotalSize for EventProgress, Cause for
// EventFailed.
type EngineEvent struct {
	Type      EventType
	State     State
	BytesSent int
	TotalSize int
	Cause     error
}

// EngineConfig is the resolved configuration handed to the engine at start.
type EngineConfig struct {
	Mode              Mode
	EstimatedSwapTime time.Duration
	EraseAppSettings  bool
	// WindowCapacity is the number of in-flight transfer buffers; zero lets
	// the engine pick.
	WindowCapacity int
}

// Engine drives one firmware upgrade against an already-acquired transport.
// Start returns once the upgrade is launched; everything afterwards arrives
// through emit, possibly from a different goroutine than the caller's.
// Engines may deliver more than one terminal event (a cancel racing a
// failure); the session de-duplicates.
type Engine interface {
	Start(images image.Set, cfg EngineConfig, emit func(EngineEvent)) error
	// Cancel requests a cooperative stop. Best-effort: the engine may still
	// complete or fail before honoring it.
	Cancel()
}

// EngineFactory builds an engine bound to a transport. One engine per
// session; never reused.
type EngineFactory interface {
	New(t Transport) Engine
}
