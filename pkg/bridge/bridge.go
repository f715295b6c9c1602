// Package bridge is the caller-facing surface of the module: it binds the
// session registry, the event router, and the single-shot management
// operations into one API an application layer talks to. Callbacks
// registered at create time receive only their own session's events.
package bridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/fwkit/mcubridge/pkg/event"
	"github.com/fwkit/mcubridge/pkg/mgmt"
	"github.com/fwkit/mcubridge/pkg/upgrade"
)

// ProgressFunc receives de-duplicated progress percentages for one session.
type ProgressFunc func(id string, percent int)

// StateFunc receives normalized engine state names for one session.
type StateFunc func(id string, state string)

// Bridge wires the upgrade core to an application layer.
type Bridge struct {
	registry *upgrade.Registry
	router   *event.Router
	mgmt     *mgmt.Manager
	log      *slog.Logger

	mu   sync.Mutex
	subs map[string][]*event.Subscription
}

// New builds a bridge from the injected platform capabilities. A nil logger
// falls back to slog.Default().
func New(transports upgrade.TransportFactory, engines upgrade.EngineFactory, clients mgmt.ClientFactory, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	router := event.NewRouter()
	return &Bridge{
		registry: upgrade.NewRegistry(transports, engines, router, log),
		router:   router,
		mgmt:     mgmt.NewManager(transports, clients, log),
		log:      log,
		subs:     make(map[string][]*event.Subscription),
	}
}

// NewSessionID generates a fresh session identifier for callers that do not
// pick their own.
func NewSessionID() string {
	return uuid.NewString()
}

// CreateUpgrade registers a new upgrade session under id and binds the
// callbacks to it. No upgrade traffic flows until RunUpgrade; the device
// transport is acquired here. Every successful CreateUpgrade must be paired
// with a DestroyUpgrade or the session and its transport leak.
func (b *Bridge) CreateUpgrade(ctx context.Context, id, deviceAddr, imageRef string, opts upgrade.Options, onProgress ProgressFunc, onState StateFunc) error {
	if err := b.registry.Create(ctx, id, deviceAddr, imageRef, opts); err != nil {
		return err
	}

	var subs []*event.Subscription
	if onProgress != nil {
		subs = append(subs, b.router.Subscribe(id, event.KindProgress, func(ev event.Event) {
			onProgress(ev.ID, ev.Progress)
		}))
	}
	if onState != nil {
		subs = append(subs, b.router.Subscribe(id, event.KindState, func(ev event.Event) {
			onState(ev.ID, ev.State)
		}))
	}

	b.mu.Lock()
	b.subs[id] = subs
	b.mu.Unlock()
	return nil
}

// RunUpgrade starts the session's upgrade and blocks until its single
// terminal outcome: nil on success, a classified error otherwise. A
// cancelled ctx cancels the upgrade and returns its terminal result.
func (b *Bridge) RunUpgrade(ctx context.Context, id string) error {
	ch, err := b.registry.Run(id)
	if err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		b.registry.Cancel(id)
		return <-ch
	}
}

// CancelUpgrade cancels the session. Unknown ids are a logged no-op.
func (b *Bridge) CancelUpgrade(id string) {
	b.registry.Cancel(id)
}

// DestroyUpgrade cancels the session if needed, frees its resources, and
// detaches its callbacks. Unknown ids are a no-op. Mandatory after every
// CreateUpgrade.
func (b *Bridge) DestroyUpgrade(id string) {
	b.registry.Destroy(id)

	b.mu.Lock()
	subs := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// EraseImage erases the inactive image slot on the device.
func (b *Bridge) EraseImage(ctx context.Context, deviceAddr string) error {
	return b.mgmt.EraseImage(ctx, deviceAddr)
}

// ResetDevice reboots the device.
func (b *Bridge) ResetDevice(ctx context.Context, deviceAddr string) error {
	return b.mgmt.ResetDevice(ctx, deviceAddr)
}

// BootloaderInfo queries the device's bootloader name and MCUboot mode.
func (b *Bridge) BootloaderInfo(ctx context.Context, deviceAddr string) (*mgmt.BootloaderInfo, error) {
	return b.mgmt.BootloaderInfo(ctx, deviceAddr)
}

// ReadSetting reads a device setting, returning the value base64-encoded.
func (b *Bridge) ReadSetting(ctx context.Context, deviceAddr, name string) (string, error) {
	return b.mgmt.ReadSetting(ctx, deviceAddr, name)
}

// WriteSetting writes a base64-encoded value to a device setting.
func (b *Bridge) WriteSetting(ctx context.Context, deviceAddr, name, valueB64 string) error {
	return b.mgmt.WriteSetting(ctx, deviceAddr, name, valueB64)
}
