// Package sim provides in-memory stand-ins for the BLE transport, the
// upgrade engine, and the management client, so the CLI and integration
// tests can run a full upgrade without a device on the bench.
package sim

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fwkit/mcubridge/pkg/image"
	"github.com/fwkit/mcubridge/pkg/mgmt"
	"github.com/fwkit/mcubridge/pkg/upgrade"
)

// chunkSize is how many firmware bytes one simulated transfer step moves.
const chunkSize = 4096

// TransportFactory hands out no-op transports.
type TransportFactory struct{}

func (TransportFactory) Connect(_ context.Context, addr string) (upgrade.Transport, error) {
	return &transport{addr: addr}, nil
}

var _ upgrade.TransportFactory = TransportFactory{}

type transport struct {
	addr     string
	released atomic.Bool
}

func (t *transport) Release() error {
	t.released.Store(true)
	return nil
}

// EngineFactory builds simulated engines. StepDelay throttles the walk so a
// CLI run shows progress at a human pace; zero runs flat out.
type EngineFactory struct {
	StepDelay time.Duration
}

func (f EngineFactory) New(_ upgrade.Transport) upgrade.Engine {
	return &Engine{stepDelay: f.StepDelay, cancelled: make(chan struct{})}
}

var _ upgrade.EngineFactory = EngineFactory{}

// Engine walks the full MCUboot upgrade sequence against nothing at all:
// validate, upload with byte progress, then the mode-dependent tail.
type Engine struct {
	stepDelay time.Duration

	cancelOnce sync.Once
	cancelled  chan struct{}
}

var _ upgrade.Engine = (*Engine)(nil)

func (e *Engine) Start(images image.Set, cfg upgrade.EngineConfig, emit func(upgrade.EngineEvent)) error {
	go e.run(images, cfg, emit)
	return nil
}

func (e *Engine) Cancel() {
	e.cancelOnce.Do(func() { close(e.cancelled) })
}

// step sleeps one step delay unless cancelled first.
func (e *Engine) step() bool {
	if e.stepDelay <= 0 {
		select {
		case <-e.cancelled:
			return false
		default:
			return true
		}
	}
	select {
	case <-e.cancelled:
		return false
	case <-time.After(e.stepDelay):
		return true
	}
}

func (e *Engine) run(images image.Set, cfg upgrade.EngineConfig, emit func(upgrade.EngineEvent)) {
	emit(upgrade.EngineEvent{Type: upgrade.EventStarted})

	states := []upgrade.State{upgrade.StateValidate, upgrade.StateUpload}
	total := images.TotalSize()

	for _, st := range states {
		if !e.step() {
			emit(upgrade.EngineEvent{Type: upgrade.EventCancelled, State: st})
			return
		}
		emit(upgrade.EngineEvent{Type: upgrade.EventStateChanged, State: st})

		if st != upgrade.StateUpload {
			continue
		}
		for sent := 0; sent < total; {
			if !e.step() {
				emit(upgrade.EngineEvent{Type: upgrade.EventCancelled, State: st})
				return
			}
			sent += chunkSize
			if sent > total {
				sent = total
			}
			emit(upgrade.EngineEvent{Type: upgrade.EventProgress, BytesSent: sent, TotalSize: total})
		}
	}

	for _, st := range tailStates(cfg.Mode) {
		if !e.step() {
			emit(upgrade.EngineEvent{Type: upgrade.EventCancelled, State: st})
			return
		}
		emit(upgrade.EngineEvent{Type: upgrade.EventStateChanged, State: st})
	}

	emit(upgrade.EngineEvent{Type: upgrade.EventStateChanged, State: upgrade.StateSuccess})
	emit(upgrade.EngineEvent{Type: upgrade.EventCompleted})
}

// tailStates is the post-upload walk for each upgrade mode, matching what
// MCUboot does on a real device.
func tailStates(mode upgrade.Mode) []upgrade.State {
	switch mode {
	case upgrade.ModeConfirmOnly:
		return []upgrade.State{upgrade.StateConfirm, upgrade.StateReset}
	case upgrade.ModeTestOnly:
		return []upgrade.State{upgrade.StateTest, upgrade.StateReset}
	case upgrade.ModeUploadOnly:
		return nil
	default: // test-and-confirm
		return []upgrade.State{upgrade.StateTest, upgrade.StateReset, upgrade.StateConfirm}
	}
}

// ClientFactory hands out management clients sharing one settings store, so
// a write in one session is visible to a read in the next.
type ClientFactory struct {
	mu       sync.Mutex
	settings map[string][]byte
}

func NewClientFactory() *ClientFactory {
	return &ClientFactory{settings: make(map[string][]byte)}
}

func (f *ClientFactory) New(_ upgrade.Transport) mgmt.Client {
	return &client{factory: f}
}

var _ mgmt.ClientFactory = (*ClientFactory)(nil)

// client emulates an MCUboot device in swap-using-scratch mode.
type client struct {
	factory *ClientFactory
}

func (c *client) Erase(context.Context) error { return nil }

func (c *client) Reset(context.Context) error { return nil }

func (c *client) BootloaderInfo(_ context.Context, q mgmt.Query) (*mgmt.InfoResult, error) {
	res := &mgmt.InfoResult{Bootloader: mgmt.BootloaderMCUboot}
	if q == mgmt.QueryMode {
		mode := 1 // swap-using-scratch
		res.Mode = &mode
	}
	return res, nil
}

func (c *client) ReadSetting(_ context.Context, name string) ([]byte, error) {
	c.factory.mu.Lock()
	defer c.factory.mu.Unlock()
	val, ok := c.factory.settings[name]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), val...), nil
}

func (c *client) WriteSetting(_ context.Context, name string, value []byte) error {
	c.factory.mu.Lock()
	defer c.factory.mu.Unlock()
	c.factory.settings[name] = append([]byte(nil), value...)
	return nil
}
