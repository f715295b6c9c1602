package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fwkit/mcubridge/pkg/mcuerr"
	"github.com/fwkit/mcubridge/pkg/upgrade"
)

// minMTU is the smallest ATT MTU an SMP exchange can work with. Anything
// below it cannot carry an SMP header plus payload.
const minMTU = 23

// Factory hands out SMP transports over BLE connections. It implements
// upgrade.TransportFactory; the adapter is enabled lazily on the first
// connect and the result is sticky.
type Factory struct {
	adapter Adapter
	log     *slog.Logger

	enableOnce sync.Once
	enableErr  error
}

// NewFactory wraps a BLE adapter. A nil logger falls back to slog.Default().
func NewFactory(adapter Adapter, log *slog.Logger) *Factory {
	if log == nil {
		log = slog.Default()
	}
	return &Factory{adapter: adapter, log: log}
}

var _ upgrade.TransportFactory = (*Factory)(nil)

func (f *Factory) enable() error {
	f.enableOnce.Do(func() {
		f.enableErr = f.adapter.Enable()
	})
	return f.enableErr
}

// Scan discovers peripherals advertising the SMP service.
func (f *Factory) Scan(ctx context.Context) ([]Device, error) {
	if err := f.enable(); err != nil {
		return nil, mcuerr.Wrap(mcuerr.KindBluetoothDisabled, "enabling adapter", err)
	}
	return f.adapter.Scan(ctx, SMPServiceUUID)
}

// Connect acquires a connection to the device at address and resolves its
// SMP characteristic. The returned transport owns the connection until
// Release.
func (f *Factory) Connect(ctx context.Context, address string) (upgrade.Transport, error) {
	if err := f.enable(); err != nil {
		return nil, mcuerr.Wrap(mcuerr.KindBluetoothDisabled, "enabling adapter", err)
	}

	conn, err := f.adapter.Connect(ctx, address)
	if err != nil {
		return nil, mcuerr.Classify(err)
	}

	char, err := conn.DiscoverCharacteristic(SMPServiceUUID, SMPCharUUID)
	if err != nil {
		if derr := conn.Disconnect(); derr != nil {
			f.log.Warn("[BLE] disconnect after failed discovery", "device", address, "error", derr)
		}
		return nil, mcuerr.Wrap(mcuerr.KindUnsupportedDevice,
			fmt.Sprintf("device %s does not expose the SMP service", address), err)
	}

	if mtu := conn.MTU(); mtu > 0 && mtu < minMTU {
		if derr := conn.Disconnect(); derr != nil {
			f.log.Warn("[BLE] disconnect after MTU check", "device", address, "error", derr)
		}
		return nil, mcuerr.Newf(mcuerr.KindInsufficientMTU,
			"device %s negotiated MTU %d, need at least %d", address, mtu, minMTU)
	}

	f.log.Info("[BLE] transport acquired", "device", address, "mtu", conn.MTU())
	return &Transport{address: address, conn: conn, char: char, log: f.log}, nil
}

// Transport is one acquired SMP link. Release is idempotent; the first call
// disconnects and every later call returns the same result.
type Transport struct {
	address string
	conn    Connection
	char    Characteristic
	log     *slog.Logger

	releaseOnce sync.Once
	releaseErr  error
}

var _ upgrade.Transport = (*Transport)(nil)

// Address returns the peripheral address this transport is bound to.
func (t *Transport) Address() string { return t.address }

// MTU reports the negotiated ATT MTU, or 0 when unknown.
func (t *Transport) MTU() int { return t.conn.MTU() }

// Write sends one SMP frame to the device.
func (t *Transport) Write(data []byte) error {
	return t.char.Write(data)
}

// Subscribe registers the callback receiving SMP response frames.
func (t *Transport) Subscribe(cb func([]byte)) error {
	return t.char.Subscribe(cb)
}

// OnDisconnect registers a callback fired when the link drops underneath us.
func (t *Transport) OnDisconnect(cb func()) {
	t.conn.OnDisconnect(cb)
}

// Release tears the connection down synchronously. When it returns, the
// peripheral is free for the next transport.
func (t *Transport) Release() error {
	t.releaseOnce.Do(func() {
		t.releaseErr = t.conn.Disconnect()
		if t.releaseErr != nil {
			t.log.Warn("[BLE] release failed", "device", t.address, "error", t.releaseErr)
		} else {
			t.log.Info("[BLE] transport released", "device", t.address)
		}
	})
	return t.releaseErr
}
