// Package mgmt exposes the single-shot device-management operations outside
// the upgrade session lifecycle: image erase, device reset, bootloader
// introspection, and settings access. Each operation acquires its own
// transport, runs one request, and tears the link down synchronously before
// returning, on success and failure alike.
package mgmt

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fwkit/mcubridge/pkg/mcuerr"
	"github.com/fwkit/mcubridge/pkg/upgrade"
)

// Query selects a bootloader introspection request.
type Query int

const (
	// QueryName asks which bootloader the device runs.
	QueryName Query = iota
	// QueryMode asks for the MCUboot operating mode. Not every device
	// implements it.
	QueryMode
)

// BootloaderMCUboot is the name reported by MCUboot-based devices; only
// those answer the mode query.
const BootloaderMCUboot = "MCUboot"

// InfoResult is one raw bootloader-info response from the device.
type InfoResult struct {
	Bootloader  string
	Mode        *int
	NoDowngrade bool
	BufferCount *uint64
	BufferSize  *uint64
}

// Client is the opaque device-management protocol capability. One client per
// acquired transport; implementations own the request framing.
type Client interface {
	Erase(ctx context.Context) error
	Reset(ctx context.Context) error
	BootloaderInfo(ctx context.Context, q Query) (*InfoResult, error)
	ReadSetting(ctx context.Context, name string) ([]byte, error)
	WriteSetting(ctx context.Context, name string, value []byte) error
}

// ClientFactory builds a management client bound to a transport.
type ClientFactory interface {
	New(t upgrade.Transport) Client
}

// BootloaderInfo is the caller-facing introspection result. Nil pointer
// fields mean the device did not report the value.
type BootloaderInfo struct {
	Bootloader  *string `json:"bootloader"`
	Mode        *int    `json:"mode"`
	NoDowngrade bool    `json:"noDowngrade"`
	BufferCount *uint64 `json:"bufferCount,omitempty"`
	BufferSize  *uint64 `json:"bufferSize,omitempty"`
}

// Manager runs single-shot operations against devices addressed by their
// transport address.
type Manager struct {
	transports upgrade.TransportFactory
	clients    ClientFactory
	log        *slog.Logger
}

// NewManager creates a manager with injected transport and client
// factories. A nil logger falls back to slog.Default().
func NewManager(transports upgrade.TransportFactory, clients ClientFactory, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{transports: transports, clients: clients, log: log}
}

// withClient acquires a transport, runs fn against a client bound to it, and
// releases the transport before returning. The returned error is always
// classified.
func (m *Manager) withClient(ctx context.Context, addr string, fn func(Client) error) error {
	transport, err := m.transports.Connect(ctx, addr)
	if err != nil {
		return mcuerr.Wrap(mcuerr.KindTransportUnavailable,
			fmt.Sprintf("connecting to %s", addr), err)
	}

	opErr := fn(m.clients.New(transport))

	if err := transport.Release(); err != nil {
		m.log.Warn("[MGMT] transport release failed", "device", addr, "error", err)
	}

	if opErr != nil {
		return mcuerr.Classify(opErr)
	}
	return nil
}

// EraseImage erases the device's inactive image slot.
func (m *Manager) EraseImage(ctx context.Context, addr string) error {
	return m.withClient(ctx, addr, func(c Client) error {
		return c.Erase(ctx)
	})
}

// ResetDevice reboots the device.
func (m *Manager) ResetDevice(ctx context.Context, addr string) error {
	return m.withClient(ctx, addr, func(c Client) error {
		return c.Reset(ctx)
	})
}

// BootloaderInfo queries the bootloader name and, for MCUboot devices, the
// operating mode. A device lacking the mode query yields a nil Mode and
// NoDowngrade false instead of failing.
func (m *Manager) BootloaderInfo(ctx context.Context, addr string) (*BootloaderInfo, error) {
	info := &BootloaderInfo{}
	err := m.withClient(ctx, addr, func(c Client) error {
		name, err := c.BootloaderInfo(ctx, QueryName)
		if err != nil {
			return err
		}
		if name.Bootloader != "" {
			b := name.Bootloader
			info.Bootloader = &b
		}

		if name.Bootloader != BootloaderMCUboot {
			// Non-MCUboot bootloaders report whatever they carry in the
			// name response; there is no mode query to issue.
			info.Mode = name.Mode
			info.NoDowngrade = name.NoDowngrade
			return nil
		}

		mode, err := c.BootloaderInfo(ctx, QueryMode)
		if err != nil {
			if errors.Is(err, mcuerr.ErrNotSupported) ||
				mcuerr.IsKind(err, mcuerr.KindUnsupportedDevice) {
				info.Mode = nil
				info.NoDowngrade = false
				return nil
			}
			return err
		}
		info.Mode = mode.Mode
		info.NoDowngrade = mode.NoDowngrade
		info.BufferCount = mode.BufferCount
		info.BufferSize = mode.BufferSize
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// ReadSetting reads a device setting and returns its value base64-encoded.
func (m *Manager) ReadSetting(ctx context.Context, addr, name string) (string, error) {
	var encoded string
	err := m.withClient(ctx, addr, func(c Client) error {
		raw, err := c.ReadSetting(ctx, name)
		if err != nil {
			return err
		}
		encoded = base64.StdEncoding.EncodeToString(raw)
		return nil
	})
	if err != nil {
		return "", err
	}
	return encoded, nil
}

// WriteSetting writes a base64-encoded value to a device setting.
func (m *Manager) WriteSetting(ctx context.Context, addr, name, valueB64 string) error {
	value, err := base64.StdEncoding.DecodeString(valueB64)
	if err != nil {
		return mcuerr.Wrap(mcuerr.KindUnclassified, "decoding setting value", err)
	}
	return m.withClient(ctx, addr, func(c Client) error {
		return c.WriteSetting(ctx, name, value)
	})
}
