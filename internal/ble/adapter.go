// Package ble provides the Bluetooth transport for talking to devices
// running an SMP (Simple Management Protocol) server, typically a Zephyr
// firmware with mcumgr enabled. It handles scanning, connection management,
// and the GATT plumbing the upgrade engine writes through.
package ble

import "context"

// SMP service UUIDs as registered by the mcumgr Bluetooth transport.
const (
	SMPServiceUUID = "8d53dc1d-1db7-4cd3-868b-8a527460aa84"
	SMPCharUUID    = "da2e7828-fbce-4e01-ae9e-261174997c48"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral. On macOS the Address field
// holds a CoreBluetooth UUID rather than a MAC address.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// MTU reports the negotiated ATT MTU, or 0 when unknown.
	MTU() int
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID.
	// Returns discovered devices until ctx is cancelled or timeout.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device at the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
