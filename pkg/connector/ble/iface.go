package ble

import (
	"context"
	"strings"
)

// Advertisement describes a peripheral seen while scanning.
type Advertisement struct {
	Address     string
	LocalName   string
	Services    []string
	RSSI        int16
	Connectable bool

	// Native carries the backend's own address value, if it needs one to dial the peripheral.
	Native interface{}
}

// Capabilities is the set of GATT operations a characteristic supports, classified once when the
// characteristic is discovered.
type Capabilities struct {
	Readable   bool
	Writable   bool
	Notifiable bool
}

func (c Capabilities) String() string {
	var names []string
	if c.Readable {
		names = append(names, "read")
	}
	if c.Writable {
		names = append(names, "write")
	}
	if c.Notifiable {
		names = append(names, "notify")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Adapter is the host's BLE central.
type Adapter interface {
	// Scan reports advertisements of peripherals offering any of services until ctx is canceled.
	// Returns nil when the scan ends because ctx was canceled.
	Scan(ctx context.Context, services []string, found func(Advertisement)) error
	Connect(ctx context.Context, adv Advertisement) (Peripheral, error)
	Close() error
}

// Peripheral is a connected BLE device.
type Peripheral interface {
	// Services discovers the device's services, restricted to uuids if non-empty.
	Services(ctx context.Context, uuids []string) ([]Service, error)
	// Disconnected is closed when the peripheral connection drops.
	Disconnected() <-chan struct{}
	Close() error
}

type Service interface {
	UUID() string
	Characteristics(ctx context.Context) ([]Characteristic, error)
}

type Characteristic interface {
	UUID() string
	Capabilities() Capabilities
	// Subscribe enables notifications. The callback runs once per notification payload.
	Subscribe(callback func(buf []byte)) error
	// WriteWithoutResponse writes p without waiting for an acknowledgement.
	WriteWithoutResponse(p []byte) error
	// MTU returns the negotiated ATT MTU.
	MTU() (int, error)
}

// NormalizeUUID lower-cases uuid and strips an optional 0x prefix, so "0x18F0" and "18f0" compare
// equal.
func NormalizeUUID(uuid string) string {
	uuid = strings.ToLower(strings.TrimSpace(uuid))
	return strings.TrimPrefix(uuid, "0x")
}

// expandUUID returns the 128-bit form of a 16- or 32-bit Bluetooth SIG UUID.
func expandUUID(uuid string) string {
	uuid = NormalizeUUID(uuid)
	switch len(uuid) {
	case 4:
		return "0000" + uuid + "-0000-1000-8000-00805f9b34fb"
	case 8:
		return uuid + "-0000-1000-8000-00805f9b34fb"
	}
	return uuid
}

// SameUUID reports whether a and b identify the same service or characteristic.
func SameUUID(a, b string) bool {
	return expandUUID(a) == expandUUID(b)
}
