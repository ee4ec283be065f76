// Package ble drives the wallet badge over Bluetooth Low Energy: advertisement
// scanning, the GATT session state machine, and the platform radio boundary.
//
// The radio is asynchronous. Every request on a Link returns immediately and
// its result arrives later on a LinkCallback, possibly on another goroutine,
// possibly twice, possibly never. Scanner and Session are not safe for
// concurrent use: they are owned by a single event loop and hardware
// callbacks are marshalled onto it through a post function.
package ble

import "github.com/google/uuid"

// Device is a discovered badge peripheral.
type Device struct {
	Name    string
	Address string // MAC address, or CoreBluetooth UUID on macOS
	RSSI    int
}

// Advertisement is one scan result as delivered by the platform.
type Advertisement struct {
	Device Device
	// Raw holds the advertisement AD structures, nil when the platform does
	// not expose them.
	Raw []byte
	// HasService is the platform's own decoded service UUID test, nil when
	// unavailable.
	HasService func(uuid.UUID) bool
}

// Characteristic is a GATT characteristic discovered on a link.
type Characteristic interface {
	UUID() uuid.UUID
}

// Service is a discovered GATT service.
type Service struct {
	UUID            uuid.UUID
	Characteristics []Characteristic
}

// LinkCallback receives the results of Link requests.
type LinkCallback interface {
	OnConnectionStateChange(connected bool, err error)
	OnServicesDiscovered(services []Service, err error)
	OnMTUChanged(mtu int, err error)
	OnCharacteristicRead(c Characteristic, value []byte, err error)
	OnCharacteristicWrite(c Characteristic, err error)
	OnCharacteristicChanged(c Characteristic)
	OnDescriptorWrite(c Characteristic, err error)
}

// Link is a GATT client connection to one peripheral.
type Link interface {
	DiscoverServices() error
	RequestMTU(mtu int) error
	ReadCharacteristic(c Characteristic) error
	WriteCharacteristic(c Characteristic, value []byte) error
	// EnableNotifications writes the client characteristic configuration
	// descriptor that turns on value-change notifications.
	EnableNotifications(c Characteristic) error
	Disconnect() error
}

// AttributeCacheInvalidator is implemented by links whose platform caches
// GATT attributes across connections and can drop that cache.
type AttributeCacheInvalidator interface {
	InvalidateAttributeCache() error
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// RawAdvertisements reports whether scan results carry raw AD bytes.
	RawAdvertisements() bool
	// StartScan begins delivering advertisements to handler until StopScan.
	StartScan(handler func(Advertisement)) error
	// StopScan returns once the platform scan has ended, so a following
	// StartScan can begin a new one.
	StopScan() error
	// Connect starts connecting to dev. The outcome is reported through
	// cb.OnConnectionStateChange.
	Connect(dev Device, cb LinkCallback) (Link, error)
}
