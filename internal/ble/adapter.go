// Package ble holds the radio-facing side of bluenet: the Transport
// interface the rest of the core talks to, peripheral addresses, advertisement
// classification, and the error kinds shared by every layer above it.
package ble

import (
	"context"
	"time"
)

// Crownstone GATT UUIDs.
const (
	ServiceUUID      = "24f00000-7d10-4805-bfc1-7663a01c3bff"
	SetupServiceUUID = "24f10000-7d10-4805-bfc1-7663a01c3bff"

	ControlCharUUID      = "24f00001-7d10-4805-bfc1-7663a01c3bff"
	ConfigControlUUID    = "24f00004-7d10-4805-bfc1-7663a01c3bff"
	ConfigReadCharUUID   = "24f00005-7d10-4805-bfc1-7663a01c3bff"
	SessionNonceCharUUID = "24f00008-7d10-4805-bfc1-7663a01c3bff"
	RelayCharUUID        = "24f0000a-7d10-4805-bfc1-7663a01c3bff"
	PWMCharUUID          = "24f0000b-7d10-4805-bfc1-7663a01c3bff"

	SetupControlCharUUID = "24f10001-7d10-4805-bfc1-7663a01c3bff"
	SetupKeyCharUUID     = "24f10003-7d10-4805-bfc1-7663a01c3bff"
)

// Capability names a remote function a connected peripheral exposes.
// The set a device offers is only known after discovery.
type Capability string

const (
	CapControl      Capability = "control"
	CapConfig       Capability = "config"
	CapConfigRead   Capability = "config-read"
	CapSessionNonce Capability = "session-nonce"
	CapRelay        Capability = "relay"
	CapPWM          Capability = "pwm"
	CapSetupControl Capability = "setup-control"
	CapSetupKey     Capability = "setup-key"
)

// capabilityUUIDs maps characteristic UUIDs to the capability they provide.
var capabilityUUIDs = map[string]Capability{
	ControlCharUUID:      CapControl,
	ConfigControlUUID:    CapConfig,
	ConfigReadCharUUID:   CapConfigRead,
	SessionNonceCharUUID: CapSessionNonce,
	RelayCharUUID:        CapRelay,
	PWMCharUUID:          CapPWM,
	SetupControlCharUUID: CapSetupControl,
	SetupKeyCharUUID:     CapSetupKey,
}

// CapabilityForUUID returns the capability backed by a characteristic UUID.
func CapabilityForUUID(uuid string) (Capability, bool) {
	c, ok := capabilityUUIDs[uuid]
	return c, ok
}

// Advertisement is one received broadcast from a peripheral.
type Advertisement struct {
	Address Address
	Name    string
	RSSI    int
	Kind    Kind
	At      time.Time
}

// AdvertisementHandler receives advertisements while the radio is scanning.
// It is called from the radio's own goroutine.
type AdvertisementHandler func(Advertisement)

// Radio is the scanning half of a Transport.
type Radio interface {
	// StartActiveScan begins active scanning and delivers every
	// advertisement to handler until StopActiveScan is called.
	StartActiveScan(handler AdvertisementHandler) error
	// StopActiveScan halts scanning. Stopping an idle radio is not an error.
	StopActiveScan() error
}

// Transport abstracts the Bluetooth radio and OS stack for testing.
// Implementations must honour ctx on every blocking call; callers still
// bound each call themselves because radios are known to hang.
type Transport interface {
	Radio

	// Enable powers on the adapter.
	Enable() error
	// Connect establishes a link to the peripheral.
	Connect(ctx context.Context, addr Address) error
	// Discover enumerates the remote capabilities of a connected peripheral.
	Discover(ctx context.Context, addr Address) ([]Capability, error)
	// Invoke runs a remote function. A nil args reads; otherwise args is
	// written and, for request/response capabilities, the reply returned.
	Invoke(ctx context.Context, addr Address, c Capability, args []byte) ([]byte, error)
	// Disconnect terminates the link. Disconnecting an unknown address is a no-op.
	Disconnect(addr Address) error
	// OnDisconnect registers a callback invoked when a link drops without
	// being asked to.
	OnDisconnect(callback func(addr Address))
}
