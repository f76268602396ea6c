package session

import (
	"context"
	"fmt"

	"github.com/chaz8081/bluenet-core/internal/ble"
	"github.com/chaz8081/bluenet-core/internal/ble/crypto"
	"github.com/chaz8081/bluenet-core/internal/ble/protocol"
)

// MaxPWM is the full-on dimmer value.
const MaxPWM = 100

// SetRelay switches the relay on or off.
type SetRelay struct {
	On bool
}

// RelayOn and RelayOff are the two SetRelay commands.
var (
	RelayOn  = SetRelay{On: true}
	RelayOff = SetRelay{On: false}
)

func (c SetRelay) Name() string {
	if c.On {
		return "relay-on"
	}
	return "relay-off"
}

func (c SetRelay) Run(ctx context.Context, inv Invoker) (struct{}, error) {
	_, err := inv.Invoke(ctx, ble.CapRelay, []byte{relayByte(c.On)})
	return struct{}{}, err
}

// ReadRelay returns whether the relay is closed.
type ReadRelay struct{}

func (ReadRelay) Name() string { return "read-relay" }

func (ReadRelay) Run(ctx context.Context, inv Invoker) (bool, error) {
	return readRelay(ctx, inv)
}

// ToggleRelay reads the relay and writes the opposite state. It returns
// the new state.
type ToggleRelay struct{}

func (ToggleRelay) Name() string { return "toggle-relay" }

func (ToggleRelay) Run(ctx context.Context, inv Invoker) (bool, error) {
	on, err := readRelay(ctx, inv)
	if err != nil {
		return false, err
	}
	if _, err := inv.Invoke(ctx, ble.CapRelay, []byte{relayByte(!on)}); err != nil {
		return on, err
	}
	return !on, nil
}

func readRelay(ctx context.Context, inv Invoker) (bool, error) {
	b, err := inv.Invoke(ctx, ble.CapRelay, nil)
	if err != nil {
		return false, err
	}
	if len(b) != 1 {
		return false, fmt.Errorf("relay state: %w: %d bytes", protocol.ErrMalformed, len(b))
	}
	return b[0] != 0, nil
}

func relayByte(on bool) byte {
	if on {
		return 1
	}
	return 0
}

// ReadPWM returns the dimmer level, 0..MaxPWM.
type ReadPWM struct{}

func (ReadPWM) Name() string { return "read-pwm" }

func (ReadPWM) Run(ctx context.Context, inv Invoker) (uint8, error) {
	b, err := inv.Invoke(ctx, ble.CapPWM, nil)
	if err != nil {
		return 0, err
	}
	if len(b) != 1 {
		return 0, fmt.Errorf("pwm: %w: %d bytes", protocol.ErrMalformed, len(b))
	}
	return b[0], nil
}

// WritePWM sets the dimmer level.
type WritePWM struct {
	Value uint8
}

func (WritePWM) Name() string { return "write-pwm" }

func (c WritePWM) Run(ctx context.Context, inv Invoker) (struct{}, error) {
	if c.Value > MaxPWM {
		return struct{}{}, fmt.Errorf("pwm value %d out of range 0..%d", c.Value, MaxPWM)
	}
	_, err := inv.Invoke(ctx, ble.CapPWM, []byte{c.Value})
	return struct{}{}, err
}

// Control sends a raw control packet.
type Control struct {
	Type    protocol.ControlType
	Payload []byte
}

func (c Control) Name() string { return fmt.Sprintf("control-%d", c.Type) }

func (c Control) Run(ctx context.Context, inv Invoker) (struct{}, error) {
	buf, err := protocol.Control(c.Type, c.Payload)
	if err != nil {
		return struct{}{}, err
	}
	_, err = inv.Invoke(ctx, controlCapability(inv), buf)
	return struct{}{}, err
}

// FactoryReset wipes the peripheral back to setup mode.
type FactoryReset struct{}

func (FactoryReset) Name() string { return "factory-reset" }

func (FactoryReset) Run(ctx context.Context, inv Invoker) (struct{}, error) {
	return Control{
		Type:    protocol.ControlFactoryReset,
		Payload: protocol.Uint32(protocol.FactoryResetCode),
	}.Run(ctx, inv)
}

// WriteConfig writes one configuration entry.
type WriteConfig struct {
	Type  protocol.ConfigType
	Value []byte
}

func (c WriteConfig) Name() string { return fmt.Sprintf("write-config-%d", c.Type) }

func (c WriteConfig) Run(ctx context.Context, inv Invoker) (struct{}, error) {
	buf, err := protocol.ConfigWrite(c.Type, c.Value)
	if err != nil {
		return struct{}{}, err
	}
	_, err = inv.Invoke(ctx, ble.CapConfig, buf)
	return struct{}{}, err
}

// ReadConfig selects a configuration entry and reads its value back.
type ReadConfig struct {
	Type protocol.ConfigType
}

func (c ReadConfig) Name() string { return fmt.Sprintf("read-config-%d", c.Type) }

func (c ReadConfig) Run(ctx context.Context, inv Invoker) ([]byte, error) {
	if !inv.Has(ble.CapConfigRead) {
		return nil, fmt.Errorf("%w: %s", ble.ErrCapabilityNotFound, ble.CapConfigRead)
	}
	if _, err := inv.Invoke(ctx, ble.CapConfig, protocol.ConfigSelect(c.Type)); err != nil {
		return nil, err
	}
	data, err := inv.Invoke(ctx, ble.CapConfigRead, nil)
	if err != nil {
		return nil, err
	}
	return protocol.ConfigValue(c.Type, data)
}

// ExchangeSetupKey runs ECDH with a peripheral in setup mode and returns the
// channel for the rest of setup. The exchange itself is in the clear.
type ExchangeSetupKey struct{}

func (ExchangeSetupKey) Name() string { return "exchange-setup-key" }

func (ExchangeSetupKey) Run(ctx context.Context, inv Invoker) (*crypto.Channel, error) {
	hs, err := crypto.NewHandshake()
	if err != nil {
		return nil, err
	}
	reply, err := inv.Invoke(ctx, ble.CapSetupKey, hs.PublicKey())
	if err != nil {
		return nil, err
	}
	ch, err := hs.Channel(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ble.ErrEncryptionSetupFailed, err)
	}
	return ch, nil
}

// controlCapability prefers the setup control characteristic when the
// peripheral is in setup mode.
func controlCapability(inv Invoker) ble.Capability {
	if inv.Has(ble.CapSetupControl) {
		return ble.CapSetupControl
	}
	return ble.CapControl
}
