// Package bletest provides a scriptable in-memory ble.Transport.
package bletest

import (
	"context"
	"fmt"
	"sync"

	"github.com/chaz8081/bluenet-core/internal/ble"
)

// Call records one Invoke.
type Call struct {
	Address    ble.Address
	Capability ble.Capability
	Args       []byte
}

// Transport is a fake ble.Transport. Hooks left nil succeed immediately.
// All fields may be set before use; counters are read through methods.
type Transport struct {
	// Capabilities returned by Discover for every address.
	Capabilities []ble.Capability

	ConnectFunc    func(ctx context.Context, addr ble.Address) error
	DiscoverFunc   func(ctx context.Context, addr ble.Address) ([]ble.Capability, error)
	InvokeFunc     func(ctx context.Context, addr ble.Address, c ble.Capability, args []byte) ([]byte, error)
	// DisconnectFunc runs after the link is marked gone.
	DisconnectFunc func(addr ble.Address) error
	StartErr       error

	mu           sync.Mutex
	handler      ble.AdvertisementHandler
	scanning     bool
	starts       int
	stops        int
	connects     int
	disconnects  map[ble.Address]int
	connected    map[ble.Address]bool
	calls        []Call
	onDisconnect func(ble.Address)
}

var _ ble.Transport = (*Transport)(nil)

// New returns a fake offering caps on every peripheral.
func New(caps ...ble.Capability) *Transport {
	return &Transport{Capabilities: caps}
}

func (t *Transport) Enable() error { return nil }

func (t *Transport) StartActiveScan(handler ble.AdvertisementHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.StartErr != nil {
		return t.StartErr
	}
	t.handler = handler
	t.scanning = true
	t.starts++
	return nil
}

func (t *Transport) StopActiveScan() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scanning = false
	t.stops++
	return nil
}

// Advertise delivers adv as the radio would. It reports whether the radio
// was scanning; advertisements while stopped are lost, like on air.
func (t *Transport) Advertise(adv ble.Advertisement) bool {
	t.mu.Lock()
	h, scanning := t.handler, t.scanning
	t.mu.Unlock()
	if !scanning || h == nil {
		return false
	}
	h(adv)
	return true
}

// Scanning reports whether active scanning is on.
func (t *Transport) Scanning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scanning
}

// ScanCalls returns the number of StartActiveScan and StopActiveScan calls.
func (t *Transport) ScanCalls() (starts, stops int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.starts, t.stops
}

func (t *Transport) Connect(ctx context.Context, addr ble.Address) error {
	t.mu.Lock()
	t.connects++
	fn := t.ConnectFunc
	t.mu.Unlock()
	if fn != nil {
		if err := fn(ctx, addr); err != nil {
			return err
		}
	}
	t.mu.Lock()
	if t.connected == nil {
		t.connected = make(map[ble.Address]bool)
	}
	t.connected[addr] = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) Discover(ctx context.Context, addr ble.Address) ([]ble.Capability, error) {
	if t.DiscoverFunc != nil {
		return t.DiscoverFunc(ctx, addr)
	}
	return append([]ble.Capability(nil), t.Capabilities...), nil
}

func (t *Transport) Invoke(ctx context.Context, addr ble.Address, c ble.Capability, args []byte) ([]byte, error) {
	t.mu.Lock()
	var cp []byte
	if args != nil {
		cp = append([]byte{}, args...)
	}
	t.calls = append(t.calls, Call{Address: addr, Capability: c, Args: cp})
	connected := t.connected[addr]
	t.mu.Unlock()
	if !connected {
		return nil, fmt.Errorf("%w: %s not connected", ble.ErrTransport, addr)
	}
	if t.InvokeFunc != nil {
		return t.InvokeFunc(ctx, addr, c, args)
	}
	return nil, nil
}

func (t *Transport) Disconnect(addr ble.Address) error {
	t.mu.Lock()
	if t.disconnects == nil {
		t.disconnects = make(map[ble.Address]int)
	}
	t.disconnects[addr]++
	delete(t.connected, addr)
	fn := t.DisconnectFunc
	t.mu.Unlock()
	if fn != nil {
		return fn(addr)
	}
	return nil
}

func (t *Transport) OnDisconnect(cb func(ble.Address)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = cb
}

// DropLink simulates the peripheral going away.
func (t *Transport) DropLink(addr ble.Address) {
	t.mu.Lock()
	delete(t.connected, addr)
	cb := t.onDisconnect
	t.mu.Unlock()
	if cb != nil {
		cb(addr)
	}
}

// Connects returns the number of Connect calls.
func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

// Disconnects returns the number of Disconnect calls for addr.
func (t *Transport) Disconnects(addr ble.Address) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects[addr]
}

// Connected reports whether addr has a live link.
func (t *Transport) Connected(addr ble.Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected[addr]
}

// Calls returns every Invoke so far.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}
