package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/bluenet-core/internal/events"
)

// readBack lists capabilities that answer a write with a value to read.
var readBack = map[Capability]bool{
	CapConfigRead: true,
	CapSetupKey:   true,
}

// crownstoneServiceData are the 16-bit service data UUIDs Classify knows.
var crownstoneServiceData = []uint16{
	crownstonePlugServiceData,
	crownstoneBuiltinServiceData,
	guidestoneServiceData,
}

// TinyGoTransport wraps tinygo-org/bluetooth. On macOS addresses are
// CoreBluetooth UUIDs rather than MAC addresses; ParseAddress accepts both.
type TinyGoTransport struct {
	adapter *bluetooth.Adapter
	bus     *events.Bus
	logger  *slog.Logger

	// mu protects links and onDisconnect.
	mu           sync.Mutex
	links        map[Address]*tinyGoLink
	onDisconnect func(Address)

	scanMu   sync.Mutex
	scanning bool
}

type tinyGoLink struct {
	device *bluetooth.Device
	chars  map[Capability]bluetooth.DeviceCharacteristic
	// closing marks a disconnect we asked for, so the adapter callback
	// does not report it as a dropped link.
	closing bool
}

// NewTinyGoTransport creates a transport over the default adapter. bus may be
// nil; when set, adapter power changes are published on it.
func NewTinyGoTransport(bus *events.Bus, logger *slog.Logger) *TinyGoTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &TinyGoTransport{
		adapter: bluetooth.DefaultAdapter,
		bus:     bus,
		logger:  logger.With("component", "ble"),
		links:   make(map[Address]*tinyGoLink),
	}
}

// Compile-time check that TinyGoTransport implements Transport.
var _ Transport = (*TinyGoTransport)(nil)

func (t *TinyGoTransport) Enable() error {
	if err := t.adapter.Enable(); err != nil {
		t.bus.Publish(AdapterStateChanged{Enabled: false})
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	// tinygo fires this with connected=false when a peripheral goes away,
	// both for links we closed and links that dropped.
	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr, err := ParseAddress(device.Address.String())
		if err != nil {
			return
		}
		t.mu.Lock()
		link, ok := t.links[addr]
		if ok {
			delete(t.links, addr)
		}
		cb := t.onDisconnect
		t.mu.Unlock()
		if ok && !link.closing && cb != nil {
			t.logger.Warn("[BLE] link dropped", "address", addr)
			cb(addr)
		}
	})

	t.bus.Publish(AdapterStateChanged{Enabled: true})
	return nil
}

func (t *TinyGoTransport) StartActiveScan(handler AdvertisementHandler) error {
	t.scanMu.Lock()
	if t.scanning {
		t.scanMu.Unlock()
		return nil
	}
	t.scanning = true
	t.scanMu.Unlock()

	started := make(chan error, 1)
	go func() {
		// Scan blocks until StopScan.
		err := t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			addr, err := ParseAddress(result.Address.String())
			if err != nil {
				return
			}
			handler(Advertisement{
				Address: addr,
				Name:    result.LocalName(),
				RSSI:    int(result.RSSI),
				Kind:    classifyResult(result),
				At:      time.Now(),
			})
		})
		t.scanMu.Lock()
		t.scanning = false
		t.scanMu.Unlock()
		select {
		case started <- err:
		default:
		}
		if err != nil {
			t.logger.Warn("[BLE] scan ended", "error", err)
		}
	}()

	// A scan that fails to start returns at once; one that runs does not.
	select {
	case err := <-started:
		if err != nil {
			return fmt.Errorf("ble: scan: %w", err)
		}
	case <-time.After(50 * time.Millisecond):
	}
	return nil
}

func (t *TinyGoTransport) StopActiveScan() error {
	t.scanMu.Lock()
	scanning := t.scanning
	t.scanMu.Unlock()
	if !scanning {
		return nil
	}
	if err := t.adapter.StopScan(); err != nil {
		return fmt.Errorf("ble: stop scan: %w", err)
	}
	return nil
}

func (t *TinyGoTransport) Connect(ctx context.Context, addr Address) error {
	var target bluetooth.Address
	target.Set(addr.String())

	// tinygo's Connect blocks with its own timeout; also honour ctx.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := t.adapter.Connect(target, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// A connect that completes after ctx ends is disconnected.
		go func() {
			if late := <-ch; late.err == nil {
				t.logger.Warn("[BLE] releasing late connection", "address", addr)
				_ = late.device.Disconnect()
			}
		}()
		return fmt.Errorf("ble: connect to %s: %w", addr, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return fmt.Errorf("ble: connect to %s: %w", addr, result.err)
		}
		t.mu.Lock()
		t.links[addr] = &tinyGoLink{device: &result.device}
		t.mu.Unlock()
		return nil
	}
}

func (t *TinyGoTransport) Discover(ctx context.Context, addr Address) ([]Capability, error) {
	link, err := t.link(addr)
	if err != nil {
		return nil, err
	}

	type discoverResult struct {
		chars map[Capability]bluetooth.DeviceCharacteristic
		err   error
	}
	ch := make(chan discoverResult, 1)
	go func() {
		chars, err := discoverCharacteristics(link.device)
		ch <- discoverResult{chars, err}
	}()

	var result discoverResult
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: discover %s: %w", addr, ctx.Err())
	case result = <-ch:
	}
	if result.err != nil {
		return nil, fmt.Errorf("ble: discover %s: %w", addr, result.err)
	}

	t.mu.Lock()
	link.chars = result.chars
	t.mu.Unlock()

	caps := make([]Capability, 0, len(result.chars))
	for c := range result.chars {
		caps = append(caps, c)
	}
	return caps, nil
}

func discoverCharacteristics(device *bluetooth.Device) (map[Capability]bluetooth.DeviceCharacteristic, error) {
	svcs, err := device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}
	chars := make(map[Capability]bluetooth.DeviceCharacteristic)
	for _, svc := range svcs {
		found, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("discover characteristics of %s: %w", svc.UUID().String(), err)
		}
		for _, c := range found {
			if capability, ok := CapabilityForUUID(strings.ToLower(c.UUID().String())); ok {
				chars[capability] = c
			}
		}
	}
	return chars, nil
}

func (t *TinyGoTransport) Invoke(ctx context.Context, addr Address, c Capability, args []byte) ([]byte, error) {
	link, err := t.link(addr)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	char, ok := link.chars[c]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCapabilityNotFound, c)
	}

	type invokeResult struct {
		data []byte
		err  error
	}
	ch := make(chan invokeResult, 1)
	go func() {
		data, err := invokeCharacteristic(char, args, args == nil || readBack[c])
		ch <- invokeResult{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: invoke %s on %s: %w", c, addr, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: invoke %s on %s: %w", c, addr, result.err)
		}
		return result.data, nil
	}
}

func invokeCharacteristic(char bluetooth.DeviceCharacteristic, args []byte, read bool) ([]byte, error) {
	if args != nil {
		// Write with response is only available on darwin and windows.
		if _, err := char.WriteWithoutResponse(args); err != nil {
			return nil, fmt.Errorf("write: %w", err)
		}
	}
	if !read {
		return nil, nil
	}
	buf := make([]byte, 512)
	n, err := char.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return buf[:n], nil
}

func (t *TinyGoTransport) Disconnect(addr Address) error {
	t.mu.Lock()
	link, ok := t.links[addr]
	if ok {
		link.closing = true
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	if err := link.device.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", addr, err)
	}
	t.mu.Lock()
	delete(t.links, addr)
	t.mu.Unlock()
	return nil
}

func (t *TinyGoTransport) OnDisconnect(cb func(Address)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = cb
}

func (t *TinyGoTransport) link(addr Address) (*tinyGoLink, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	link, ok := t.links[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s not connected", ErrTransport, addr)
	}
	return link, nil
}

func classifyResult(result bluetooth.ScanResult) Kind {
	var services []ServiceData
	for _, el := range result.ServiceData() {
		for _, known := range crownstoneServiceData {
			if el.UUID == bluetooth.New16BitUUID(known) {
				services = append(services, ServiceData{UUID: known, Data: el.Data})
			}
		}
	}
	var manufacturer []ManufacturerData
	for _, el := range result.ManufacturerData() {
		manufacturer = append(manufacturer, ManufacturerData{CompanyID: el.CompanyID, Data: el.Data})
	}
	return Classify(services, manufacturer)
}
