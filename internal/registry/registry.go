// Package registry keeps per-peripheral discovery state: smoothed signal
// strength, estimated distance, last sighting, and classification. It hands
// out copies ranked strongest first.
package registry

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/chaz8081/bluenet-core/internal/ble"
)

// ErrNotFound is returned by Get for an address never seen.
var ErrNotFound = errors.New("registry: device not found")

// minDistance floors the path-loss estimate; closer than this the model is noise.
const minDistance = 0.1

// Device is the discovery state of one peripheral.
type Device struct {
	Address  ble.Address
	Name     string
	Kind     ble.Kind
	RSSI     int     // latest raw reading, dBm
	Smoothed float64 // exponentially smoothed RSSI, dBm
	Distance float64 // metres, derived from Smoothed
	LastSeen time.Time
	Samples  int
}

// DisplayName returns the advertised name or "[unnamed]".
func (d Device) DisplayName() string {
	if d.Name == "" {
		return "[unnamed]"
	}
	return d.Name
}

// Options tunes smoothing and distance estimation.
type Options struct {
	// Alpha is the weight of a new reading, in (0, 1).
	Alpha float64
	// MeasuredPower is the calibrated RSSI at one metre, dBm.
	MeasuredPower float64
	// PathLossExponent is the environment factor n, typically 2..4.
	PathLossExponent float64
}

// Validate checks the options are usable.
func (o Options) Validate() error {
	if !(o.Alpha > 0 && o.Alpha < 1) {
		return fmt.Errorf("registry: alpha must be in (0,1), got %v", o.Alpha)
	}
	if o.MeasuredPower >= 0 {
		return fmt.Errorf("registry: measured power must be negative dBm, got %v", o.MeasuredPower)
	}
	if o.PathLossExponent <= 0 {
		return fmt.Errorf("registry: path loss exponent must be > 0, got %v", o.PathLossExponent)
	}
	return nil
}

// Registry is a thread-safe store of discovered devices. Entries are only
// removed by Clear or Prune.
type Registry struct {
	opts Options

	mu      sync.RWMutex
	devices map[ble.Address]*Device
}

// New creates an empty Registry.
func New(opts Options) (*Registry, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		opts:    opts,
		devices: make(map[ble.Address]*Device),
	}, nil
}

// Update records one advertisement and returns the resulting device state.
// The first reading seeds the smoothed value; later ones are blended in
// with weight Alpha. Names and kinds are only overwritten by known values.
func (r *Registry) Update(address string, rssi int, name string, kind ble.Kind, at time.Time) (Device, error) {
	addr, err := ble.ParseAddress(address)
	if err != nil {
		return Device{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[addr]
	if !ok {
		d = &Device{Address: addr, Smoothed: float64(rssi)}
		r.devices[addr] = d
	} else {
		d.Smoothed = d.Smoothed*(1-r.opts.Alpha) + float64(rssi)*r.opts.Alpha
	}
	d.RSSI = rssi
	d.Distance = Distance(d.Smoothed, r.opts.MeasuredPower, r.opts.PathLossExponent)
	if at.After(d.LastSeen) {
		d.LastSeen = at
	}
	d.Samples++
	if name != "" {
		d.Name = name
	}
	if kind != ble.KindUnknown {
		d.Kind = kind
	}
	return *d, nil
}

// Get returns a copy of the device at address.
func (r *Registry) Get(address string) (Device, error) {
	addr, err := ble.ParseAddress(address)
	if err != nil {
		return Device{}, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[addr]
	if !ok {
		return Device{}, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	return *d, nil
}

// RankedSnapshot returns copies of all devices, strongest smoothed signal
// first. Ties go to the most recently seen, then to the lower address.
func (r *Registry) RankedSnapshot() []Device {
	r.mu.RLock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Smoothed != b.Smoothed {
			return a.Smoothed > b.Smoothed
		}
		if !a.LastSeen.Equal(b.LastSeen) {
			return a.LastSeen.After(b.LastSeen)
		}
		return a.Address < b.Address
	})
	return out
}

// Closest returns the top-ranked device.
func (r *Registry) Closest() (Device, bool) {
	ranked := r.RankedSnapshot()
	if len(ranked) == 0 {
		return Device{}, false
	}
	return ranked[0], true
}

// Len returns the number of tracked devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Clear drops every entry, including smoothing history.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = make(map[ble.Address]*Device)
}

// Prune removes devices last seen before cutoff and returns how many went.
func (r *Registry) Prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for addr, d := range r.devices {
		if d.LastSeen.Before(cutoff) {
			delete(r.devices, addr)
			n++
		}
	}
	return n
}

// Distance estimates metres from RSSI using the log-distance path loss model
// d = 10^((measuredPower - rssi) / (10 * n)). It is non-increasing in rssi
// and never below minDistance.
func Distance(rssi, measuredPower, pathLossExp float64) float64 {
	d := math.Pow(10, (measuredPower-rssi)/(10*pathLossExp))
	if math.IsNaN(d) || d < minDistance {
		return minDistance
	}
	return d
}
