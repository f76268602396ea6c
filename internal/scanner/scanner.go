// Package scanner drives interval scanning: the radio scans actively for a
// while, pauses to save power, and scans again until stopped. Advertisements
// received while scanning are folded into a registry.Registry and announced
// on the event bus at full rate; throttling is left to consumers.
package scanner

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/bluenet-core/internal/ble"
	"github.com/chaz8081/bluenet-core/internal/events"
	"github.com/chaz8081/bluenet-core/internal/registry"
)

// ErrInvalidCycle is returned by Start for non-positive durations.
var ErrInvalidCycle = errors.New("scanner: scan and pause durations must be positive")

// Phase is the scanner state.
type Phase int

const (
	Idle Phase = iota
	Scanning
	Paused
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Paused:
		return "paused"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Cycle is one scan window followed by one pause.
type Cycle struct {
	Scan  time.Duration
	Pause time.Duration
}

// PhaseChanged is published on every transition. Devices carries the ranked
// snapshot when a scan window ends.
type PhaseChanged struct {
	Phase   Phase
	Devices []registry.Device
}

func (PhaseChanged) Topic() events.Topic { return events.TopicScanPhase }

// DeviceUpdated is published for every accepted advertisement.
type DeviceUpdated struct {
	Device registry.Device
}

func (DeviceUpdated) Topic() events.Topic { return events.TopicDeviceUpdated }

// Options configures a Scanner.
type Options struct {
	// StaleAfter prunes devices not seen for this long at the end of every
	// scan window. Zero keeps every device until the registry is cleared.
	StaleAfter time.Duration
}

type timer interface {
	Stop() bool
}

// Scanner is the interval scan state machine. All methods are safe for
// concurrent use; advertisement handling and phase changes are serialised
// so registry updates happen strictly in arrival order.
type Scanner struct {
	radio    ble.Radio
	registry *registry.Registry
	bus      *events.Bus
	logger   *slog.Logger
	opts     Options

	now       func() time.Time
	afterFunc func(time.Duration, func()) timer

	mu         sync.Mutex
	phase      Phase
	cycle      Cycle
	filter     ble.Filter
	gen        uint64
	timer      timer
	adapterOff bool

	// radioMu orders radio calls so a stale phase change never overrides a newer one.
	radioMu sync.Mutex
}

// New creates an idle Scanner feeding reg. bus and logger may be nil.
func New(radio ble.Radio, reg *registry.Registry, bus *events.Bus, opts Options, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		radio:    radio,
		registry: reg,
		bus:      bus,
		logger:   logger.With("component", "scanner"),
		opts:     opts,
		now:      time.Now,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
}

// Phase returns the current phase.
func (s *Scanner) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Start begins interval scanning with the given cycle, forwarding only
// advertisements that pass filter.
func (s *Scanner) Start(cycle Cycle, filter ble.Filter) error {
	if cycle.Scan <= 0 || cycle.Pause <= 0 {
		return ErrInvalidCycle
	}

	s.mu.Lock()
	if s.phase != Idle {
		s.mu.Unlock()
		return fmt.Errorf("scanner: %w", ble.ErrAlreadyRunning)
	}
	s.cycle = cycle
	s.filter = filter
	gen := s.enterLocked(Scanning)
	s.mu.Unlock()

	if err := s.applyRadio(gen, true); err != nil {
		s.mu.Lock()
		if s.gen == gen {
			s.enterLocked(Idle)
		}
		s.mu.Unlock()
		return fmt.Errorf("scanner: start radio: %w", err)
	}
	s.logger.Info("[SCAN] started", "scan", cycle.Scan, "pause", cycle.Pause, "filter", filter)
	return nil
}

// Stop returns the scanner to Idle and stops the radio. Stopping an idle
// scanner is a no-op.
func (s *Scanner) Stop() error {
	s.mu.Lock()
	if s.phase == Idle {
		s.mu.Unlock()
		return nil
	}
	gen := s.enterLocked(Idle)
	s.mu.Unlock()

	if err := s.applyRadio(gen, false); err != nil {
		return fmt.Errorf("scanner: stop radio: %w", err)
	}
	s.logger.Info("[SCAN] stopped")
	return nil
}

// SetAdapterEnabled tells the scanner whether the Bluetooth adapter is
// powered. While it is off the scanner keeps cycling but leaves the radio
// alone and ignores advertisements.
func (s *Scanner) SetAdapterEnabled(enabled bool) {
	s.mu.Lock()
	if s.adapterOff == !enabled {
		s.mu.Unlock()
		return
	}
	s.adapterOff = !enabled
	gen, scanning := s.gen, s.phase == Scanning
	s.mu.Unlock()

	s.logger.Info("[SCAN] adapter state changed", "enabled", enabled)
	if enabled && scanning {
		if err := s.applyRadio(gen, true); err != nil {
			s.logger.Warn("[SCAN] failed to resume radio", "error", err)
		}
	}
}

// HandleAdvertisement processes one received advertisement. It is the
// ble.AdvertisementHandler given to the radio. Advertisements outside a scan
// window or rejected by the filter are dropped without error.
func (s *Scanner) HandleAdvertisement(adv ble.Advertisement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != Scanning || s.adapterOff || !s.filter.Allows(adv.Kind) {
		return nil
	}
	at := adv.At
	if at.IsZero() {
		at = s.now()
	}
	d, err := s.registry.Update(adv.Address.String(), adv.RSSI, adv.Name, adv.Kind, at)
	if err != nil {
		s.logger.Debug("[SCAN] dropped advertisement", "address", adv.Address, "error", err)
		return err
	}
	s.bus.Publish(DeviceUpdated{Device: d})
	return nil
}

// OnAdvertisementReceived is HandleAdvertisement for callers holding raw fields.
func (s *Scanner) OnAdvertisementReceived(address string, rssi int, name string, kind ble.Kind) error {
	return s.HandleAdvertisement(ble.Advertisement{
		Address: ble.Address(address),
		Name:    name,
		RSSI:    rssi,
		Kind:    kind,
	})
}

// enterLocked switches phase, invalidates any pending timer, arms the next
// one, and publishes the change. Caller holds mu.
func (s *Scanner) enterLocked(p Phase) uint64 {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.phase = p

	var ev PhaseChanged
	ev.Phase = p
	switch p {
	case Scanning:
		s.timer = s.arm(s.gen, s.cycle.Scan)
	case Paused:
		if s.opts.StaleAfter > 0 {
			if n := s.registry.Prune(s.now().Add(-s.opts.StaleAfter)); n > 0 {
				s.logger.Debug("[SCAN] pruned stale devices", "count", n)
			}
		}
		ev.Devices = s.registry.RankedSnapshot()
		s.timer = s.arm(s.gen, s.cycle.Pause)
	}
	s.bus.Publish(ev)
	return s.gen
}

func (s *Scanner) arm(gen uint64, d time.Duration) timer {
	return s.afterFunc(d, func() { s.expire(gen) })
}

// expire runs when a phase timer fires. A timer whose generation was
// superseded by Stop or another transition does nothing.
func (s *Scanner) expire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	var scanning bool
	switch s.phase {
	case Scanning:
		gen = s.enterLocked(Paused)
	case Paused:
		gen = s.enterLocked(Scanning)
		scanning = true
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.applyRadio(gen, scanning); err != nil {
		s.logger.Warn("[SCAN] radio phase change failed", "scanning", scanning, "error", err)
	}
}

// applyRadio starts or stops active scanning if gen is still current.
func (s *Scanner) applyRadio(gen uint64, scanning bool) error {
	s.radioMu.Lock()
	defer s.radioMu.Unlock()

	s.mu.Lock()
	current, off := s.gen, s.adapterOff
	s.mu.Unlock()
	if current != gen {
		return nil
	}
	if scanning {
		if off {
			return nil
		}
		return s.radio.StartActiveScan(func(adv ble.Advertisement) {
			_ = s.HandleAdvertisement(adv)
		})
	}
	return s.radio.StopActiveScan()
}
