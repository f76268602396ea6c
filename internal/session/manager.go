package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/bluenet-core/internal/ble"
	"github.com/chaz8081/bluenet-core/internal/events"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Session Options

	// BreakerFailures consecutive connect failures to one address open its
	// breaker; further connects fail fast for BreakerCooldown. Zero
	// disables the breaker.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Manager owns one Session per address and routes link-loss reports from
// the transport to them.
type Manager struct {
	transport ble.Transport
	bus       *events.Bus
	logger    *slog.Logger
	opts      ManagerOptions

	mu       sync.Mutex
	sessions map[ble.Address]*Session
	breakers map[ble.Address]*gobreaker.CircuitBreaker[struct{}]

	// newSession lets tests swap the timer of each session.
	newSession func(addr ble.Address) (*Session, error)
}

// NewManager creates a Manager and registers for link-loss callbacks on
// transport.
func NewManager(transport ble.Transport, bus *events.Bus, opts ManagerOptions, logger *slog.Logger) (*Manager, error) {
	if err := opts.Session.Validate(); err != nil {
		return nil, err
	}
	if opts.BreakerFailures > 0 && opts.BreakerCooldown <= 0 {
		return nil, fmt.Errorf("session: breaker cooldown must be positive, got %s", opts.BreakerCooldown)
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		transport: transport,
		bus:       bus,
		logger:    logger,
		opts:      opts,
		sessions:  make(map[ble.Address]*Session),
		breakers:  make(map[ble.Address]*gobreaker.CircuitBreaker[struct{}]),
	}
	m.newSession = func(addr ble.Address) (*Session, error) {
		return New(addr.String(), m.transport, m.bus, m.opts.Session, m.logger)
	}
	transport.OnDisconnect(m.linkLost)
	return m, nil
}

// Session returns the session for address, creating it Disconnected.
func (m *Manager) Session(address string) (*Session, error) {
	addr, err := ble.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[addr]; ok {
		return s, nil
	}
	s, err := m.newSession(addr)
	if err != nil {
		return nil, err
	}
	m.sessions[addr] = s
	return s, nil
}

// ConnectAndDiscover connects the session for address. While the address's
// breaker is open it fails with ble.ErrConnect without touching the radio.
func (m *Manager) ConnectAndDiscover(ctx context.Context, address string) (*Session, error) {
	s, err := m.Session(address)
	if err != nil {
		return nil, err
	}
	cb := m.breaker(s.Address())
	if cb == nil {
		return s, s.ConnectAndDiscover(ctx)
	}
	_, err = cb.Execute(func() (struct{}, error) {
		return struct{}{}, s.ConnectAndDiscover(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return s, fmt.Errorf("session %s: %w: %w", s.Address(), ble.ErrConnect, err)
	}
	return s, err
}

// ExecuteWithLifecycle connects to address if needed, runs cmd, and leaves
// the link up for the idle timeout so a following command reuses it. Each
// call restarts the countdown. A connect already under way is joined, and
// a teardown under way is waited out before reconnecting.
func ExecuteWithLifecycle[T any](ctx context.Context, m *Manager, address string, cmd Command[T]) (T, error) {
	var zero T
	s, err := m.Session(address)
	if err != nil {
		return zero, err
	}
	for {
		state, err := s.settle(ctx)
		if err != nil {
			return zero, err
		}
		if state != Disconnected {
			break
		}
		_, err = m.ConnectAndDiscover(ctx, address)
		if err == nil {
			break
		}
		if !errors.Is(err, ble.ErrAlreadyConnecting) {
			return zero, err
		}
	}
	return Execute(ctx, s, cmd)
}

// Disconnect disconnects the session for address, if there is one.
func (m *Manager) Disconnect(ctx context.Context, address string, force bool) error {
	addr, err := ble.ParseAddress(address)
	if err != nil {
		return err
	}
	m.mu.Lock()
	s, ok := m.sessions[addr]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Disconnect(ctx, force)
}

// Close force-disconnects every session concurrently and joins their
// errors.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	errs := make([]error, len(sessions))
	var g errgroup.Group
	for i, s := range sessions {
		g.Go(func() error {
			errs[i] = s.Disconnect(ctx, true)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (m *Manager) linkLost(addr ble.Address) {
	m.mu.Lock()
	s, ok := m.sessions[addr]
	m.mu.Unlock()
	if ok {
		s.linkLost()
	}
}

func (m *Manager) breaker(addr ble.Address) *gobreaker.CircuitBreaker[struct{}] {
	if m.opts.BreakerFailures == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[addr]; ok {
		return cb
	}
	failures := m.opts.BreakerFailures
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "connect:" + addr.String(),
		MaxRequests: 1,
		Timeout:     m.opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn("[SESSION] connect breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Losing a race with another connect or being aborted says nothing
		// about the peripheral.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ble.ErrAlreadyConnecting) || errors.Is(err, ble.ErrAborted)
		},
	})
	m.breakers[addr] = cb
	return cb
}
