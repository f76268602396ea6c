// Package session manages connections to single peripherals: connect,
// capability discovery, one command at a time, and automatic teardown after
// an idle period. Commands are typed values run through Execute; Manager
// keeps at most one Session per address and adds the connect-if-needed
// lifecycle on top.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chaz8081/bluenet-core/internal/ble"
	"github.com/chaz8081/bluenet-core/internal/ble/crypto"
	"github.com/chaz8081/bluenet-core/internal/events"
)

// State is the connection state of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Discovering
	Ready
	Executing
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Discovering:
		return "discovering"
	case Ready:
		return "ready"
	case Executing:
		return "executing"
	case Disconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateChanged is published on every transition.
type StateChanged struct {
	Address ble.Address
	State   State
}

func (StateChanged) Topic() events.Topic { return events.TopicSessionState }

// Options configures a Session.
type Options struct {
	// IdleTimeout tears the link down after this long in Ready with no
	// command. Zero keeps the link until Disconnect.
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	// Keys enables the encrypted channel on peripherals that hand out a
	// session nonce. Nil talks in the clear.
	Keys  *crypto.KeySet
	Level crypto.Level
}

// Validate checks the timeouts are usable.
func (o Options) Validate() error {
	if o.IdleTimeout < 0 {
		return fmt.Errorf("session: idle timeout must not be negative, got %s", o.IdleTimeout)
	}
	if o.ConnectTimeout <= 0 {
		return fmt.Errorf("session: connect timeout must be positive, got %s", o.ConnectTimeout)
	}
	if o.CommandTimeout <= 0 {
		return fmt.Errorf("session: command timeout must be positive, got %s", o.CommandTimeout)
	}
	if o.Keys != nil {
		if err := o.Keys.Validate(); err != nil {
			return err
		}
	}
	return nil
}

type timer interface {
	Stop() bool
}

// operation is the connect or command currently holding the session.
type operation struct {
	ctx     context.Context // carries the teardown cause
	cancel  context.CancelCauseFunc
	release context.CancelFunc
	done    chan struct{}
}

// Session is the link to one peripheral. Methods are safe for concurrent
// use, but only one command runs at a time; a second is refused with
// ble.ErrBusy rather than queued.
type Session struct {
	address   ble.Address
	transport ble.Transport
	bus       *events.Bus
	logger    *slog.Logger
	opts      Options

	afterFunc func(time.Duration, func()) timer

	mu    sync.Mutex
	state State
	// epoch changes whenever the link is torn down. Work started under an
	// older epoch must not touch the session.
	epoch   uint64
	caps    map[ble.Capability]bool
	channel *crypto.Channel
	op      *operation
	idle    timer
	idleGen uint64
	// changed is closed and replaced on every transition.
	changed chan struct{}
}

// New creates a disconnected Session for address. bus and logger may be nil.
func New(address string, transport ble.Transport, bus *events.Bus, opts Options, logger *slog.Logger) (*Session, error) {
	addr, err := ble.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		address:   addr,
		transport: transport,
		bus:       bus,
		logger:    logger.With("component", "session", "address", addr.String()),
		opts:      opts,
		changed:   make(chan struct{}),
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}, nil
}

// Address returns the peripheral address.
func (s *Session) Address() ble.Address { return s.address }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Capabilities returns what discovery found, sorted. It is empty unless the
// session is Ready or Executing.
func (s *Session) Capabilities() []ble.Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ble.Capability, 0, len(s.caps))
	for c := range s.caps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Encrypted reports whether payloads are sealed on this link.
func (s *Session) Encrypted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel != nil
}

// SetChannel switches the link to ch for every following command. Setup
// uses it once the setup key has been negotiated.
func (s *Session) SetChannel(ch *crypto.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Ready {
		return fmt.Errorf("session %s: set channel: %w", s.address, ble.ErrNotReady)
	}
	s.channel = ch
	return nil
}

// ConnectAndDiscover connects, enumerates capabilities and, when keys are
// configured, sets up the encrypted channel. On success the session is
// Ready. Any failure leaves it Disconnected.
func (s *Session) ConnectAndDiscover(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Disconnected {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("session %s: %w (state %s)", s.address, ble.ErrAlreadyConnecting, st)
	}
	s.epoch++
	epoch := s.epoch
	op, octx := s.beginOpLocked(ctx, s.opts.ConnectTimeout)
	s.setStateLocked(Connecting)
	s.mu.Unlock()
	defer s.endOp(op)

	s.logger.Info("[SESSION] connecting")
	start := time.Now()

	err := s.connect(octx)
	if err != nil {
		// A connect that did not return may still complete; release it.
		abandoned := octx.Err() != nil
		return s.failConnect(epoch, abandoned, ble.ErrConnect, cause(octx, err))
	}

	if !s.advance(epoch, Discovering) {
		return fmt.Errorf("session %s: connect: %w", s.address, opCause(op))
	}
	var caps []ble.Capability
	err = call(octx, func(ctx context.Context) error {
		var err error
		caps, err = s.transport.Discover(ctx, s.address)
		return err
	})
	if err != nil {
		return s.failConnect(epoch, true, ble.ErrConnect, cause(octx, err))
	}

	channel, err := s.setupEncryption(octx, caps)
	if err != nil {
		return s.failConnect(epoch, true, ble.ErrEncryptionSetupFailed, cause(octx, err))
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return fmt.Errorf("session %s: connect: %w", s.address, opCause(op))
	}
	s.caps = make(map[ble.Capability]bool, len(caps))
	for _, c := range caps {
		s.caps[c] = true
	}
	s.channel = channel
	s.setStateLocked(Ready)
	s.armIdleLocked()
	s.mu.Unlock()

	s.logger.Info("[SESSION] ready",
		"capabilities", len(caps),
		"encrypted", channel != nil,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// connect runs transport.Connect bounded by ctx. When ctx ends first the
// call is left running, and a link it opens afterwards is released unless
// a newer connect has started.
func (s *Session) connect(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- s.transport.Connect(ctx, s.address) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		go s.releaseLate(done)
		return context.Cause(ctx)
	}
}

func (s *Session) releaseLate(done <-chan error) {
	if err := <-done; err != nil {
		return
	}
	s.mu.Lock()
	idle := s.state == Disconnected || s.state == Disconnecting
	s.mu.Unlock()
	if !idle {
		return
	}
	s.logger.Warn("[SESSION] releasing link that connected after the attempt ended")
	if err := s.transport.Disconnect(s.address); err != nil {
		s.logger.Warn("[SESSION] transport disconnect failed", "error", err)
	}
}

func (s *Session) setupEncryption(ctx context.Context, caps []ble.Capability) (*crypto.Channel, error) {
	if s.opts.Keys == nil || !hasCapability(caps, ble.CapSessionNonce) {
		return nil, nil
	}
	var nonce []byte
	err := call(ctx, func(ctx context.Context) error {
		var err error
		nonce, err = s.transport.Invoke(ctx, s.address, ble.CapSessionNonce, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read session nonce: %w", err)
	}
	ch, err := s.opts.Keys.SessionChannel(s.opts.Level, nonce)
	if err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return ch, nil
}

func (s *Session) failConnect(epoch uint64, linked bool, kind, err error) error {
	if errors.Is(err, ble.ErrAborted) {
		return fmt.Errorf("session %s: connect: %w", s.address, ble.ErrAborted)
	}
	s.logger.Warn("[SESSION] connect failed", "error", err)
	s.shutdown(epoch, linked)
	return fmt.Errorf("session %s: %w: %w", s.address, kind, err)
}

// advance moves to next if no teardown happened since epoch began.
func (s *Session) advance(epoch uint64, next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return false
	}
	s.setStateLocked(next)
	return true
}

// Disconnect tears the link down. Without force it first waits for an
// in-flight connect or command to finish; with force that work is aborted
// with ble.ErrAborted. Disconnecting a disconnected session is a no-op.
func (s *Session) Disconnect(ctx context.Context, force bool) error {
	for {
		s.mu.Lock()
		switch s.state {
		case Disconnected, Disconnecting:
			s.mu.Unlock()
			return nil
		case Ready:
			epoch := s.epoch
			s.mu.Unlock()
			s.shutdown(epoch, true)
			return nil
		}

		op := s.op
		if force || op == nil {
			epoch := s.epoch
			s.mu.Unlock()
			if force {
				s.logger.Info("[SESSION] aborting in-flight operation")
			}
			s.shutdown(epoch, true)
			return nil
		}
		s.mu.Unlock()

		select {
		case <-op.done:
		case <-ctx.Done():
			return fmt.Errorf("session %s: disconnect: %w", s.address, cause(ctx, ctx.Err()))
		}
	}
}

// linkLost handles the transport reporting the peripheral gone.
func (s *Session) linkLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Disconnected || s.state == Disconnecting {
		return
	}
	s.logger.Warn("[SESSION] link lost", "state", s.state)
	s.closeLocked(false, fmt.Errorf("%w: link lost", ble.ErrTransport))
}

// shutdown tears down the link if epoch is still current. With release the
// transport is told to disconnect; otherwise the link is known to be gone.
// It reports whether this call did the teardown.
func (s *Session) shutdown(epoch uint64, release bool) bool {
	s.mu.Lock()
	if s.epoch != epoch || s.state == Disconnected || s.state == Disconnecting {
		s.mu.Unlock()
		return false
	}
	next := s.closeLocked(release, ble.ErrAborted)
	s.mu.Unlock()

	if release {
		s.release(next)
	}
	return true
}

// closeLocked starts a teardown and returns the new epoch. An in-flight
// operation fails with reason. Caller holds mu.
func (s *Session) closeLocked(release bool, reason error) uint64 {
	s.epoch++
	s.stopIdleLocked()
	if s.op != nil {
		s.op.cancel(reason)
	}
	s.caps = nil
	s.channel = nil
	if release {
		s.setStateLocked(Disconnecting)
	} else {
		s.setStateLocked(Disconnected)
	}
	return s.epoch
}

// release closes the link through the transport and finishes the teardown
// started by closeLocked.
func (s *Session) release(epoch uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ConnectTimeout)
	err := call(ctx, func(context.Context) error {
		return s.transport.Disconnect(s.address)
	})
	cancel()
	if err != nil {
		s.logger.Warn("[SESSION] transport disconnect failed", "error", err)
	}

	s.mu.Lock()
	if s.epoch == epoch && s.state == Disconnecting {
		s.setStateLocked(Disconnected)
	}
	s.mu.Unlock()
	s.logger.Info("[SESSION] disconnected")
}

func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.logger.Debug("[SESSION] state change", "from", s.state, "to", next)
	s.state = next
	close(s.changed)
	s.changed = make(chan struct{})
	s.bus.Publish(StateChanged{Address: s.address, State: next})
}

// settle waits until the session is out of a connect or teardown and
// returns the state it landed in: Disconnected, Ready or Executing.
func (s *Session) settle(ctx context.Context) (State, error) {
	for {
		s.mu.Lock()
		state, changed := s.state, s.changed
		s.mu.Unlock()
		switch state {
		case Disconnected, Ready, Executing:
			return state, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return state, fmt.Errorf("session %s: waiting in %s: %w", s.address, state, cause(ctx, ctx.Err()))
		}
	}
}

func (s *Session) beginOpLocked(ctx context.Context, timeout time.Duration) (*operation, context.Context) {
	cctx, cancel := context.WithCancelCause(ctx)
	tctx, release := context.WithTimeoutCause(cctx, timeout, ble.ErrTimeout)
	op := &operation{ctx: cctx, cancel: cancel, release: release, done: make(chan struct{})}
	s.op = op
	return op, tctx
}

func (s *Session) endOp(op *operation) {
	s.mu.Lock()
	s.endOpLocked(op)
	s.mu.Unlock()
}

func (s *Session) endOpLocked(op *operation) {
	if s.op == op {
		s.op = nil
	}
	op.release()
	op.cancel(nil)
	close(op.done)
}

// armIdleLocked restarts the idle countdown. Caller holds mu.
func (s *Session) armIdleLocked() {
	s.stopIdleLocked()
	if s.opts.IdleTimeout <= 0 {
		return
	}
	gen := s.idleGen
	s.idle = s.afterFunc(s.opts.IdleTimeout, func() { s.idleExpired(gen) })
}

func (s *Session) stopIdleLocked() {
	s.idleGen++
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
}

// idleExpired runs when the idle timer fires. A timer that was stopped or
// re-armed after it fired does nothing.
func (s *Session) idleExpired(gen uint64) {
	s.mu.Lock()
	if gen != s.idleGen || s.state != Ready {
		s.mu.Unlock()
		return
	}
	s.logger.Info("[SESSION] idle timeout", "after", s.opts.IdleTimeout)
	next := s.closeLocked(true, ble.ErrAborted)
	s.mu.Unlock()
	s.release(next)
}

// beginCommand claims the session for one command.
func (s *Session) beginCommand(ctx context.Context) (*operation, context.Context, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Ready:
	case Executing:
		return nil, nil, 0, ble.ErrBusy
	default:
		return nil, nil, 0, fmt.Errorf("%w (state %s)", ble.ErrNotReady, s.state)
	}
	s.stopIdleLocked()
	op, octx := s.beginOpLocked(ctx, s.opts.CommandTimeout)
	s.setStateLocked(Executing)
	return op, octx, s.epoch, nil
}

// endCommand returns the session to Ready, or tears it down after a
// transport failure or timeout.
func (s *Session) endCommand(op *operation, epoch uint64, err error) error {
	s.mu.Lock()
	reason := opCause(op)
	s.endOpLocked(op)
	if s.epoch != epoch {
		s.mu.Unlock()
		if err == nil {
			return nil
		}
		return reason
	}
	if fatal(err) {
		s.mu.Unlock()
		s.logger.Warn("[SESSION] command failed, dropping link", "error", err)
		s.shutdown(epoch, true)
		return err
	}
	s.setStateLocked(Ready)
	s.armIdleLocked()
	s.mu.Unlock()
	return err
}

// opCause is why op was cancelled, ble.ErrAborted if it was not.
func opCause(op *operation) error {
	if c := context.Cause(op.ctx); c != nil && !errors.Is(c, context.Canceled) {
		return c
	}
	return ble.ErrAborted
}

// fatal reports whether err leaves the link in an unknown state.
func fatal(err error) bool {
	return errors.Is(err, ble.ErrTransport) ||
		errors.Is(err, ble.ErrTimeout) ||
		errors.Is(err, context.Canceled)
}

// call runs fn and returns its error, or the context's cause if ctx ends
// first. fn keeps running in the background in that case; transports that
// honour ctx return promptly.
func call(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// cause maps a failure observed under ctx to the error taxonomy.
func cause(ctx context.Context, err error) error {
	if err == nil || ctx.Err() == nil {
		return err
	}
	c := context.Cause(ctx)
	switch {
	case errors.Is(c, ble.ErrAborted), errors.Is(c, ble.ErrTimeout):
		return c
	case errors.Is(c, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ble.ErrTimeout, c)
	}
	return c
}

func hasCapability(caps []ble.Capability, c ble.Capability) bool {
	for _, have := range caps {
		if have == c {
			return true
		}
	}
	return false
}
