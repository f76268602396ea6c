package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/chaz8081/bluenet-core/internal/ble"
)

// Invoker is what a running command sees of the session: capability checks
// and remote calls. Payloads are sealed and opened transparently when the
// link is encrypted.
type Invoker interface {
	Has(c ble.Capability) bool
	// Invoke writes args to capability c, or reads it when args is nil.
	Invoke(ctx context.Context, c ble.Capability, args []byte) ([]byte, error)
}

// Command is one remote operation producing a T.
type Command[T any] interface {
	Name() string
	Run(ctx context.Context, inv Invoker) (T, error)
}

// Execute runs cmd on a Ready session. It fails at once with ble.ErrBusy if
// another command is in flight and with ble.ErrNotReady in any other state.
// Transport failures and timeouts drop the link; command errors such as
// ble.ErrCapabilityNotFound leave the session Ready.
func Execute[T any](ctx context.Context, s *Session, cmd Command[T]) (T, error) {
	var zero T
	op, octx, epoch, err := s.beginCommand(ctx)
	if err != nil {
		return zero, fmt.Errorf("session %s: %s: %w", s.address, cmd.Name(), err)
	}

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := cmd.Run(octx, &invoker{s: s, epoch: epoch})
		ch <- result{v, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-octx.Done():
		res.err = context.Cause(octx)
	}

	if err := s.endCommand(op, epoch, cause(octx, res.err)); err != nil {
		return zero, fmt.Errorf("session %s: %s: %w", s.address, cmd.Name(), err)
	}
	s.logger.Debug("[SESSION] command done", "command", cmd.Name())
	return res.v, nil
}

type invoker struct {
	s     *Session
	epoch uint64
}

func (inv *invoker) Has(c ble.Capability) bool {
	inv.s.mu.Lock()
	defer inv.s.mu.Unlock()
	return inv.s.caps[c]
}

func (inv *invoker) Invoke(ctx context.Context, c ble.Capability, args []byte) ([]byte, error) {
	s := inv.s
	s.mu.Lock()
	if s.epoch != inv.epoch {
		s.mu.Unlock()
		return nil, ble.ErrAborted
	}
	ok, channel := s.caps[c], s.channel
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ble.ErrCapabilityNotFound, c)
	}

	payload := args
	if channel != nil && args != nil {
		sealed, err := channel.Seal(args)
		if err != nil {
			return nil, fmt.Errorf("%w: seal %s: %w", ble.ErrTransport, c, err)
		}
		payload = sealed
	}

	var out []byte
	err := call(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.transport.Invoke(ctx, s.address, c, payload)
		return err
	})
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, cause(ctx, err)
	case errors.Is(err, ble.ErrCapabilityNotFound), errors.Is(err, ble.ErrTransport):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %w", ble.ErrTransport, err)
	}

	if channel != nil && len(out) > 0 {
		plain, err := channel.Open(out)
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %w", ble.ErrTransport, c, err)
		}
		out = plain
	}
	return out, nil
}
