package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/bluenet-core/internal/ble"
	"github.com/chaz8081/bluenet-core/internal/ble/bletest"
)

func newTestManager(t *testing.T, tr *bletest.Transport, opts ManagerOptions) (*Manager, *timers) {
	t.Helper()
	m, err := NewManager(tr, nil, opts, nil)
	require.NoError(t, err)
	ts := &timers{}
	m.newSession = func(a ble.Address) (*Session, error) {
		s, err := New(a.String(), tr, nil, opts.Session, nil)
		if err != nil {
			return nil, err
		}
		s.afterFunc = ts.afterFunc
		return s, nil
	}
	return m, ts
}

func TestManagerOneSessionPerAddress(t *testing.T) {
	m, _ := newTestManager(t, bletest.New(), ManagerOptions{Session: testOptions()})

	a, err := m.Session("aa:bb:cc:dd:ee:01")
	require.NoError(t, err)
	b, err := m.Session(testAddr)
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = m.Session("garbage")
	assert.ErrorIs(t, err, ble.ErrInvalidAddress)
}

func TestExecuteWithLifecycleReusesLink(t *testing.T) {
	state := byte(0)
	tr := bletest.New(ble.CapRelay)
	tr.InvokeFunc = relayDevice(&state)
	m, ts := newTestManager(t, tr, ManagerOptions{Session: testOptions()})
	ctx := context.Background()

	on, err := ExecuteWithLifecycle(ctx, m, testAddr, ToggleRelay{})
	require.NoError(t, err)
	assert.True(t, on)
	first := ts.last(t)

	on, err = ExecuteWithLifecycle(ctx, m, testAddr, ToggleRelay{})
	require.NoError(t, err)
	assert.False(t, on)

	assert.Equal(t, 1, tr.Connects(), "second call within the idle window reuses the link")
	assert.True(t, first.stopped, "each call restarts the idle countdown")

	ts.last(t).f()
	s, err := m.Session(testAddr)
	require.NoError(t, err)
	assert.Equal(t, Disconnected, s.State())
	assert.Equal(t, 1, tr.Disconnects(addr))

	_, err = ExecuteWithLifecycle(ctx, m, testAddr, ReadRelay{})
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Connects())
}

func TestExecuteWithLifecycleConnectError(t *testing.T) {
	tr := bletest.New(ble.CapRelay)
	tr.ConnectFunc = func(context.Context, ble.Address) error { return errors.New("no route") }
	m, _ := newTestManager(t, tr, ManagerOptions{Session: testOptions()})

	_, err := ExecuteWithLifecycle(context.Background(), m, testAddr, RelayOn)
	assert.ErrorIs(t, err, ble.ErrConnect)
	assert.Empty(t, tr.Calls())
}

func TestManagerRoutesLinkLoss(t *testing.T) {
	tr := bletest.New(ble.CapRelay)
	m, _ := newTestManager(t, tr, ManagerOptions{Session: testOptions()})
	s, err := m.ConnectAndDiscover(context.Background(), testAddr)
	require.NoError(t, err)

	tr.DropLink(addr)
	assert.Equal(t, Disconnected, s.State())
}

func TestConnectBreakerOpens(t *testing.T) {
	tr := bletest.New()
	tr.ConnectFunc = func(context.Context, ble.Address) error { return errors.New("timeout on air") }
	m, _ := newTestManager(t, tr, ManagerOptions{
		Session:         testOptions(),
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := m.ConnectAndDiscover(ctx, testAddr)
		assert.ErrorIs(t, err, ble.ErrConnect)
	}
	require.Equal(t, 2, tr.Connects())

	_, err := m.ConnectAndDiscover(ctx, testAddr)
	assert.ErrorIs(t, err, ble.ErrConnect)
	assert.Equal(t, 2, tr.Connects(), "open breaker must not reach the radio")

	// Other addresses have their own breaker.
	tr.ConnectFunc = nil
	_, err = m.ConnectAndDiscover(ctx, "AA:BB:CC:DD:EE:02")
	assert.NoError(t, err)
}

func TestManagerValidatesBreaker(t *testing.T) {
	_, err := NewManager(bletest.New(), nil, ManagerOptions{Session: testOptions(), BreakerFailures: 3}, nil)
	assert.Error(t, err)
}

func TestManagerClose(t *testing.T) {
	tr := bletest.New(ble.CapRelay)
	m, _ := newTestManager(t, tr, ManagerOptions{Session: testOptions()})
	ctx := context.Background()
	_, err := m.ConnectAndDiscover(ctx, testAddr)
	require.NoError(t, err)
	_, err = m.ConnectAndDiscover(ctx, "AA:BB:CC:DD:EE:02")
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx))
	assert.Equal(t, 1, tr.Disconnects(addr))
	assert.Equal(t, 1, tr.Disconnects(ble.MustParseAddress("AA:BB:CC:DD:EE:02")))
	assert.NoError(t, m.Disconnect(ctx, testAddr, false))
	assert.NoError(t, m.Disconnect(ctx, "AA:BB:CC:DD:EE:03", false))
}

func TestManagerCloseDisconnectsConcurrently(t *testing.T) {
	tr := bletest.New(ble.CapRelay)
	m, _ := newTestManager(t, tr, ManagerOptions{Session: testOptions()})
	ctx := context.Background()
	_, err := m.ConnectAndDiscover(ctx, testAddr)
	require.NoError(t, err)
	_, err = m.ConnectAndDiscover(ctx, "AA:BB:CC:DD:EE:02")
	require.NoError(t, err)

	entered := make(chan ble.Address, 2)
	gate := make(chan struct{})
	tr.DisconnectFunc = func(a ble.Address) error {
		entered <- a
		<-gate
		return nil
	}

	closed := make(chan error, 1)
	go func() { closed <- m.Close(ctx) }()

	// Each release gives up after ConnectTimeout, so one at a time the
	// second disconnect could not start this early.
	for range 2 {
		select {
		case <-entered:
		case <-time.After(500 * time.Millisecond):
			close(gate)
			t.Fatal("disconnects did not overlap")
		}
	}
	close(gate)
	require.NoError(t, <-closed)

	for _, a := range []string{testAddr, "AA:BB:CC:DD:EE:02"} {
		s, err := m.Session(a)
		require.NoError(t, err)
		assert.Equal(t, Disconnected, s.State())
	}
}

func TestExecuteWithLifecycleJoinsConnect(t *testing.T) {
	state := byte(1)
	tr := bletest.New(ble.CapRelay)
	tr.InvokeFunc = relayDevice(&state)
	release := make(chan struct{})
	tr.ConnectFunc = func(ctx context.Context, _ ble.Address) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m, _ := newTestManager(t, tr, ManagerOptions{Session: testOptions()})
	ctx := context.Background()
	s, err := m.Session(testAddr)
	require.NoError(t, err)

	connected := make(chan error, 1)
	go func() {
		_, err := m.ConnectAndDiscover(ctx, testAddr)
		connected <- err
	}()
	require.Eventually(t, func() bool { return s.State() == Connecting }, time.Second, time.Millisecond)

	type result struct {
		on  bool
		err error
	}
	executed := make(chan result, 1)
	go func() {
		on, err := ExecuteWithLifecycle(ctx, m, testAddr, ReadRelay{})
		executed <- result{on, err}
	}()

	select {
	case r := <-executed:
		t.Fatalf("command ran before the connect finished: %v", r.err)
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	require.NoError(t, <-connected)
	r := <-executed
	require.NoError(t, r.err)
	assert.True(t, r.on)
	assert.Equal(t, 1, tr.Connects())
}

func TestExecuteWithLifecycleReconnectsAfterTeardown(t *testing.T) {
	state := byte(0)
	tr := bletest.New(ble.CapRelay)
	tr.InvokeFunc = relayDevice(&state)
	m, _ := newTestManager(t, tr, ManagerOptions{Session: testOptions()})
	ctx := context.Background()
	s, err := m.ConnectAndDiscover(ctx, testAddr)
	require.NoError(t, err)

	gate := make(chan struct{})
	tr.DisconnectFunc = func(ble.Address) error {
		<-gate
		return nil
	}
	disconnected := make(chan error, 1)
	go func() { disconnected <- m.Disconnect(ctx, testAddr, false) }()
	require.Eventually(t, func() bool { return s.State() == Disconnecting }, time.Second, time.Millisecond)

	executed := make(chan error, 1)
	go func() {
		_, err := ExecuteWithLifecycle(ctx, m, testAddr, RelayOn)
		executed <- err
	}()

	select {
	case err := <-executed:
		t.Fatalf("command ran during teardown: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	close(gate)

	require.NoError(t, <-disconnected)
	require.NoError(t, <-executed)
	assert.Equal(t, 2, tr.Connects())
	assert.Equal(t, byte(1), state)
	assert.Equal(t, Ready, s.State())
}

func TestExecuteWithLifecycleWaitHonoursContext(t *testing.T) {
	tr := bletest.New(ble.CapRelay)
	tr.ConnectFunc = func(ctx context.Context, _ ble.Address) error {
		<-ctx.Done()
		return ctx.Err()
	}
	m, _ := newTestManager(t, tr, ManagerOptions{Session: testOptions()})
	s, err := m.Session(testAddr)
	require.NoError(t, err)

	go func() { _, _ = m.ConnectAndDiscover(context.Background(), testAddr) }()
	require.Eventually(t, func() bool { return s.State() == Connecting }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ExecuteWithLifecycle(ctx, m, testAddr, ReadRelay{})
	assert.ErrorIs(t, err, ble.ErrTimeout)
	assert.Equal(t, 1, tr.Connects())
}
