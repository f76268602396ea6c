package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/bluenet-core/internal/ble"
	"github.com/chaz8081/bluenet-core/internal/events"
	"github.com/chaz8081/bluenet-core/internal/provision"
	"github.com/chaz8081/bluenet-core/internal/registry"
	"github.com/chaz8081/bluenet-core/internal/scanner"
	"github.com/chaz8081/bluenet-core/internal/session"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, message{topic, qos, retained, payload.([]byte)})
	return doneToken{err: p.err}
}

func (p *fakePublisher) messages() []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]message(nil), p.msgs...)
}

func device(addr string, rssi int) registry.Device {
	return registry.Device{
		Address:  ble.MustParseAddress(addr),
		Name:     "crown",
		Kind:     ble.KindCrownstonePlug,
		RSSI:     rssi,
		Smoothed: float64(rssi),
		Distance: 1.5,
		LastSeen: time.Unix(1700000000, 0).UTC(),
	}
}

func TestHandleTopicsAndPayloads(t *testing.T) {
	pub := &fakePublisher{}
	b := New(pub, Options{TopicPrefix: "bluenet/", QoS: 1}, nil)
	addr := ble.MustParseAddress("AA:BB:CC:DD:EE:01")

	b.Handle(scanner.DeviceUpdated{Device: device("AA:BB:CC:DD:EE:01", -60)})
	b.Handle(scanner.PhaseChanged{Phase: scanner.Paused, Devices: []registry.Device{device("AA:BB:CC:DD:EE:01", -60)}})
	b.Handle(session.StateChanged{Address: addr, State: session.Ready})
	b.Handle(provision.Progress{Status: provision.Status{Attempt: "01X", Address: addr, Step: 5, Name: "write-guest-key", Fraction: 4.0 / 13, Err: errors.New("rejected")}})
	b.Handle(ble.AdapterStateChanged{Enabled: true})

	msgs := pub.messages()
	require.Len(t, msgs, 5)

	assert.Equal(t, "bluenet/devices/AA:BB:CC:DD:EE:01", msgs[0].topic)
	assert.Equal(t, byte(1), msgs[0].qos)
	var dev devicePayload
	require.NoError(t, json.Unmarshal(msgs[0].payload, &dev))
	assert.Equal(t, "crownstone-plug", dev.Kind)
	assert.Equal(t, -60, dev.RSSI)

	assert.Equal(t, "bluenet/scan/phase", msgs[1].topic)
	var phase phasePayload
	require.NoError(t, json.Unmarshal(msgs[1].payload, &phase))
	assert.Equal(t, "paused", phase.Phase)
	assert.Len(t, phase.Devices, 1)

	assert.Equal(t, "bluenet/sessions/AA:BB:CC:DD:EE:01/state", msgs[2].topic)
	assert.True(t, msgs[2].retained)
	assert.JSONEq(t, `{"address":"AA:BB:CC:DD:EE:01","state":"ready"}`, string(msgs[2].payload))

	assert.Equal(t, "bluenet/provisioning/AA:BB:CC:DD:EE:01", msgs[3].topic)
	var prog progressPayload
	require.NoError(t, json.Unmarshal(msgs[3].payload, &prog))
	assert.Equal(t, 5, prog.Step)
	assert.Equal(t, provision.TotalSteps, prog.Total)
	assert.Equal(t, "rejected", prog.Error)

	assert.Equal(t, "bluenet/adapter", msgs[4].topic)
	assert.True(t, msgs[4].retained)
}

func TestPublishErrorIsLoggedNotFatal(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected")}
	b := New(pub, Options{TopicPrefix: "bluenet"}, nil)
	b.Handle(ble.AdapterStateChanged{Enabled: false})
	b.Handle(ble.AdapterStateChanged{Enabled: true})
	assert.Len(t, pub.messages(), 2)
}

func TestAttachThrottlesDevicesPerAddress(t *testing.T) {
	pub := &fakePublisher{}
	b := New(pub, Options{TopicPrefix: "bluenet", UIInterval: time.Hour}, nil)
	bus := events.New(nil)
	detach := b.Attach(bus)

	for i := 0; i < 10; i++ {
		bus.Publish(scanner.DeviceUpdated{Device: device("AA:BB:CC:DD:EE:01", -60-i)})
		bus.Publish(scanner.DeviceUpdated{Device: device("AA:BB:CC:DD:EE:02", -70)})
	}
	bus.Publish(scanner.PhaseChanged{Phase: scanner.Scanning})
	bus.Publish(scanner.PhaseChanged{Phase: scanner.Paused})
	bus.Close()
	detach()

	counts := map[string]int{}
	for _, m := range pub.messages() {
		counts[m.topic]++
	}
	assert.Equal(t, 1, counts["bluenet/devices/AA:BB:CC:DD:EE:01"])
	assert.Equal(t, 1, counts["bluenet/devices/AA:BB:CC:DD:EE:02"])
	assert.Equal(t, 2, counts["bluenet/scan/phase"], "phase events are never throttled")
}

func TestConnectRejectsBadQoS(t *testing.T) {
	_, err := Connect(Options{Broker: "tcp://127.0.0.1:1", QoS: 3}, nil)
	assert.Error(t, err)
}
