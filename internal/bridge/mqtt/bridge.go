// Package mqtt mirrors bus events onto an MQTT broker as JSON so dashboards
// and home automation can follow discovery, sessions and setup.
//
// Topics, under the configured prefix:
//
//	<prefix>/devices/<address>        device state, at most once per UI interval
//	<prefix>/scan/phase               scan phase changes and per-window rankings
//	<prefix>/sessions/<address>/state session state changes
//	<prefix>/provisioning/<address>   setup progress
//	<prefix>/adapter                  adapter power (retained)
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/bluenet-core/internal/ble"
	"github.com/chaz8081/bluenet-core/internal/events"
	"github.com/chaz8081/bluenet-core/internal/provision"
	"github.com/chaz8081/bluenet-core/internal/registry"
	"github.com/chaz8081/bluenet-core/internal/scanner"
	"github.com/chaz8081/bluenet-core/internal/session"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	quiesceMillis  = 250
	maxQoS         = 2
)

// ErrConnectionFailed is returned by Connect when the broker is unreachable.
var ErrConnectionFailed = errors.New("mqtt: connection failed")

// Publisher is the part of a paho client the bridge uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token
}

// Options configures a Bridge.
type Options struct {
	Broker      string // tcp://host:1883
	ClientID    string
	TopicPrefix string
	QoS         byte
	// UIInterval throttles device updates per address. Zero forwards all.
	UIInterval time.Duration
}

// Bridge publishes events through a Publisher.
type Bridge struct {
	pub    Publisher
	client pahomqtt.Client // set when the bridge owns the connection
	opts   Options
	logger *slog.Logger
	gate   *events.Gate
}

// Connect dials the broker and returns a bridge owning the connection.
func Connect(opts Options, logger *slog.Logger) (*Bridge, error) {
	if opts.QoS > maxQoS {
		return nil, fmt.Errorf("mqtt: qos %d out of range", opts.QoS)
	}
	po := pahomqtt.NewClientOptions()
	po.AddBroker(opts.Broker)
	po.SetClientID(opts.ClientID)
	po.SetCleanSession(true)
	po.SetAutoReconnect(true)
	po.SetConnectTimeout(connectTimeout)
	po.SetWill(opts.TopicPrefix+"/adapter", `{"online":false}`, opts.QoS, true)

	client := pahomqtt.NewClient(po)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	b := New(client, opts, logger)
	b.client = client
	b.logger.Info("[MQTT] connected", "broker", opts.Broker)
	return b, nil
}

// New creates a bridge over an existing publisher.
func New(pub Publisher, opts Options, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	opts.TopicPrefix = strings.TrimSuffix(opts.TopicPrefix, "/")
	b := &Bridge{
		pub:    pub,
		opts:   opts,
		logger: logger.With("component", "mqtt"),
	}
	if opts.UIInterval > 0 {
		b.gate = events.NewGate(opts.UIInterval, b.Handle, deviceKey)
	}
	return b
}

func deviceKey(e events.Event) string {
	if u, ok := e.(scanner.DeviceUpdated); ok {
		return u.Device.Address.String()
	}
	return ""
}

// Attach subscribes the bridge to bus and returns a function detaching it.
func (b *Bridge) Attach(bus *events.Bus) func() {
	devices := events.Handler(b.Handle)
	if b.gate != nil {
		devices = b.gate.Handle
	}
	unsubs := []func(){
		bus.Subscribe(events.TopicDeviceUpdated, devices),
		bus.Subscribe(events.TopicScanPhase, b.Handle),
		bus.Subscribe(events.TopicSessionState, b.Handle),
		bus.Subscribe(events.TopicProvisioning, b.Handle),
		bus.Subscribe(events.TopicAdapterState, b.Handle),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Close disconnects the broker connection if the bridge owns it.
func (b *Bridge) Close() {
	if b.client != nil {
		b.client.Disconnect(quiesceMillis)
	}
}

type devicePayload struct {
	Address  string    `json:"address"`
	Name     string    `json:"name,omitempty"`
	Kind     string    `json:"kind"`
	RSSI     int       `json:"rssi"`
	Smoothed float64   `json:"smoothed"`
	Distance float64   `json:"distance"`
	LastSeen time.Time `json:"last_seen"`
}

func newDevicePayload(d registry.Device) devicePayload {
	return devicePayload{
		Address:  d.Address.String(),
		Name:     d.Name,
		Kind:     d.Kind.String(),
		RSSI:     d.RSSI,
		Smoothed: d.Smoothed,
		Distance: d.Distance,
		LastSeen: d.LastSeen,
	}
}

type phasePayload struct {
	Phase   string          `json:"phase"`
	Devices []devicePayload `json:"devices,omitempty"`
}

type statePayload struct {
	Address string `json:"address"`
	State   string `json:"state"`
}

type progressPayload struct {
	Attempt  string  `json:"attempt"`
	Step     int     `json:"step"`
	Total    int     `json:"total"`
	Name     string  `json:"name"`
	Fraction float64 `json:"fraction"`
	Error    string  `json:"error,omitempty"`
}

type adapterPayload struct {
	Online  bool `json:"online"`
	Enabled bool `json:"enabled"`
}

// Handle publishes one event. Unknown events are ignored.
func (b *Bridge) Handle(e events.Event) {
	var (
		topic    string
		payload  any
		retained bool
	)
	switch ev := e.(type) {
	case scanner.DeviceUpdated:
		topic = b.topic("devices", ev.Device.Address.String())
		payload = newDevicePayload(ev.Device)
	case scanner.PhaseChanged:
		p := phasePayload{Phase: ev.Phase.String()}
		for _, d := range ev.Devices {
			p.Devices = append(p.Devices, newDevicePayload(d))
		}
		topic, payload = b.topic("scan", "phase"), p
	case session.StateChanged:
		topic = b.topic("sessions", ev.Address.String(), "state")
		payload = statePayload{Address: ev.Address.String(), State: ev.State.String()}
		retained = true
	case provision.Progress:
		p := progressPayload{
			Attempt:  ev.Attempt,
			Step:     ev.Step,
			Total:    provision.TotalSteps,
			Name:     ev.Name,
			Fraction: ev.Fraction,
		}
		if ev.Err != nil {
			p.Error = ev.Err.Error()
		}
		topic, payload = b.topic("provisioning", ev.Address.String()), p
	case ble.AdapterStateChanged:
		topic = b.topic("adapter")
		payload = adapterPayload{Online: true, Enabled: ev.Enabled}
		retained = true
	default:
		return
	}

	if err := b.publish(topic, payload, retained); err != nil {
		b.logger.Warn("[MQTT] publish failed", "topic", topic, "error", err)
	}
}

func (b *Bridge) publish(topic string, v any, retained bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	token := b.pub.Publish(topic, b.opts.QoS, retained, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timeout after %v", publishTimeout)
	}
	return token.Error()
}

func (b *Bridge) topic(parts ...string) string {
	return b.opts.TopicPrefix + "/" + strings.Join(parts, "/")
}
