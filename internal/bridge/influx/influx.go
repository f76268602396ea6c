// Package influx records signal history and setup outcomes in InfluxDB.
//
// Writes go through the client's non-blocking batched write API; failures
// surface asynchronously and are logged.
package influx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/chaz8081/bluenet-core/internal/events"
	"github.com/chaz8081/bluenet-core/internal/provision"
	"github.com/chaz8081/bluenet-core/internal/scanner"
	"github.com/chaz8081/bluenet-core/internal/session"
)

const (
	pingTimeout     = 5 * time.Second
	defaultBatch    = 100
	defaultFlushSec = 10

	measurementSignal    = "ble_signal"
	measurementSession   = "ble_session"
	measurementProvision = "ble_provision"
)

// ErrConnectionFailed is returned by Connect when the server is unreachable
// or unhealthy.
var ErrConnectionFailed = errors.New("influx: connection failed")

// PointWriter is the part of the InfluxDB write API the recorder uses.
type PointWriter interface {
	WritePoint(p *write.Point)
}

// Options configures Connect.
type Options struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	// BatchSize and FlushInterval tune the async writer. Zero picks defaults.
	BatchSize     uint
	FlushInterval time.Duration
}

// Recorder turns bus events into points.
type Recorder struct {
	w      PointWriter
	client influxdb2.Client
	flush  func()
	logger *slog.Logger
	now    func() time.Time
}

// Connect creates a client, pings the server and returns a recorder owning
// the connection.
func Connect(ctx context.Context, opts Options, logger *slog.Logger) (*Recorder, error) {
	batch := opts.BatchSize
	if batch == 0 {
		batch = defaultBatch
	}
	flushMs := uint(opts.FlushInterval / time.Millisecond)
	if flushMs == 0 {
		flushMs = defaultFlushSec * 1000
	}
	client := influxdb2.NewClientWithOptions(opts.URL, opts.Token,
		influxdb2.DefaultOptions().SetBatchSize(batch).SetFlushInterval(flushMs))

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	healthy, err := client.Ping(pctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	api := client.WriteAPI(opts.Org, opts.Bucket)
	r := New(api, logger)
	r.client = client
	r.flush = api.Flush
	go func() {
		for err := range api.Errors() {
			r.logger.Warn("[INFLUX] write failed", "error", err)
		}
	}()
	r.logger.Info("[INFLUX] connected", "url", opts.URL, "bucket", opts.Bucket)
	return r, nil
}

// New creates a recorder over an existing writer.
func New(w PointWriter, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		w:      w,
		logger: logger.With("component", "influx"),
		now:    time.Now,
	}
}

// Attach subscribes the recorder to bus and returns a function detaching it.
func (r *Recorder) Attach(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(events.TopicDeviceUpdated, r.Handle),
		bus.Subscribe(events.TopicSessionState, r.Handle),
		bus.Subscribe(events.TopicProvisioning, r.Handle),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Handle writes the point for one event. Unknown events are ignored.
func (r *Recorder) Handle(e events.Event) {
	switch ev := e.(type) {
	case scanner.DeviceUpdated:
		d := ev.Device
		at := d.LastSeen
		if at.IsZero() {
			at = r.now()
		}
		r.w.WritePoint(write.NewPoint(measurementSignal,
			map[string]string{"address": d.Address.String(), "kind": d.Kind.String()},
			map[string]any{"rssi": d.RSSI, "smoothed": d.Smoothed, "distance": d.Distance},
			at))
	case session.StateChanged:
		r.w.WritePoint(write.NewPoint(measurementSession,
			map[string]string{"address": ev.Address.String()},
			map[string]any{"state": ev.State.String()},
			r.now()))
	case provision.Progress:
		fields := map[string]any{"step": ev.Step, "fraction": ev.Fraction, "ok": ev.Err == nil}
		if ev.Err != nil {
			fields["error"] = ev.Err.Error()
		}
		r.w.WritePoint(write.NewPoint(measurementProvision,
			map[string]string{"address": ev.Address.String(), "step": ev.Name},
			fields,
			r.now()))
	}
}

// Close flushes pending writes and closes the client if the recorder owns it.
func (r *Recorder) Close() {
	if r.flush != nil {
		r.flush()
	}
	if r.client != nil {
		r.client.Close()
	}
}
