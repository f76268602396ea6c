// Package provision commissions a Crownstone in setup mode: it negotiates a
// setup key, installs the access keys and identity, verifies what was
// written, and finalises. Steps run strictly in order over one session and
// stop at the first failure.
package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/chaz8081/bluenet-core/internal/ble"
	"github.com/chaz8081/bluenet-core/internal/ble/crypto"
	"github.com/chaz8081/bluenet-core/internal/ble/protocol"
	"github.com/chaz8081/bluenet-core/internal/events"
	"github.com/chaz8081/bluenet-core/internal/session"
)

// TotalSteps is the number of steps in every run.
const TotalSteps = 13

// ErrVerification is returned when a value read back differs from the one written.
var ErrVerification = errors.New("provision: verification mismatch")

// Beacon is the iBeacon identity the peripheral will advertise.
type Beacon struct {
	UUID  uuid.UUID
	Major uint16
	Minor uint16
}

// Request is everything installed on the peripheral.
type Request struct {
	CrownstoneID      uint16
	Keys              crypto.KeySet
	MeshAccessAddress uint32
	Beacon            Beacon
}

// Validate checks the request before anything is written.
func (r Request) Validate() error {
	if err := r.Keys.Validate(); err != nil {
		return err
	}
	if r.MeshAccessAddress == 0 {
		return errors.New("provision: mesh access address must be set")
	}
	if r.Beacon.UUID == uuid.Nil {
		return errors.New("provision: beacon uuid must be set")
	}
	return nil
}

// StepError reports which step failed.
type StepError struct {
	Step int // 1-based
	Name string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("provision: step %d/%d (%s): %v", e.Step, TotalSteps, e.Name, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Status is one progress report. Err is set only on the failure report,
// where Step is the failing step.
type Status struct {
	Attempt  string
	Address  ble.Address
	Step     int
	Name     string
	Fraction float64
	Err      error
}

// Progress wraps Status for the event bus.
type Progress struct {
	Status
}

func (Progress) Topic() events.Topic { return events.TopicProvisioning }

// Result is handed to the completion callback.
type Result struct {
	Attempt  string
	Address  ble.Address
	Request  Request
	Started  time.Time
	Finished time.Time
	Err      error
}

// OK reports whether setup succeeded.
func (r Result) OK() bool { return r.Err == nil }

type (
	ProgressFunc func(Status)
	CompleteFunc func(Result)
)

// Flow runs provisioning attempts. It holds no per-attempt state and may
// run several attempts on different sessions concurrently.
type Flow struct {
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Flow. bus and logger may be nil.
func New(bus *events.Bus, logger *slog.Logger) *Flow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flow{
		bus:    bus,
		logger: logger.With("component", "provision"),
		now:    time.Now,
	}
}

type step struct {
	name string
	run  func(ctx context.Context, s *session.Session, req Request) error
}

func writeConfig(t protocol.ConfigType, value func(Request) []byte) func(context.Context, *session.Session, Request) error {
	return func(ctx context.Context, s *session.Session, req Request) error {
		_, err := session.Execute(ctx, s, session.WriteConfig{Type: t, Value: value(req)})
		return err
	}
}

func verifyConfig(t protocol.ConfigType, want func(Request) []byte) func(context.Context, *session.Session, Request) error {
	return func(ctx context.Context, s *session.Session, req Request) error {
		got, err := session.Execute(ctx, s, session.ReadConfig{Type: t})
		if err != nil {
			return err
		}
		if !bytes.Equal(got, want(req)) {
			return fmt.Errorf("%w: config %d is %x, wrote %x", ErrVerification, t, got, want(req))
		}
		return nil
	}
}

func control(t protocol.ControlType) func(context.Context, *session.Session, Request) error {
	return func(ctx context.Context, s *session.Session, _ Request) error {
		_, err := session.Execute(ctx, s, session.Control{Type: t})
		return err
	}
}

func crownstoneID(r Request) []byte { return protocol.Uint16(r.CrownstoneID) }
func beaconUUID(r Request) []byte   { return r.Beacon.UUID[:] }

var steps = [TotalSteps]step{
	{"exchange-setup-key", exchangeSetupKey},
	{"write-crownstone-id", writeConfig(protocol.ConfigCrownstoneID, crownstoneID)},
	{"write-admin-key", writeConfig(protocol.ConfigKeyAdmin, func(r Request) []byte { return r.Keys.Admin })},
	{"write-member-key", writeConfig(protocol.ConfigKeyMember, func(r Request) []byte { return r.Keys.Member })},
	{"write-guest-key", writeConfig(protocol.ConfigKeyGuest, func(r Request) []byte { return r.Keys.Guest })},
	{"write-mesh-access-address", writeConfig(protocol.ConfigMeshAccessAddress, func(r Request) []byte {
		return protocol.Uint32(r.MeshAccessAddress)
	})},
	{"write-beacon-uuid", writeConfig(protocol.ConfigIBeaconUUID, beaconUUID)},
	{"write-beacon-major", writeConfig(protocol.ConfigIBeaconMajor, func(r Request) []byte { return protocol.Uint16(r.Beacon.Major) })},
	{"write-beacon-minor", writeConfig(protocol.ConfigIBeaconMinor, func(r Request) []byte { return protocol.Uint16(r.Beacon.Minor) })},
	{"verify-crownstone-id", verifyConfig(protocol.ConfigCrownstoneID, crownstoneID)},
	{"verify-beacon-uuid", verifyConfig(protocol.ConfigIBeaconUUID, beaconUUID)},
	{"validate-setup", control(protocol.ControlValidateSetup)},
	{"finalize", control(protocol.ControlFinalizeSetup)},
}

// StepNames returns the step names in order.
func StepNames() []string {
	names := make([]string, len(steps))
	for i, st := range steps {
		names[i] = st.name
	}
	return names
}

func exchangeSetupKey(ctx context.Context, s *session.Session, _ Request) error {
	ch, err := session.Execute(ctx, s, session.ExchangeSetupKey{})
	if err != nil {
		if !errors.Is(err, ble.ErrEncryptionSetupFailed) {
			err = fmt.Errorf("%w: %w", ble.ErrEncryptionSetupFailed, err)
		}
		return err
	}
	return s.SetChannel(ch)
}

// Run provisions the peripheral behind s, which must be Ready. onProgress
// gets a report after every completed step and one report for a failing
// step; onComplete is called exactly once. Either callback may be nil.
// On failure the session is left as the failing step left it.
func (f *Flow) Run(ctx context.Context, s *session.Session, req Request, onProgress ProgressFunc, onComplete CompleteFunc) error {
	res := Result{
		Attempt: ulid.Make().String(),
		Address: s.Address(),
		Request: req,
		Started: f.now(),
	}
	logger := f.logger.With("attempt", res.Attempt, "address", res.Address.String())
	report := func(st Status) {
		st.Attempt, st.Address = res.Attempt, res.Address
		if onProgress != nil {
			onProgress(st)
		}
		f.bus.Publish(Progress{Status: st})
	}
	complete := func(err error) error {
		res.Finished = f.now()
		res.Err = err
		if onComplete != nil {
			onComplete(res)
		}
		return err
	}

	if err := req.Validate(); err != nil {
		logger.Warn("[SETUP] invalid request", "error", err)
		return complete(err)
	}

	logger.Info("[SETUP] starting", "crownstone_id", req.CrownstoneID)
	for i, st := range steps {
		n := i + 1
		if err := st.run(ctx, s, req); err != nil {
			stepErr := &StepError{Step: n, Name: st.name, Err: err}
			logger.Error("[SETUP] step failed", "step", n, "name", st.name, "error", err)
			report(Status{Step: n, Name: st.name, Fraction: float64(i) / TotalSteps, Err: stepErr})
			return complete(stepErr)
		}
		logger.Debug("[SETUP] step done", "step", n, "name", st.name)
		report(Status{Step: n, Name: st.name, Fraction: float64(n) / TotalSteps})
	}

	logger.Info("[SETUP] complete", "elapsed", f.now().Sub(res.Started).Round(time.Millisecond))
	return complete(nil)
}

// ParseBeaconUUID parses a beacon UUID in any form google/uuid accepts.
func ParseBeaconUUID(s string) (uuid.UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("provision: beacon uuid: %w", err)
	}
	return u, nil
}
