package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/bluenet-core/internal/ble"
	"github.com/chaz8081/bluenet-core/internal/provision"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func result(attempt, addr string, id uint16, started time.Time, err error) provision.Result {
	return provision.Result{
		Attempt: attempt,
		Address: ble.MustParseAddress(addr),
		Request: provision.Request{
			CrownstoneID:      id,
			MeshAccessAddress: 0x9449d07c,
			Beacon: provision.Beacon{
				UUID:  uuid.MustParse("1843423e-e175-4af0-a2e4-31e32f729a8a"),
				Major: 123,
				Minor: 456,
			},
		},
		Started:  started,
		Finished: started.Add(3 * time.Second),
		Err:      err,
	}
}

func TestRecordAndLookup(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := l.Record(ctx, result("01A", "AA:BB:CC:DD:EE:01", 1, t0, nil)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	e, err := l.Lookup(ctx, "AA:BB:CC:DD:EE:01")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e.Attempt != "01A" || !e.OK || e.CrownstoneID != 1 {
		t.Errorf("Lookup = %+v", e)
	}
	if e.MeshAccessAddress != 0x9449d07c {
		t.Errorf("MeshAccessAddress = %#x, want 0x9449d07c", e.MeshAccessAddress)
	}
	if e.BeaconUUID != "1843423e-e175-4af0-a2e4-31e32f729a8a" || e.BeaconMajor != 123 || e.BeaconMinor != 456 {
		t.Errorf("beacon = %s/%d/%d", e.BeaconUUID, e.BeaconMajor, e.BeaconMinor)
	}
	if !e.StartedAt.Equal(t0) || !e.FinishedAt.Equal(t0.Add(3*time.Second)) {
		t.Errorf("times = %s..%s", e.StartedAt, e.FinishedAt)
	}
}

func TestLookupIgnoresFailures(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	t0 := time.Now()

	stepErr := &provision.StepError{Step: 5, Name: "write-guest-key", Err: errors.New("rejected")}
	if err := l.Record(ctx, result("01B", "AA:BB:CC:DD:EE:02", 2, t0, stepErr)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if _, err := l.Lookup(ctx, "AA:BB:CC:DD:EE:02"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup error = %v, want ErrNotFound", err)
	}

	entries, err := l.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("List returned %d entries, want 1", len(entries))
	}
	if entries[0].OK || entries[0].FailedStep != 5 || entries[0].Error == "" {
		t.Errorf("failed entry = %+v", entries[0])
	}
}

func TestLookupReturnsLatest(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, r := range []provision.Result{
		result("01C", "AA:BB:CC:DD:EE:03", 3, t0, nil),
		result("01D", "AA:BB:CC:DD:EE:03", 7, t0.Add(time.Hour), nil),
	} {
		if err := l.Record(ctx, r); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}
	e, err := l.Lookup(ctx, "AA:BB:CC:DD:EE:03")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e.CrownstoneID != 7 {
		t.Errorf("CrownstoneID = %d, want 7", e.CrownstoneID)
	}
}

func TestNextDeviceID(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	id, err := l.NextDeviceID(ctx)
	if err != nil {
		t.Fatalf("NextDeviceID: %v", err)
	}
	if id != 1 {
		t.Errorf("empty ledger NextDeviceID = %d, want 1", id)
	}

	t0 := time.Now()
	_ = l.Record(ctx, result("01E", "AA:BB:CC:DD:EE:04", 4, t0, nil))
	_ = l.Record(ctx, result("01F", "AA:BB:CC:DD:EE:05", 9, t0, errors.New("failed")))

	id, err = l.NextDeviceID(ctx)
	if err != nil {
		t.Fatalf("NextDeviceID: %v", err)
	}
	if id != 5 {
		t.Errorf("NextDeviceID = %d, want 5 (failed attempts do not reserve ids)", id)
	}
}

func TestRecordDuplicateAttempt(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	r := result("01G", "AA:BB:CC:DD:EE:06", 1, time.Now(), nil)
	if err := l.Record(ctx, r); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Record(ctx, r); err == nil {
		t.Error("Record of a duplicate attempt id should fail")
	}
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Record(context.Background(), result("01H", "AA:BB:CC:DD:EE:07", 2, time.Now(), nil)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	l.Close()

	l, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l.Close()
	if _, err := l.Lookup(context.Background(), "AA:BB:CC:DD:EE:07"); err != nil {
		t.Errorf("Lookup after reopen: %v", err)
	}
}
