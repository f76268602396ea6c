// Package ledger keeps a SQLite record of every provisioning attempt so
// identifiers are not handed out twice and a commissioned peripheral can be
// traced back to its setup. Keys are never stored.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chaz8081/bluenet-core/internal/ble"
	"github.com/chaz8081/bluenet-core/internal/provision"
)

// timeFormat sorts lexically in time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound is returned by Lookup when the address was never commissioned.
var ErrNotFound = errors.New("ledger: not found")

// Entry is one recorded attempt.
type Entry struct {
	Attempt           string
	Address           ble.Address
	CrownstoneID      uint16
	MeshAccessAddress uint32
	BeaconUUID        string
	BeaconMajor       uint16
	BeaconMinor       uint16
	OK                bool
	FailedStep        int
	Error             string
	StartedAt         time.Time
	FinishedAt        time.Time
}

// Ledger is a SQLite-backed attempt log.
type Ledger struct {
	db *sql.DB
}

// Open opens (or creates) the ledger at path and runs the schema migration.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return &Ledger{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS setups (
			attempt             TEXT PRIMARY KEY,
			address             TEXT NOT NULL,
			crownstone_id       INTEGER NOT NULL,
			mesh_access_address INTEGER NOT NULL,
			beacon_uuid         TEXT NOT NULL,
			beacon_major        INTEGER NOT NULL,
			beacon_minor        INTEGER NOT NULL,
			ok                  INTEGER NOT NULL,
			failed_step         INTEGER NOT NULL DEFAULT 0,
			error               TEXT NOT NULL DEFAULT '',
			started_at          TEXT NOT NULL,
			finished_at         TEXT NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS setups_address ON setups (address, finished_at)")
	return err
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record stores the outcome of one provisioning attempt.
func (l *Ledger) Record(ctx context.Context, res provision.Result) error {
	var failedStep int
	var msg string
	if res.Err != nil {
		msg = res.Err.Error()
		var stepErr *provision.StepError
		if errors.As(res.Err, &stepErr) {
			failedStep = stepErr.Step
		}
	}
	req := res.Request
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO setups (attempt, address, crownstone_id, mesh_access_address, beacon_uuid,
			beacon_major, beacon_minor, ok, failed_step, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.Attempt, res.Address.String(), req.CrownstoneID, req.MeshAccessAddress, req.Beacon.UUID.String(),
		req.Beacon.Major, req.Beacon.Minor, res.OK(), failedStep, msg,
		res.Started.UTC().Format(timeFormat), res.Finished.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("ledger: record %s: %w", res.Attempt, err)
	}
	return nil
}

// Lookup returns the latest successful setup of address.
func (l *Ledger) Lookup(ctx context.Context, address ble.Address) (Entry, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM setups WHERE address = ? AND ok = 1
		ORDER BY finished_at DESC LIMIT 1`, address.String())
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	return e, err
}

// NextDeviceID returns one past the highest id successfully assigned, or 1.
func (l *Ledger) NextDeviceID(ctx context.Context) (uint16, error) {
	var highest sql.NullInt64
	err := l.db.QueryRowContext(ctx, "SELECT MAX(crownstone_id) FROM setups WHERE ok = 1").Scan(&highest)
	if err != nil {
		return 0, fmt.Errorf("ledger: next id: %w", err)
	}
	if !highest.Valid {
		return 1, nil
	}
	if highest.Int64 >= 0xFFFF {
		return 0, errors.New("ledger: device id space exhausted")
	}
	return uint16(highest.Int64 + 1), nil
}

// List returns every attempt, oldest first.
func (l *Ledger) List(ctx context.Context) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+columns+` FROM setups ORDER BY started_at, attempt`)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const columns = `attempt, address, crownstone_id, mesh_access_address, beacon_uuid,
	beacon_major, beacon_minor, ok, failed_step, error, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e                 Entry
		address           string
		started, finished string
	)
	err := row.Scan(&e.Attempt, &address, &e.CrownstoneID, &e.MeshAccessAddress, &e.BeaconUUID,
		&e.BeaconMajor, &e.BeaconMinor, &e.OK, &e.FailedStep, &e.Error, &started, &finished)
	if err != nil {
		return Entry{}, err
	}
	e.Address = ble.Address(address)
	if e.StartedAt, err = time.Parse(timeFormat, started); err != nil {
		return Entry{}, fmt.Errorf("ledger: parse started_at: %w", err)
	}
	if e.FinishedAt, err = time.Parse(timeFormat, finished); err != nil {
		return Entry{}, fmt.Errorf("ledger: parse finished_at: %w", err)
	}
	return e, nil
}
