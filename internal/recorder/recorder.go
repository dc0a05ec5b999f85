// Package recorder keeps a sqlite flight log of every mission run: the
// telemetry received, the commands sent, the actuator actions applied and
// the state of each aircraft after every control tick.
package recorder

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/missionctl/internal/control"
	"github.com/banshee-data/missionctl/internal/mission"
	"github.com/banshee-data/missionctl/internal/telemetry"
)

// ErrNoRun is returned when recording before StartRun.
var ErrNoRun = errors.New("no active run")

// DB is the flight log. It records into the run opened by StartRun.
type DB struct {
	*sql.DB
	path string

	mu  sync.Mutex
	run string
}

// Open opens or creates the flight log at path and brings its schema up to
// date. ":memory:" gives a private in-memory log.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" to one database and serialises
	// writers
	sqlDB.SetMaxOpenConns(1)

	if err := applyPragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func applyPragmas(db *sql.DB) error {
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return nil
}

// Run describes one recorded mission.
type Run struct {
	ID        string
	Label     string
	Plan      string
	StartedAt time.Time
	EndedAt   *time.Time
}

// StartRun opens a new run for plan and makes it the active one. It returns
// the run id.
func (db *DB) StartRun(plan mission.Plan, label string, at time.Time) (string, error) {
	id := uuid.NewString()
	if _, err := db.Exec(
		`INSERT INTO runs (run_id, label, plan, started_at) VALUES (?, ?, ?, ?)`,
		id, label, plan.String(), unixSeconds(at),
	); err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	db.mu.Lock()
	db.run = id
	db.mu.Unlock()
	return id, nil
}

// EndRun stamps the end time of the active run and clears it.
func (db *DB) EndRun(at time.Time) error {
	run, err := db.activeRun()
	if err != nil {
		return err
	}
	if _, err := db.Exec(`UPDATE runs SET ended_at = ? WHERE run_id = ?`, unixSeconds(at), run); err != nil {
		return fmt.Errorf("end run %s: %w", run, err)
	}
	db.mu.Lock()
	db.run = ""
	db.mu.Unlock()
	return nil
}

func (db *DB) activeRun() (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.run == "" {
		return "", ErrNoRun
	}
	return db.run, nil
}

// RecordTelemetry stores one received report. Fields a message does not
// carry are stored as NULL.
func (db *DB) RecordTelemetry(msg telemetry.Message, at time.Time) error {
	run, err := db.activeRun()
	if err != nil {
		return err
	}
	var pos, vel [3]sql.NullFloat64
	var voltage sql.NullFloat64
	switch m := msg.(type) {
	case telemetry.RotorcraftFP:
		pos, vel = vec(m.Position.X, m.Position.Y, m.Position.Z), vec(m.Velocity.X, m.Velocity.Y, m.Velocity.Z)
	case telemetry.INS:
		pos, vel = vec(m.Position.X, m.Position.Y, m.Position.Z), vec(m.Velocity.X, m.Velocity.Y, m.Velocity.Z)
	case telemetry.GroundRef:
		pos, vel = vec(m.Position.X, m.Position.Y, m.Position.Z), vec(m.Velocity.X, m.Velocity.Y, m.Velocity.Z)
	case telemetry.Energy:
		voltage = sql.NullFloat64{Float64: m.Voltage, Valid: true}
	}
	_, err = db.Exec(
		`INSERT INTO telemetry (run_id, ts, ac_id, msg, x, y, z, vx, vy, vz, voltage)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run, unixSeconds(at), msg.AircraftID(), msg.Name(),
		pos[0], pos[1], pos[2], vel[0], vel[1], vel[2], voltage,
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", msg.Name(), err)
	}
	return nil
}

func vec(x, y, z float64) [3]sql.NullFloat64 {
	return [3]sql.NullFloat64{{Float64: x, Valid: true}, {Float64: y, Valid: true}, {Float64: z, Valid: true}}
}

// RecordTick stores the state after one control tick together with the
// commands and actuator actions of that tick, in one transaction.
func (db *DB) RecordTick(res control.TickResult, at time.Time) error {
	run, err := db.activeRun()
	if err != nil {
		return err
	}
	ts := unixSeconds(at)

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	st := res.State
	e := st.Effectiveness
	if _, err := tx.Exec(
		`INSERT INTO vehicle_states (run_id, ts, ac_id, phase, elapsed_s, x, y, z,
		   initial_x, initial_y, initial_z, heading, morph, fault,
		   m1, m2, m3, m4, m5, m6, voltage, battery_override)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run, ts, res.AcID, res.Phase, res.Elapsed.Seconds(),
		st.Position.X, st.Position.Y, st.Position.Z,
		st.InitialPosition.X, st.InitialPosition.Y, st.InitialPosition.Z,
		st.Heading(), st.Morph, st.Fault,
		e[0], e[1], e[2], e[3], e[4], e[5],
		st.BatteryVoltage, res.BatteryOverride,
	); err != nil {
		return fmt.Errorf("record state of %d: %w", res.AcID, err)
	}

	for _, cmd := range res.Commands {
		if _, err := tx.Exec(
			`INSERT INTO commands (run_id, ts, ac_id, phase, name, line) VALUES (?, ?, ?, ?, ?, ?)`,
			run, ts, cmd.AircraftID(), res.Phase, cmd.Name(), cmd.Encode(telemetry.DefaultSender),
		); err != nil {
			return fmt.Errorf("record %s: %w", cmd.Name(), err)
		}
	}
	for _, act := range res.Actions {
		if _, err := tx.Exec(
			`INSERT INTO actuator_events (run_id, ts, ac_id, phase, kind, motor, step, target)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run, ts, res.AcID, res.Phase, act.Kind.String(), act.Motor, act.Step, act.Target,
		); err != nil {
			return fmt.Errorf("record action %s: %w", act, err)
		}
	}
	return tx.Commit()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	sec := int64(s)
	return time.Unix(sec, int64((s-float64(sec))*1e9)).UTC()
}
