package recorder

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/missionctl/internal/vehicle"
)

// StateSample is one recorded control tick of one aircraft.
type StateSample struct {
	At              time.Time
	AcID            int
	Phase           string
	Elapsed         time.Duration
	Position        r3.Vec
	InitialPosition r3.Vec
	Heading         float64
	Morph           float64
	Fault           bool
	Effectiveness   [vehicle.Motors]float64
	Voltage         float64
	BatteryOverride bool
}

// Drift is the horizontal distance from the mission-start position.
func (s StateSample) Drift() float64 {
	return math.Hypot(s.Position.X-s.InitialPosition.X, s.Position.Y-s.InitialPosition.Y)
}

// ActuatorEvent is one recorded actuator action.
type ActuatorEvent struct {
	At     time.Time
	AcID   int
	Phase  string
	Kind   string
	Motor  int
	Step   float64
	Target float64
}

// Runs lists every run, newest first.
func (db *DB) Runs() ([]Run, error) {
	rows, err := db.Query(`SELECT run_id, label, plan, started_at, ended_at FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started float64
		var ended sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.Label, &r.Plan, &started, &ended); err != nil {
			return nil, err
		}
		r.StartedAt = fromUnixSeconds(started)
		if ended.Valid {
			t := fromUnixSeconds(ended.Float64)
			r.EndedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LatestRun returns the id of the most recently started run.
func (db *DB) LatestRun() (string, error) {
	var id string
	err := db.QueryRow(`SELECT run_id FROM runs ORDER BY started_at DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoRun
	}
	return id, err
}

// States returns the recorded ticks of a run in time order. acID 0 returns
// every aircraft.
func (db *DB) States(runID string, acID int) ([]StateSample, error) {
	rows, err := db.Query(
		`SELECT ts, ac_id, phase, elapsed_s, x, y, z, initial_x, initial_y, initial_z,
		        heading, morph, fault, m1, m2, m3, m4, m5, m6, voltage, battery_override
		 FROM vehicle_states
		 WHERE run_id = ? AND (? = 0 OR ac_id = ?)
		 ORDER BY ts, ac_id`,
		runID, acID, acID,
	)
	if err != nil {
		return nil, fmt.Errorf("query states of %s: %w", runID, err)
	}
	defer rows.Close()

	var out []StateSample
	for rows.Next() {
		var s StateSample
		var ts, elapsed float64
		e := &s.Effectiveness
		if err := rows.Scan(&ts, &s.AcID, &s.Phase, &elapsed,
			&s.Position.X, &s.Position.Y, &s.Position.Z,
			&s.InitialPosition.X, &s.InitialPosition.Y, &s.InitialPosition.Z,
			&s.Heading, &s.Morph, &s.Fault,
			&e[0], &e[1], &e[2], &e[3], &e[4], &e[5],
			&s.Voltage, &s.BatteryOverride,
		); err != nil {
			return nil, err
		}
		s.At = fromUnixSeconds(ts)
		s.Elapsed = time.Duration(elapsed * float64(time.Second))
		out = append(out, s)
	}
	return out, rows.Err()
}

// Actions returns the actuator events of a run in time order.
func (db *DB) Actions(runID string) ([]ActuatorEvent, error) {
	rows, err := db.Query(
		`SELECT ts, ac_id, phase, kind, motor, step, target
		 FROM actuator_events WHERE run_id = ? ORDER BY ts, ac_id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query actions of %s: %w", runID, err)
	}
	defer rows.Close()

	var out []ActuatorEvent
	for rows.Next() {
		var a ActuatorEvent
		var ts float64
		if err := rows.Scan(&ts, &a.AcID, &a.Phase, &a.Kind, &a.Motor, &a.Step, &a.Target); err != nil {
			return nil, err
		}
		a.At = fromUnixSeconds(ts)
		out = append(out, a)
	}
	return out, rows.Err()
}

// CommandCounts returns how many commands of each name a run sent.
func (db *DB) CommandCounts(runID string) (map[string]int, error) {
	rows, err := db.Query(`SELECT name, COUNT(*) FROM commands WHERE run_id = ? GROUP BY name`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, rows.Err()
}
