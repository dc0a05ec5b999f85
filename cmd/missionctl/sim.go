package main

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/missionctl/internal/telemetry"
	"github.com/banshee-data/missionctl/internal/vehicle"
)

// simulate returns a line generator for -dev. Each aircraft hovers at 1 m on
// a slow circle of its own, 2 m east of the previous one, and reports its
// battery every tenth tick.
func simulate(ids []int) func(tick int) []string {
	return func(tick int) []string {
		lines := make([]string, 0, 2*len(ids))
		t := float64(tick) * 0.1
		for i, id := range ids {
			phase := t*0.2 + float64(i)
			fp := telemetry.RotorcraftFP{
				AcID: id,
				Position: r3.Vec{
					X: 0.5 * math.Cos(phase),
					Y: 2*float64(i) + 0.5*math.Sin(phase),
					Z: 1,
				},
				Velocity: r3.Vec{X: -0.1 * math.Sin(phase), Y: 0.1 * math.Cos(phase)},
				Euler:    vehicle.Euler{Yaw: math.Mod(phase, 2*math.Pi)},
			}
			lines = append(lines, fp.Encode())
			if tick%10 == 0 {
				lines = append(lines, telemetry.Energy{AcID: id, Voltage: simVoltage(tick)}.Encode())
			}
		}
		return lines
	}
}

// simVoltage drains a 3S pack from 12.6 V towards 10.5 V over about an hour
// of ticks.
func simVoltage(tick int) float64 {
	v := 12.6 - float64(tick)*6e-5
	return math.Round(math.Max(v, 10.5)*100) / 100
}
