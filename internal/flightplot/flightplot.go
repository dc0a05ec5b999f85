// Package flightplot renders recorded runs as PNG time series: morph and
// motor effectiveness with the actuator events overlaid, and horizontal
// drift from the start position.
package flightplot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/missionctl/internal/recorder"
	"github.com/banshee-data/missionctl/internal/vehicle"
)

// Summary condenses one aircraft's run.
type Summary struct {
	AcID             int
	Samples          int
	Duration         float64 // seconds between first and last sample
	MeanDrift        float64
	MaxDrift         float64
	FaultTicks       int
	BatteryOverrides int
	Actions          map[string]int
}

// Plotter writes plots into one directory.
type Plotter struct {
	outputDir string
	width     vg.Length
	height    vg.Length
}

// New creates outputDir if needed.
func New(outputDir string) (*Plotter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Plotter{outputDir: outputDir, width: 14 * vg.Inch, height: 6 * vg.Inch}, nil
}

type track struct {
	states  []recorder.StateSample
	actions []recorder.ActuatorEvent
}

func group(states []recorder.StateSample, actions []recorder.ActuatorEvent) (map[int]*track, []int) {
	tracks := make(map[int]*track)
	get := func(id int) *track {
		t, ok := tracks[id]
		if !ok {
			t = &track{}
			tracks[id] = t
		}
		return t
	}
	for _, s := range states {
		t := get(s.AcID)
		t.states = append(t.states, s)
	}
	for _, a := range actions {
		t := get(a.AcID)
		t.actions = append(t.actions, a)
	}
	ids := make([]int, 0, len(tracks))
	for id := range tracks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return tracks, ids
}

// Generate writes ac_<id>_actuators.png and ac_<id>_drift.png for every
// aircraft with recorded states and returns the written paths.
func (p *Plotter) Generate(states []recorder.StateSample, actions []recorder.ActuatorEvent) ([]string, error) {
	tracks, ids := group(states, actions)
	var written []string
	for _, id := range ids {
		t := tracks[id]
		if len(t.states) == 0 {
			continue
		}
		files, err := p.generateAircraft(id, t)
		if err != nil {
			return written, fmt.Errorf("aircraft %d: %w", id, err)
		}
		written = append(written, files...)
	}
	return written, nil
}

func (p *Plotter) generateAircraft(id int, t *track) ([]string, error) {
	start := t.states[0].At

	pAct := plot.New()
	pAct.Title.Text = fmt.Sprintf("Aircraft %d - Morph and Motor Effectiveness", id)
	pAct.X.Label.Text = "Time (s)"
	pAct.Y.Label.Text = "Setting"
	pAct.Y.Min, pAct.Y.Max = -0.05, 1.1

	pDrift := plot.New()
	pDrift.Title.Text = fmt.Sprintf("Aircraft %d - Drift From Start", id)
	pDrift.X.Label.Text = "Time (s)"
	pDrift.Y.Label.Text = "Horizontal drift (m)"

	morph := make(plotter.XYs, len(t.states))
	drift := make(plotter.XYs, len(t.states))
	var motors [vehicle.Motors]plotter.XYs
	for i, s := range t.states {
		x := s.At.Sub(start).Seconds()
		morph[i] = plotter.XY{X: x, Y: s.Morph}
		drift[i] = plotter.XY{X: x, Y: s.Drift()}
		for m := range motors {
			motors[m] = append(motors[m], plotter.XY{X: x, Y: s.Effectiveness[m]})
		}
	}

	morphLine, err := plotter.NewLine(morph)
	if err != nil {
		return nil, err
	}
	morphLine.Color = plotutil.Color(0)
	morphLine.Width = vg.Points(2)
	pAct.Add(morphLine)
	pAct.Legend.Add("morph", morphLine)

	for m, pts := range motors {
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, err
		}
		line.Color = plotutil.Color(m + 1)
		line.Width = vg.Points(1)
		line.Dashes = plotutil.Dashes(1)
		pAct.Add(line)
		pAct.Legend.Add(fmt.Sprintf("M%d", m+1), line)
	}

	if marks := eventMarks(t.actions, start); len(marks) > 0 {
		sc, err := plotter.NewScatter(marks)
		if err != nil {
			return nil, err
		}
		sc.GlyphStyle.Shape = draw.TriangleGlyph{}
		sc.GlyphStyle.Radius = vg.Points(4)
		sc.GlyphStyle.Color = plotutil.Color(vehicle.Motors + 1)
		pAct.Add(sc)
		pAct.Legend.Add("fault events", sc)
	}

	driftLine, err := plotter.NewLine(drift)
	if err != nil {
		return nil, err
	}
	driftLine.Color = plotutil.Color(0)
	driftLine.Width = vg.Points(1)
	pDrift.Add(driftLine, plotter.NewGrid())

	for _, pl := range []*plot.Plot{pAct, pDrift} {
		pl.Legend.Top = true
		pl.Legend.Left = false
		pl.Legend.XOffs = -10
		pl.Legend.YOffs = -10
	}

	actFile := filepath.Join(p.outputDir, fmt.Sprintf("ac_%d_actuators.png", id))
	if err := pAct.Save(p.width, p.height, actFile); err != nil {
		return nil, fmt.Errorf("save actuator plot: %w", err)
	}
	driftFile := filepath.Join(p.outputDir, fmt.Sprintf("ac_%d_drift.png", id))
	if err := pDrift.Save(p.width, p.height, driftFile); err != nil {
		return nil, fmt.Errorf("save drift plot: %w", err)
	}
	return []string{actFile, driftFile}, nil
}

// eventMarks places fail, recover and reset events just above the
// effectiveness range. Morph steps already show on the morph line.
func eventMarks(actions []recorder.ActuatorEvent, start time.Time) plotter.XYs {
	var out plotter.XYs
	for _, a := range actions {
		if a.Kind == "morph" {
			continue
		}
		out = append(out, plotter.XY{X: a.At.Sub(start).Seconds(), Y: 1.05})
	}
	return out
}

// Summarize condenses every aircraft in states and actions, ordered by id.
func Summarize(states []recorder.StateSample, actions []recorder.ActuatorEvent) []Summary {
	tracks, ids := group(states, actions)
	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		t := tracks[id]
		s := Summary{AcID: id, Samples: len(t.states), Actions: make(map[string]int)}
		for _, a := range t.actions {
			s.Actions[a.Kind]++
		}
		if len(t.states) > 0 {
			drift := make([]float64, len(t.states))
			for i, st := range t.states {
				drift[i] = st.Drift()
				if st.Fault {
					s.FaultTicks++
				}
				if st.BatteryOverride {
					s.BatteryOverrides++
				}
			}
			s.Duration = t.states[len(t.states)-1].At.Sub(t.states[0].At).Seconds()
			s.MeanDrift = stat.Mean(drift, nil)
			s.MaxDrift = floats.Max(drift)
		}
		out = append(out, s)
	}
	return out
}
