package fleet

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/missionctl/internal/httputil"
)

// echartsAssetsPrefix is where the chart page loads echarts.min.js from.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// AttachAdminRoutes serves /api/fleet and the /debug/fleet-map chart.
func (m *MissionControl) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/fleet", m.handleFleet)

	debug := tsweb.Debugger(mux)
	debug.HandleFunc("fleet-map", "top-down positions of every aircraft", m.handleFleetMap)
}

// handleFleet returns the status of every aircraft, or of one with ?ac_id=.
func (m *MissionControl) handleFleet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if raw := r.URL.Query().Get("ac_id"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			httputil.BadRequest(w, "invalid ac_id")
			return
		}
		c, ok := m.Controller(id)
		if !ok {
			httputil.NotFound(w, fmt.Sprintf("aircraft %d not on roster", id))
			return
		}
		httputil.WriteJSONOK(w, c.Status())
		return
	}
	httputil.WriteJSONOK(w, m.Status())
}

// handleFleetMap renders a square top-down scatter of every aircraft, east
// on the horizontal axis and north on the vertical one. Start positions are
// drawn as a second series.
func (m *MissionControl) handleFleetMap(w http.ResponseWriter, r *http.Request) {
	status := m.Status()
	if len(status) == 0 {
		httputil.NotFound(w, "no aircraft registered")
		return
	}

	current := make([]opts.ScatterData, 0, len(status))
	start := make([]opts.ScatterData, 0, len(status))
	maxAbs := 0.0
	for _, s := range status {
		if !s.State.Initialized {
			continue
		}
		p := s.State.Position
		current = append(current, opts.ScatterData{
			Name:  strconv.Itoa(s.AcID),
			Value: []interface{}{p.Y, p.X, p.Z},
		})
		q := s.State.InitialPosition
		start = append(start, opts.ScatterData{
			Name:  strconv.Itoa(s.AcID),
			Value: []interface{}{q.Y, q.X, q.Z},
		})
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(p.X), math.Abs(p.Y)))
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(q.X), math.Abs(q.Y)))
	}

	pad := maxAbs * 1.2
	if pad < 1 {
		pad = 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Fleet map", Theme: "dark", Width: "800px", Height: "800px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Fleet", Subtitle: fmt.Sprintf("aircraft=%d reporting=%d", len(status), len(current))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "East (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "North (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("position", current, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 12}))
	scatter.AddSeries("start", start, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
