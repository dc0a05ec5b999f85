// Command flightplot renders a recorded mission run as PNG plots and prints
// a per-aircraft summary.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/banshee-data/missionctl/internal/flightplot"
	"github.com/banshee-data/missionctl/internal/monitoring"
	"github.com/banshee-data/missionctl/internal/recorder"
)

var (
	dbPath   = flag.String("db", "flightlog.db", "Flight log to read")
	runID    = flag.String("run", "", "Run id to plot (latest when empty)")
	acID     = flag.Int("ac", 0, "Aircraft to plot (0 plots all)")
	outDir   = flag.String("out", "plots", "Directory the PNG files are written to")
	listRuns = flag.Bool("list", false, "List recorded runs and exit")
	logLevel = flag.String("log-level", "info", "Log level: debug, info, warn, error")
)

func main() {
	flag.Parse()
	logger := monitoring.Setup(*logLevel, false, os.Stderr)

	if _, err := os.Stat(*dbPath); err != nil {
		logger.Fatal().Err(err).Str("db", *dbPath).Msg("flight log not found")
	}
	db, err := recorder.Open(*dbPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open flight log")
	}
	defer db.Close()

	if *listRuns {
		runs, err := db.Runs()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to list runs")
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tLABEL\tSTARTED\tENDED\tPLAN")
		for _, r := range runs {
			ended := "-"
			if r.EndedAt != nil {
				ended = r.EndedAt.Format("15:04:05")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Label, r.StartedAt.Format("2006-01-02 15:04:05"), ended, r.Plan)
		}
		w.Flush()
		return
	}

	id := *runID
	if id == "" {
		if id, err = db.LatestRun(); err != nil {
			logger.Fatal().Err(err).Msg("no run to plot")
		}
	}

	states, err := db.States(id, *acID)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to read states")
	}
	actions, err := db.Actions(id)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to read actions")
	}
	if *acID != 0 {
		actions = filterActions(actions, *acID)
	}
	logger.Info().Str("run", id).Int("states", len(states)).Int("actions", len(actions)).Msg("run loaded")

	p, err := flightplot.New(*outDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare output")
	}
	files, err := p.Generate(states, actions)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to plot run")
	}
	for _, f := range files {
		logger.Info().Str("file", f).Msg("wrote plot")
	}

	counts, err := db.CommandCounts(id)
	if err != nil {
		logger.Warn().Err(err).Msg("command counts unavailable")
	}
	printSummary(os.Stdout, flightplot.Summarize(states, actions), counts)
}

func filterActions(actions []recorder.ActuatorEvent, ac int) []recorder.ActuatorEvent {
	out := actions[:0:0]
	for _, a := range actions {
		if a.AcID == ac {
			out = append(out, a)
		}
	}
	return out
}

func printSummary(out *os.File, summaries []flightplot.Summary, counts map[string]int) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AC\tSAMPLES\tSECONDS\tMEAN DRIFT\tMAX DRIFT\tFAULT TICKS\tLOW BATTERY\tACTIONS")
	for _, s := range summaries {
		fmt.Fprintf(w, "%d\t%d\t%.1f\t%.2f\t%.2f\t%d\t%d\t%s\n",
			s.AcID, s.Samples, s.Duration, s.MeanDrift, s.MaxDrift, s.FaultTicks, s.BatteryOverrides, joinCounts(s.Actions))
	}
	w.Flush()
	if len(counts) > 0 {
		fmt.Fprintf(out, "commands: %s\n", joinCounts(counts))
	}
}

func joinCounts(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[k])
	}
	return strings.Join(parts, " ")
}
