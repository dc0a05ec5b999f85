// Command missionctl flies a mission plan on a fleet of rotorcraft from the
// ground, over a serial modem or the ground-segment UDP bus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/missionctl/internal/config"
	"github.com/banshee-data/missionctl/internal/control"
	"github.com/banshee-data/missionctl/internal/fleet"
	"github.com/banshee-data/missionctl/internal/monitoring"
	"github.com/banshee-data/missionctl/internal/recorder"
	"github.com/banshee-data/missionctl/internal/serialmux"
	"github.com/banshee-data/missionctl/internal/settings"
	"github.com/banshee-data/missionctl/internal/telemetry"
	"github.com/banshee-data/missionctl/internal/timeutil"
	"github.com/banshee-data/missionctl/internal/vehicle"
	"github.com/banshee-data/missionctl/internal/version"
)

// Link modes for -on.
const (
	onGround = "ground"
	onSerial = "serial"
	onNone   = "none"
)

var (
	runningOn   = flag.String("on", onGround, "Where the link runs: ground (UDP bus), serial (modem) or none (dry run)")
	device      = flag.String("device", "/dev/ttyUSB0", "Serial device for -on serial")
	baud        = flag.Int("baud", 0, "Serial baud rate (0 uses the config value)")
	busListen   = flag.String("bus-listen", ":4242", "UDP address the ground bus is read from")
	busRemote   = flag.String("bus-remote", "127.0.0.1:4243", "UDP address commands are sent to on the ground bus")
	msgClass    = flag.String("class", telemetry.ClassAll, "Message class to ingest: all, telemetry or ground")
	acIDs       = flag.String("ac-ids", "", "Comma separated aircraft ids (overrides the config)")
	interfaceID = flag.Int("interface-id", 0, "Sender id of this station on a serial link")
	configFile  = flag.String("config", "", "Mission config JSON (defaults apply when empty)")
	dbPath      = flag.String("db", "", "Flight log path (overrides the config; \"off\" disables recording)")
	listen      = flag.String("listen", ":8080", "Admin HTTP listen address (empty disables)")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFile     = flag.String("log-file", "", "Write logs to this size-rotated file instead of stderr")
	logJSON     = flag.Bool("log-json", false, "Log one JSON object per line")
	devMode     = flag.Bool("dev", false, "Use a simulated link instead of real hardware")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("missionctl"))
		return
	}

	var logOut io.Writer = os.Stderr
	if *logFile != "" {
		f := monitoring.RotatingFile(*logFile)
		defer f.Close()
		logOut = f
	}
	logger := monitoring.Setup(*logLevel, *logJSON, logOut)

	cfg, err := loadConfig(*configFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load mission config")
	}
	ids := cfg.GetAircraftIDs()
	if *acIDs != "" {
		if ids, err = parseIDs(*acIDs); err != nil {
			logger.Fatal().Err(err).Msg("invalid -ac-ids")
		}
	}
	accepted, err := telemetry.ClassMessages(*msgClass)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid -class")
	}

	link, from, err := openLink(cfg, ids)
	if err != nil {
		logger.Fatal().Err(err).Str("on", *runningOn).Msg("failed to open link")
	}
	logger.Info().Str("on", *runningOn).Ints("ac_ids", ids).Msg("link open")

	metrics, err := monitoring.NewMetrics(prometheus.NewRegistry())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to register metrics")
	}

	opts := []fleet.Option{fleet.WithMetrics(metrics), fleet.WithMessages(accepted)}
	var flightLog *recorder.DB
	if path := recorderPath(cfg); path != "" {
		flightLog, err = recorder.Open(path)
		if err != nil {
			logger.Fatal().Err(err).Str("path", path).Msg("failed to open flight log")
		}
		defer flightLog.Close()
		opts = append(opts, fleet.WithRecorder(flightLog))
	}

	mc := fleet.New(cfg.GetFleetConfig(), opts...)
	sender := telemetry.LinkSender{Link: link, From: from}
	reg := settings.NewRegistry(cfg.GetSettings())
	params := cfg.GetParams()
	for _, id := range ids {
		c := control.New(vehicle.NewCell(id), sender, reg, timeutil.RealClock{}, params)
		if err := mc.Add(c); err != nil {
			logger.Fatal().Err(err).Msg("failed to build fleet")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The link outlives ctx so the shutdown plan still sees telemetry.
	linkCtx, closeLink := context.WithCancel(context.Background())
	defer closeLink()

	var links errgroup.Group
	links.Go(func() error {
		if err := link.Monitor(linkCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("link monitor: %w", err)
		}
		return nil
	})
	links.Go(func() error {
		mc.Listen(linkCtx, link)
		return nil
	})

	server := startAdmin(logger, link, mc, flightLog, metrics)

	plan := cfg.GetPlan()
	if err := mc.Assign(plan); err != nil {
		logger.Fatal().Err(err).Msg("failed to assign mission")
	}

	select {
	case <-time.After(cfg.GetSettle()):
	case <-ctx.Done():
	}
	mc.AssignProperties()

	if flightLog != nil {
		if _, err := flightLog.StartRun(plan, *runningOn, time.Now()); err != nil {
			logger.Error().Err(err).Msg("flight log run not started")
		}
	}

	if err := mc.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown plan incomplete")
	}

	if flightLog != nil {
		if err := flightLog.EndRun(time.Now()); err != nil && !errors.Is(err, recorder.ErrNoRun) {
			logger.Error().Err(err).Msg("flight log run not closed")
		}
	}
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			server.Close()
		}
		cancel()
	}

	closeLink()
	if err := link.Close(); err != nil {
		logger.Warn().Err(err).Msg("link close")
	}
	if err := links.Wait(); err != nil {
		logger.Error().Err(err).Msg("link stopped early")
	}
	logger.Info().Msg("shutting down")
}

func loadConfig(path string) (*config.MissionConfig, error) {
	if path == "" {
		return &config.MissionConfig{}, nil
	}
	return config.LoadMissionConfig(path)
}

func recorderPath(cfg *config.MissionConfig) string {
	switch *dbPath {
	case "":
		return cfg.GetRecorderPath()
	case "off":
		return ""
	default:
		return *dbPath
	}
}

// parseIDs reads "3,5, 7" into [3 5 7].
func parseIDs(s string) ([]int, error) {
	var ids []int
	seen := make(map[int]bool)
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		id, err := strconv.Atoi(f)
		if err != nil || id <= 0 || id > 255 {
			return nil, fmt.Errorf("%q is not an aircraft id", f)
		}
		if seen[id] {
			return nil, fmt.Errorf("aircraft %d listed twice", id)
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.New("no aircraft ids")
	}
	return ids, nil
}

// openLink opens the transport selected by -on and returns the sender name
// commands go out with.
func openLink(cfg *config.MissionConfig, ids []int) (serialmux.SerialMuxInterface, string, error) {
	if *devMode {
		return serialmux.NewSimulatedMux(100*time.Millisecond, simulate(ids)), telemetry.DefaultSender, nil
	}
	switch *runningOn {
	case onGround:
		mux, err := serialmux.NewUDPBusMux(*busListen, *busRemote)
		return mux, telemetry.DefaultSender, err
	case onSerial:
		opts := cfg.GetSerial()
		if *baud > 0 {
			opts.BaudRate = *baud
		}
		mux, err := serialmux.NewRealSerialMux(*device, opts)
		return mux, strconv.Itoa(*interfaceID), err
	case onNone:
		return serialmux.NewDisabledSerialMux(), telemetry.DefaultSender, nil
	default:
		return nil, "", fmt.Errorf("unknown -on %q: expected %s, %s or %s", *runningOn, onGround, onSerial, onNone)
	}
}

func startAdmin(logger zerolog.Logger, link serialmux.SerialMuxInterface, mc *fleet.MissionControl, flightLog *recorder.DB, metrics *monitoring.Metrics) *http.Server {
	if *listen == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	link.AttachAdminRoutes(mux)
	mc.AttachAdminRoutes(mux)
	if flightLog != nil {
		if err := flightLog.AttachAdminRoutes(mux); err != nil {
			logger.Error().Err(err).Msg("flight log admin routes unavailable")
		}
	}

	server := &http.Server{
		Addr:              *listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to start admin server")
		}
	}()
	logger.Info().Str("listen", *listen).Msg("admin server started")
	return server
}
