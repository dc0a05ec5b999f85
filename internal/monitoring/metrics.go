package monitoring

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the Prometheus collectors for the control loop, the
// command link and telemetry ingestion. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	Ticks           prometheus.Counter
	TickDuration    prometheus.Histogram
	Commands        *prometheus.CounterVec
	ActuatorActions *prometheus.CounterVec
	Telemetry       *prometheus.CounterVec
	TelemetryErrors prometheus.Counter

	Battery *prometheus.GaugeVec
	Morph   *prometheus.GaugeVec
	Fault   *prometheus.GaugeVec
}

// NewMetrics registers the collectors against reg, defaulting to the global
// Prometheus registry when nil. Registering twice against the same registry
// returns the existing collectors.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{gatherer: gatherer}
	var err error

	if m.Ticks, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "missionctl_ticks_total",
		Help: "Control loop iterations across the whole fleet.",
	})); err != nil {
		return nil, err
	}
	if m.TickDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "missionctl_tick_duration_seconds",
		Help:    "Wall time spent ticking every vehicle once.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.09, 0.25},
	})); err != nil {
		return nil, err
	}
	if m.Commands, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "missionctl_commands_total",
		Help: "Commands written to the link, labeled by message kind.",
	}, []string{"kind"})); err != nil {
		return nil, err
	}
	if m.ActuatorActions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "missionctl_actuator_actions_total",
		Help: "Fault sequencer actions applied, labeled by action.",
	}, []string{"action"})); err != nil {
		return nil, err
	}
	if m.Telemetry, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "missionctl_telemetry_messages_total",
		Help: "Telemetry messages applied to vehicle state, labeled by message name.",
	}, []string{"message"})); err != nil {
		return nil, err
	}
	if m.TelemetryErrors, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "missionctl_telemetry_decode_errors_total",
		Help: "Telemetry lines that could not be decoded.",
	})); err != nil {
		return nil, err
	}
	if m.Battery, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "missionctl_vehicle_battery_volts",
		Help: "Last reported battery voltage per aircraft.",
	}, []string{"ac_id"})); err != nil {
		return nil, err
	}
	if m.Morph, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "missionctl_vehicle_morph",
		Help: "Commanded morph blend per aircraft.",
	}, []string{"ac_id"})); err != nil {
		return nil, err
	}
	if m.Fault, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "missionctl_vehicle_fault",
		Help: "1 while an injected motor fault is active.",
	}, []string{"ac_id"})); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (m *Metrics) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if m != nil && m.gatherer != nil {
		gatherer = m.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveTick records one fleet-wide control loop iteration.
func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.Ticks.Inc()
	m.TickDuration.Observe(d.Seconds())
}

// CountCommand records one command of the given kind written to the link.
func (m *Metrics) CountCommand(kind string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(kind).Inc()
}

// CountAction records one applied actuator action.
func (m *Metrics) CountAction(action string) {
	if m == nil {
		return
	}
	m.ActuatorActions.WithLabelValues(action).Inc()
}

// CountTelemetry records one decoded telemetry message, or a decode error
// when name is empty.
func (m *Metrics) CountTelemetry(name string) {
	if m == nil {
		return
	}
	if name == "" {
		m.TelemetryErrors.Inc()
		return
	}
	m.Telemetry.WithLabelValues(name).Inc()
}

// SetVehicle updates the per-aircraft gauges.
func (m *Metrics) SetVehicle(id int, battery, morph float64, fault bool) {
	if m == nil {
		return
	}
	label := strconv.Itoa(id)
	m.Battery.WithLabelValues(label).Set(battery)
	m.Morph.WithLabelValues(label).Set(morph)
	f := 0.0
	if fault {
		f = 1
	}
	m.Fault.WithLabelValues(label).Set(f)
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
			var zero C
			return zero, fmt.Errorf("collector already registered with incompatible type: %w", err)
		}
		var zero C
		return zero, err
	}
	return c, nil
}
