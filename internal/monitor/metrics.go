package monitor

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/turtacn/endura/pkg/consts"
	"github.com/turtacn/endura/pkg/logger"
)

var (
	// RunsTotal counts finished runs, partitioned by outcome (completed, failed).
	RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "endura_runs_total",
		Help: "Total number of finished durability runs",
	}, []string{"outcome"})
	// CyclesCompleted counts extend/retract cycles whose actuation window ran to its deadline.
	CyclesCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "endura_cycles_completed_total",
		Help: "Total number of completed actuation cycles",
	})
	// CutoffTrips counts segments ended by the current cutoff, partitioned by phase.
	CutoffTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "endura_cutoff_trips_total",
		Help: "Total number of current cutoff trips",
	}, []string{"phase"})
	// DriverErrors counts failed driver exchanges, partitioned by operation.
	DriverErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "endura_driver_errors_total",
		Help: "Total number of failed actuator driver calls",
	}, []string{"op"})
	WatchdogPingFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "endura_watchdog_ping_failures_total",
		Help: "Total number of failed watchdog pings",
	})
	// TelemetryDropped counts snapshots replaced before a slow sink consumed them.
	TelemetryDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "endura_telemetry_dropped_total",
		Help: "Total number of telemetry snapshots dropped per sink",
	}, []string{"sink"})
	CurrentAmps = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "endura_current_amps",
		Help: "Latest smoothed actuator current",
	})
	// Phase is 1 for the active phase and 0 for all others.
	Phase = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "endura_phase",
		Help: "Active orchestrator phase",
	}, []string{"phase"})
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "endura_commands_total",
		Help: "Total number of commands received, partitioned by action and result",
	}, []string{"action", "result"})
)

var allPhases = []consts.Phase{
	consts.PhaseIdle,
	consts.PhaseUnlocking,
	consts.PhaseActuatingExtend,
	consts.PhaseActuatingRetract,
	consts.PhaseHoming,
	consts.PhaseLocking,
	consts.PhaseResting,
}

var registerOnce sync.Once

// Register adds all collectors to reg exactly once per process.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(RunsTotal, CyclesCompleted, CutoffTrips, DriverErrors,
			WatchdogPingFailures, TelemetryDropped, CurrentAmps, Phase, CommandsTotal)
	})
}

// SetPhase marks p as the only active phase.
func SetPhase(p consts.Phase) {
	for _, ph := range allPhases {
		v := 0.0
		if ph == p {
			v = 1
		}
		Phase.WithLabelValues(string(ph)).Set(v)
	}
}

// InitMetrics registers Prometheus metrics and starts an HTTP server to expose them.
// It takes an address string (e.g., ":9090") on which to listen for requests.
// An empty address registers the metrics without serving them.
func InitMetrics(addr string) {
	Register(prometheus.DefaultRegisterer)
	if addr == "" {
		return
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Log.Info("Metrics server starting", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Log.Error("Metrics server failed", "err", err)
		}
	}()
}

// Personal.AI order the ending
