package vm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's prometheus instruments. A nil *Metrics on
// Options disables instrumentation.
type Metrics struct {
	// Evaluations counts finished rule evaluations by result
	// (true, false, error).
	Evaluations *prometheus.CounterVec
	// Actions counts dispatched actions by type and status (ok, error).
	Actions *prometheus.CounterVec
	// CompileFailures counts rule documents dropped for failing to compile.
	CompileFailures prometheus.Counter
	// SnapshotWrites counts successful future-task snapshot writes.
	SnapshotWrites prometheus.Counter
	// RegisteredRules tracks the registry size.
	RegisteredRules prometheus.Gauge
	// RunningTasks tracks in-flight evaluator goroutines.
	RunningTasks prometheus.Gauge
	// FutureTasks tracks rules parked for deferred evaluation.
	FutureTasks prometheus.Gauge
}

// NewMetrics registers the engine's instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rulevm",
			Name:      "evaluations_total",
			Help:      "Rule evaluations by result.",
		}, []string{"result"}),
		Actions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rulevm",
			Name:      "actions_total",
			Help:      "Dispatched actions by type and status.",
		}, []string{"type", "status"}),
		CompileFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rulevm",
			Name:      "compile_failures_total",
			Help:      "Rule documents dropped for failing to compile.",
		}),
		SnapshotWrites: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rulevm",
			Name:      "snapshot_writes_total",
			Help:      "Future task snapshot writes.",
		}),
		RegisteredRules: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rulevm",
			Name:      "registered_rules",
			Help:      "Rules currently in the registry.",
		}),
		RunningTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rulevm",
			Name:      "running_tasks",
			Help:      "In-flight rule evaluations.",
		}),
		FutureTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rulevm",
			Name:      "future_tasks",
			Help:      "Rules parked for deferred evaluation.",
		}),
	}
}
