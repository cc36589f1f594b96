// Package metrics exports graph and executor counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"buildcore/internal/exec"
	"buildcore/internal/graph"
	"buildcore/internal/trace"
)

const namespace = "buildcore"

// Metrics owns a registry of buildcore collectors. It is also a trace.Sink:
// every recorded event increments buildcore_events_total{kind}.
type Metrics struct {
	reg    *prometheus.Registry
	events *prometheus.CounterVec
}

var _ trace.Sink = (*Metrics)(nil)

// New returns a registry holding the event counter. Runtime and process
// collectors live in the default registry; see Gatherer.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Graph and executor decisions by kind.",
		}, []string{"kind"}),
	}
	m.reg.MustRegister(m.events)
	return m
}

func (m *Metrics) Record(ev trace.Event) {
	m.events.WithLabelValues(string(ev.Kind)).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Gatherer combines this registry with the default one, where the gRPC
// interceptors register their metrics.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return prometheus.Gatherers{m.reg, prometheus.DefaultGatherer}
}

// RegisterGraph exports the graph's cumulative counters.
func (m *Metrics) RegisterGraph(stats func() graph.Stats) error {
	counter := func(name, help string, v func(graph.Stats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v(stats())) })
	}
	cs := []prometheus.Collector{
		counter("rule_runs_total", "Rule bodies executed.", func(s graph.Stats) int64 { return s.Ran }),
		counter("cleaned_total", "Dirty nodes reused without re-running.", func(s graph.Stats) int64 { return s.Cleaned }),
		counter("cleaning_failed_total", "Dirty nodes whose dependencies changed.", func(s graph.Stats) int64 { return s.CleaningFailed }),
		counter("invalidations_total", "Invalidation batches applied.", func(s graph.Stats) int64 { return s.Invalidations }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "nodes",
			Help:      "Nodes in the graph arena.",
		}, func() float64 { return float64(stats().Nodes) }),
	}
	for _, c := range cs {
		if err := m.reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RegisterExecutor exports the execution slots of b.
func (m *Metrics) RegisterExecutor(b *exec.Bounded) error {
	if err := m.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "exec",
		Name:      "in_flight",
		Help:      "Actions holding an execution slot.",
	}, func() float64 { return float64(b.InFlight()) })); err != nil {
		return err
	}
	return m.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "exec",
		Name:      "waiting",
		Help:      "Actions queued for an execution slot.",
	}, func() float64 { return float64(b.Waiting()) }))
}
