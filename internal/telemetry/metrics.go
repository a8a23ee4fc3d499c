// Package telemetry exposes the core's produced metrics (spec.md §6) as
// Prometheus collectors, in the teacher's singleton-registration style.
package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	QueueWakeups = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_runner_queue_wakeups_total", Help: "Queue monitor wakeups (notifications and keepalive timeouts)",
	})
	BuildsRead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_runner_builds_read_total", Help: "Builds admitted from a queue snapshot",
	})
	BuildsDone = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_runner_builds_done_total", Help: "Builds finalized (success, failure, or abort)",
	})

	StepsInGraph = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "queue_runner_steps_in_graph", Help: "Live steps currently held by the step graph",
	})
	BuildsRegistered = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "queue_runner_builds_registered", Help: "Builds currently admitted into the build registry",
	})
	StepGraphLockWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "queue_runner_step_graph_lock_wait_seconds",
		Help:    "Time spent waiting to acquire the step graph lock",
		Buckets: prometheus.DefBuckets,
	})
)

// Collector is the shared receiver satisfying both loader.Metrics and
// monitor.Metrics, so cmd/queue-runner wires a single value into both.
type Collector struct{}

// NewCollector registers every metric once and returns a Collector.
func NewCollector() *Collector {
	once.Do(func() {
		prometheus.MustRegister(
			QueueWakeups, BuildsRead, BuildsDone,
			StepsInGraph, BuildsRegistered, StepGraphLockWaitSeconds,
		)
	})
	return &Collector{}
}

// IncQueueWakeups satisfies monitor.Metrics.
func (c *Collector) IncQueueWakeups() { QueueWakeups.Inc() }

// IncBuildsRead satisfies monitor.Metrics.
func (c *Collector) IncBuildsRead(n int) { BuildsRead.Add(float64(n)) }

// IncBuildsDone satisfies loader.Metrics.
func (c *Collector) IncBuildsDone() { BuildsDone.Inc() }

// SetGraphSize satisfies monitor.Metrics, reporting the step graph's
// current live-step count after each monitor pass.
func (c *Collector) SetGraphSize(n int) { StepsInGraph.Set(float64(n)) }

// SetRegisteredBuilds satisfies monitor.Metrics, reporting the build
// registry's current size after each monitor pass.
func (c *Collector) SetRegisteredBuilds(n int) { BuildsRegistered.Set(float64(n)) }

// ObserveStepGraphLockWait records time spent waiting on the step graph
// lock, wired via graph.Graph.SetLockWaitObserver.
func (c *Collector) ObserveStepGraphLockWait(d time.Duration) {
	StepGraphLockWaitSeconds.Observe(d.Seconds())
}

// Handler exposes the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
