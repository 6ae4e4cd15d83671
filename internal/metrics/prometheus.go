// Package metrics exposes compile and apply counters for Prometheus.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all timewall metrics.
type Registry struct {
	// Compilation
	CompilesTotal   *prometheus.CounterVec
	CompileDuration prometheus.Histogram
	SkippedEntries  prometheus.Counter
	Warnings        prometheus.Counter
	Commands        prometheus.Gauge
	Bundles         prometheus.Gauge
	LastCompile     prometheus.Gauge

	// Application
	AppliesTotal   *prometheus.CounterVec
	AppliedCommand prometheus.Counter
	LastApply      prometheus.Gauge

	// Status API
	APIRequests *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry(prometheus.DefaultRegisterer)
	})
	return registry
}

func newRegistry(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	r := &Registry{}

	r.CompilesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "timewall_compiles_total",
		Help: "Policy compilations by result",
	}, []string{"result"})

	r.CompileDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "timewall_compile_duration_seconds",
		Help:    "Time spent loading and compiling the policy",
		Buckets: prometheus.DefBuckets,
	})

	r.SkippedEntries = f.NewCounter(prometheus.CounterOpts{
		Name: "timewall_skipped_entries_total",
		Help: "Rule entries dropped because of errors in lenient mode",
	})

	r.Warnings = f.NewCounter(prometheus.CounterOpts{
		Name: "timewall_warnings_total",
		Help: "Warnings emitted while compiling",
	})

	r.Commands = f.NewGauge(prometheus.GaugeOpts{
		Name: "timewall_rendered_commands",
		Help: "Commands in the most recently compiled ruleset",
	})

	r.Bundles = f.NewGauge(prometheus.GaugeOpts{
		Name: "timewall_rendered_bundles",
		Help: "Bundles in the most recently compiled ruleset",
	})

	r.LastCompile = f.NewGauge(prometheus.GaugeOpts{
		Name: "timewall_last_compile_timestamp_seconds",
		Help: "Unix time of the last successful compilation",
	})

	r.AppliesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "timewall_applies_total",
		Help: "Ruleset applications by backend and result",
	}, []string{"backend", "result"})

	r.AppliedCommand = f.NewCounter(prometheus.CounterOpts{
		Name: "timewall_applied_commands_total",
		Help: "Commands executed successfully",
	})

	r.LastApply = f.NewGauge(prometheus.GaugeOpts{
		Name: "timewall_last_apply_timestamp_seconds",
		Help: "Unix time of the last successful application",
	})

	r.APIRequests = f.NewCounterVec(prometheus.CounterOpts{
		Name: "timewall_api_requests_total",
		Help: "Status API requests",
	}, []string{"method", "path", "status"})

	return r
}

// CompileResult summarizes one compilation for RecordCompile.
type CompileResult struct {
	Duration time.Duration
	Bundles  int
	Commands int
	Warnings int
	Skipped  int
	At       time.Time
	Err      error
}

// RecordCompile records the outcome of a compilation.
func (r *Registry) RecordCompile(res CompileResult) {
	r.CompileDuration.Observe(res.Duration.Seconds())
	if res.Err != nil {
		r.CompilesTotal.WithLabelValues("error").Inc()
		return
	}
	r.CompilesTotal.WithLabelValues("success").Inc()
	r.Bundles.Set(float64(res.Bundles))
	r.Commands.Set(float64(res.Commands))
	r.Warnings.Add(float64(res.Warnings))
	r.SkippedEntries.Add(float64(res.Skipped))
	r.LastCompile.Set(float64(res.At.Unix()))
}

// RecordApply records an application through backend.
func (r *Registry) RecordApply(backend string, commands int, at time.Time, err error) {
	r.AppliedCommand.Add(float64(commands))
	if err != nil {
		r.AppliesTotal.WithLabelValues(backend, "error").Inc()
		return
	}
	r.AppliesTotal.WithLabelValues(backend, "success").Inc()
	r.LastApply.Set(float64(at.Unix()))
}

// RecordAPIRequest records a status API request.
func (r *Registry) RecordAPIRequest(method, path string, status int) {
	r.APIRequests.WithLabelValues(method, path, statusString(status)).Inc()
}

func statusString(status int) string {
	return fmt.Sprintf("%d", status)
}
