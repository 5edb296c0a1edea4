// Package metrics instruments the core with Prometheus collectors,
// grounded on flowpbx-flowpbx's internal/metrics.Collector (a
// prometheus.Collector pulling gauge values from small provider
// interfaces at scrape time) and the teacher's own promhttp.Handler
// wiring in example/proxysip/main.go.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LiveCallProvider exposes how many call actors are currently running.
// callproc.Registry.Len satisfies this without that package importing
// metrics.
type LiveCallProvider interface {
	Len() int
}

// RegistrationProvider exposes how many AOR bindings are currently held.
type RegistrationProvider interface {
	Count() int
}

// Collector is a prometheus.Collector pulling gauges from the core's
// live state at scrape time, plus the counters the core increments
// directly as events happen (CallProc lifecycle, transport parse
// errors).
type Collector struct {
	calls         LiveCallProvider
	registrations RegistrationProvider
	startTime     time.Time

	callsLiveDesc     *prometheus.Desc
	registrationsDesc *prometheus.Desc
	uptimeDesc        *prometheus.Desc
	callsSpawnedTotal prometheus.Counter
	callsExpiredTotal prometheus.Counter
	forkBranchesTotal prometheus.Counter
	parseErrorsTotal  *prometheus.CounterVec
}

// NewCollector builds a Collector. calls and registrations may be nil if
// that provider isn't wired up (e.g. a UA-only deployment with no
// registrar).
func NewCollector(calls LiveCallProvider, registrations RegistrationProvider, startTime time.Time) *Collector {
	return &Collector{
		calls:         calls,
		registrations: registrations,
		startTime:     startTime,

		callsLiveDesc: prometheus.NewDesc(
			"sipcore_calls_live",
			"Number of CallProc actors currently running",
			nil, nil,
		),
		registrationsDesc: prometheus.NewDesc(
			"sipcore_registrations_live",
			"Number of AOR contact bindings currently held",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"sipcore_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
		callsSpawnedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sipcore_calls_spawned_total",
			Help: "Total CallProc actors spawned",
		}),
		callsExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sipcore_calls_expired_total",
			Help: "Total CallProc actors that self-terminated after lingering idle",
		}),
		forkBranchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sipcore_fork_branches_total",
			Help: "Total parallel-fork client branches started by the proxy engine",
		}),
		parseErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sipcore_transport_parse_errors_total",
			Help: "Total inbound messages that failed to parse, by network",
		}, []string{"network"}),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.callsLiveDesc
	ch <- c.registrationsDesc
	ch <- c.uptimeDesc
	c.callsSpawnedTotal.Describe(ch)
	c.callsExpiredTotal.Describe(ch)
	c.forkBranchesTotal.Describe(ch)
	c.parseErrorsTotal.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(c.callsLiveDesc, prometheus.GaugeValue, float64(c.calls.Len()))
	}
	if c.registrations != nil {
		ch <- prometheus.MustNewConstMetric(c.registrationsDesc, prometheus.GaugeValue, float64(c.registrations.Count()))
	}
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
	c.callsSpawnedTotal.Collect(ch)
	c.callsExpiredTotal.Collect(ch)
	c.forkBranchesTotal.Collect(ch)
	c.parseErrorsTotal.Collect(ch)
}

// CallProcSpawned implements callproc.Metrics.
func (c *Collector) CallProcSpawned() { c.callsSpawnedTotal.Inc() }

// CallProcExpired implements callproc.Metrics.
func (c *Collector) CallProcExpired() { c.callsExpiredTotal.Inc() }

// ForkBranchStarted implements proxy.Metrics.
func (c *Collector) ForkBranchStarted() { c.forkBranchesTotal.Inc() }

// IncParseError implements transport.ParseErrorRecorder.
func (c *Collector) IncParseError(network string) { c.parseErrorsTotal.WithLabelValues(network).Inc() }
