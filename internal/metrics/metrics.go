// Package metrics exposes lease engine counters on a private Prometheus
// registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls the collector.
type Config struct {
	Enabled   bool
	Namespace string
	Buckets   []float64
}

// Metrics implements orchestrator.Metrics and hypervisor.Observer. A
// disabled instance accepts every call and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	provisions     *prometheus.CounterVec
	powerOps       *prometheus.CounterVec
	upgrades       *prometheus.CounterVec
	reconciles     *prometheus.CounterVec
	expiryStopped  *prometheus.CounterVec
	expiryWarnings prometheus.Counter
	orphans        prometheus.Counter
	gatewayCalls   *prometheus.HistogramVec
}

// New creates the collector and registers it along with the Go runtime
// and process collectors.
func New(cfg Config) *Metrics {
	if !cfg.Enabled {
		return &Metrics{}
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "vibehost"
	}
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		// Gateway calls range from sub-second reads to multi-minute clones.
		buckets = []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300}
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "provisions_total",
			Help:      "Provisioning saga runs by final outcome.",
		}, []string{"outcome"}),
		powerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "power_operations_total",
			Help:      "Power operations by action and result.",
		}, []string{"action", "result"}),
		upgrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "upgrades_total",
			Help:      "Upgrade applications by result.",
		}, []string{"result"}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "reconciliations_total",
			Help:      "Completed reconciliations, split by whether local state changed.",
		}, []string{"changed"}),
		expiryStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "expiry_stopped_total",
			Help:      "Expired servers processed by the sweeper, by result.",
		}, []string{"result"}),
		expiryWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "expiry_warnings_total",
			Help:      "Expiry warnings delivered.",
		}),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "orphans_detected_total",
			Help:      "Remote VMs found without a matching server record.",
		}),
		gatewayCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "gateway_call_duration_seconds",
			Help:      "Hypervisor gateway call latency by operation.",
			Buckets:   buckets,
		}, []string{"operation", "result"}),
	}

	m.registry.MustRegister(
		m.provisions,
		m.powerOps,
		m.upgrades,
		m.reconciles,
		m.expiryStopped,
		m.expiryWarnings,
		m.orphans,
		m.gatewayCalls,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Enabled reports whether metrics are being recorded.
func (m *Metrics) Enabled() bool { return m.registry != nil }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ProvisionFinished(outcome string) {
	if m.registry == nil {
		return
	}
	m.provisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PowerFinished(action string, err error) {
	if m.registry == nil {
		return
	}
	m.powerOps.WithLabelValues(action, result(err)).Inc()
}

func (m *Metrics) UpgradeFinished(err error) {
	if m.registry == nil {
		return
	}
	m.upgrades.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) Reconciled(changed bool) {
	if m.registry == nil {
		return
	}
	m.reconciles.WithLabelValues(strconv.FormatBool(changed)).Inc()
}

func (m *Metrics) ExpiryStopped(err error) {
	if m.registry == nil {
		return
	}
	m.expiryStopped.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) ExpiryWarned() {
	if m.registry == nil {
		return
	}
	m.expiryWarnings.Inc()
}

func (m *Metrics) OrphansDetected(n int) {
	if m.registry == nil || n <= 0 {
		return
	}
	m.orphans.Add(float64(n))
}

// ObserveGatewayCall records one hypervisor call.
func (m *Metrics) ObserveGatewayCall(op string, d time.Duration, err error) {
	if m.registry == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(op, result(err)).Observe(d.Seconds())
}
