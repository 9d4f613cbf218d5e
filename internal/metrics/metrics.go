// Package metrics provides Prometheus metrics for c8ylp. Grounded on the
// teacher's internal/metrics package: same registry/collector shape,
// relabeled from Azure Relay connection roles to this domain's bridges and
// resolver REST calls.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/philsphicas/c8ylp/internal/bridge"
)

const namespace = "c8ylp"

// OverflowDevice is used as the device label when the number of unique
// devices exceeds MaxDevices.
const OverflowDevice = "__other__"

// Metrics holds all Prometheus metrics for c8ylp.
type Metrics struct {
	Registry *prometheus.Registry

	// MaxDevices bounds the cardinality of the "device" label. Zero means
	// unlimited.
	MaxDevices int

	bridgesTotal       *prometheus.CounterVec
	activeBridges      *prometheus.GaugeVec
	bridgeBytesTotal   *prometheus.CounterVec
	bridgeDuration     *prometheus.HistogramVec
	terminalCauseTotal *prometheus.CounterVec

	resolverCallDuration *prometheus.HistogramVec
	resolverRetriesTotal *prometheus.CounterVec
	resolverErrorsTotal  *prometheus.CounterVec

	deviceCount atomic.Int64
	devices     sync.Map // map[string]struct{}
}

// New creates a Metrics instance with its own Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		bridgesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridges_total",
			Help:      "Total bridge sessions that completed, by device and terminal cause.",
		}, []string{"device", "cause"}),

		activeBridges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_bridges",
			Help:      "Number of currently active bridged TCP-to-tunnel sessions.",
		}, []string{"device"}),

		bridgeBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_bytes_total",
			Help:      "Total bytes transferred through bridges.",
		}, []string{"device", "direction"}),

		bridgeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bridge_duration_seconds",
			Help:      "Duration of completed bridge sessions in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"device"}),

		terminalCauseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_terminal_cause_total",
			Help:      "Total bridge terminations, by cause.",
		}, []string{"cause"}),

		resolverCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolver_call_duration_seconds",
			Help:      "Duration of Resolver REST calls in seconds.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"step"}),

		resolverRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_retries_total",
			Help:      "Total Resolver REST retry attempts, by step.",
		}, []string{"step"}),

		resolverErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_errors_total",
			Help:      "Total Resolver REST failures, by step and error kind.",
		}, []string{"step", "kind"}),
	}

	reg.MustRegister(
		m.bridgesTotal,
		m.activeBridges,
		m.bridgeBytesTotal,
		m.bridgeDuration,
		m.terminalCauseTotal,
		m.resolverCallDuration,
		m.resolverRetriesTotal,
		m.resolverErrorsTotal,
	)

	return m
}

// SanitizeDevice returns device if it is within the cardinality budget, or
// OverflowDevice once MaxDevices has been exceeded. Devices seen before are
// always returned as-is.
func (m *Metrics) SanitizeDevice(device string) string {
	if m == nil {
		return device
	}
	if m.MaxDevices <= 0 {
		return device
	}
	for {
		if _, ok := m.devices.Load(device); ok {
			return device
		}
		cur := m.deviceCount.Load()
		if cur >= int64(m.MaxDevices) {
			if _, ok := m.devices.Load(device); ok {
				return device
			}
			return OverflowDevice
		}
		if !m.deviceCount.CompareAndSwap(cur, cur+1) {
			continue
		}
		if _, loaded := m.devices.LoadOrStore(device, struct{}{}); loaded {
			m.deviceCount.Add(-1)
		}
		return device
	}
}

// BridgeTracker records the lifecycle of one bridge session.
type BridgeTracker struct {
	m      *Metrics
	device string
	start  time.Time
}

// BridgeOpened increments the active-bridge gauge and returns a tracker to
// record the outcome when the bridge ends. Safe to call on a nil receiver.
func (m *Metrics) BridgeOpened(device string) *BridgeTracker {
	if m == nil {
		return nil
	}
	device = m.SanitizeDevice(device)
	m.activeBridges.WithLabelValues(device).Inc()
	return &BridgeTracker{m: m, device: device, start: time.Now()}
}

// Done records a bridge's outcome from a bridge.Result.
func (t *BridgeTracker) Done(res bridge.Result) {
	if t == nil {
		return
	}
	t.m.activeBridges.WithLabelValues(t.device).Dec()
	t.m.bridgesTotal.WithLabelValues(t.device, string(res.Cause)).Inc()
	t.m.bridgeDuration.WithLabelValues(t.device).Observe(time.Since(t.start).Seconds())
	t.m.bridgeBytesTotal.WithLabelValues(t.device, "up").Add(float64(res.Stats.Up))
	t.m.bridgeBytesTotal.WithLabelValues(t.device, "down").Add(float64(res.Stats.Down))
	t.m.terminalCauseTotal.WithLabelValues(string(res.Cause)).Inc()
}

// ObserveResolverCall records the duration of one Resolver REST step.
func (m *Metrics) ObserveResolverCall(step string, seconds float64) {
	if m == nil {
		return
	}
	m.resolverCallDuration.WithLabelValues(step).Observe(seconds)
}

// IncrResolverRetry increments the retry counter for a Resolver step.
func (m *Metrics) IncrResolverRetry(step string) {
	if m == nil {
		return
	}
	m.resolverRetriesTotal.WithLabelValues(step).Inc()
}

// IncrResolverError increments the error counter for a Resolver step and
// error kind.
func (m *Metrics) IncrResolverError(step, kind string) {
	if m == nil {
		return
	}
	m.resolverErrorsTotal.WithLabelValues(step, kind).Inc()
}
