package pool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "vmsandbox"

// Metrics holds the prometheus collectors shared by every pool of a process.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	machines   *prometheus.GaugeVec
	waiters    *prometheus.GaugeVec
	borrows    *prometheus.CounterVec
	provisions *prometheus.CounterVec
	destroys   *prometheus.CounterVec
	evictions  *prometheus.CounterVec
	wait       *prometheus.HistogramVec
}

// NewMetrics creates the pool collectors and registers them with reg.
// Pass a nil Registerer to create unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		machines: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pool_machines",
			Help:      "Virtual machines owned by the pool, by state.",
		}, []string{"pool", "state"}),
		waiters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pool_waiters",
			Help:      "Borrowers blocked waiting for a virtual machine.",
		}, []string{"pool"}),
		borrows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pool_borrows_total",
			Help:      "Borrow attempts by result.",
		}, []string{"pool", "result"}),
		provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pool_provisions_total",
			Help:      "Provisioning attempts by result.",
		}, []string{"pool", "result"}),
		destroys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pool_destroys_total",
			Help:      "Virtual machine destructions by result.",
		}, []string{"pool", "result"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pool_idle_evictions_total",
			Help:      "Idle virtual machines evicted after the idle timeout.",
		}, []string{"pool"}),
		wait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "pool_borrow_wait_seconds",
			Help:      "Time from Borrow call to lease, including provisioning.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"pool"}),
	}
	if reg != nil {
		reg.MustRegister(m.machines, m.waiters, m.borrows, m.provisions, m.destroys, m.evictions, m.wait)
	}
	return m
}

// retiringLabel is the gauge state of healthy VMs waiting to be destroyed
// after idle eviction or shutdown.
const retiringLabel = "retiring"

func (m *Metrics) publish(pool string, counts map[string]int, waiting int) {
	if m == nil {
		return
	}
	for _, s := range states {
		m.machines.WithLabelValues(pool, s.String()).Set(float64(counts[s.String()]))
	}
	m.machines.WithLabelValues(pool, retiringLabel).Set(float64(counts[retiringLabel]))
	m.waiters.WithLabelValues(pool).Set(float64(waiting))
}

func (m *Metrics) borrowed(pool, result string, waited time.Duration) {
	if m == nil {
		return
	}
	m.borrows.WithLabelValues(pool, result).Inc()
	if result == "ok" {
		m.wait.WithLabelValues(pool).Observe(waited.Seconds())
	}
}

func (m *Metrics) provisioned(pool string, err error) {
	if m == nil {
		return
	}
	m.provisions.WithLabelValues(pool, resultLabel(err)).Inc()
}

func (m *Metrics) destroyed(pool string, err error) {
	if m == nil {
		return
	}
	m.destroys.WithLabelValues(pool, resultLabel(err)).Inc()
}

func (m *Metrics) evicted(pool string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.evictions.WithLabelValues(pool).Add(float64(n))
}

// forget drops the gauges of a drained pool so exclusive pools do not
// accumulate stale series. Counters are kept.
func (m *Metrics) forget(pool string) {
	if m == nil {
		return
	}
	m.machines.DeletePartialMatch(prometheus.Labels{"pool": pool})
	m.waiters.DeleteLabelValues(pool)
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
