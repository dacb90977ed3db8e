package executor

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the collectors of one executor. A nil *metrics records
// nothing.
type metrics struct {
	leased           prometheus.Gauge
	acquireWait      prometheus.Histogram
	calls            *prometheus.CounterVec
	callErrors       *prometheus.CounterVec
	materializations *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, instances int) (*metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &metrics{
		leased: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleet",
			Subsystem: "pool",
			Name:      "leased_instances",
			Help:      "Instances currently held by a session.",
		}),
		acquireWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fleet",
			Subsystem: "pool",
			Name:      "acquire_wait_seconds",
			Help:      "Time spent waiting for a free instance.",
			Buckets:   prometheus.DefBuckets,
		}),
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleet",
				Subsystem: "instance",
				Name:      "calls_total",
				Help:      "Calls executed inside an instance.",
			},
			[]string{"instance"},
		),
		callErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleet",
				Subsystem: "instance",
				Name:      "call_errors_total",
				Help:      "Calls that returned an error.",
			},
			[]string{"instance"},
		),
		materializations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleet",
				Subsystem: "instance",
				Name:      "materializations_total",
				Help:      "Bundles and replicas materialized in an instance.",
			},
			[]string{"instance", "kind"},
		),
	}

	collectors := []prometheus.Collector{m.leased, m.acquireWait, m.calls, m.callErrors, m.materializations}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	for id := 0; id < instances; id++ {
		label := strconv.Itoa(id)
		m.calls.WithLabelValues(label)
		m.callErrors.WithLabelValues(label)
	}
	return m, nil
}

func (m *metrics) recordAcquire(wait time.Duration) {
	if m == nil {
		return
	}
	m.leased.Inc()
	m.acquireWait.Observe(wait.Seconds())
}

func (m *metrics) recordRelease() {
	if m == nil {
		return
	}
	m.leased.Dec()
}

func (m *metrics) recordCall(instance int, err error) {
	if m == nil {
		return
	}
	label := strconv.Itoa(instance)
	m.calls.WithLabelValues(label).Inc()
	if err != nil {
		m.callErrors.WithLabelValues(label).Inc()
	}
}

func (m *metrics) recordMaterialize(instance int, kind string) {
	if m == nil {
		return
	}
	m.materializations.WithLabelValues(strconv.Itoa(instance), kind).Inc()
}
