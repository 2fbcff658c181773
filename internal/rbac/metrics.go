package rbac

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors for decisions and the decision cache. A nil
// *Metrics records nothing.
type Metrics struct {
	decisions   *prometheus.CounterVec
	duration    prometheus.Histogram
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	reloads     *prometheus.CounterVec
}

// NewMetrics registers the authorization collectors on reg. Collectors that are
// already registered are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxapeople_rbac_decisions_total",
			Help: "Authorization decisions by reason.",
		}, []string{"reason"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "proxapeople_rbac_decision_duration_seconds",
			Help:    "Time taken to produce an authorization decision.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxapeople_rbac_cache_hits_total",
			Help: "Decision cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxapeople_rbac_cache_miss_total",
			Help: "Decision cache misses.",
		}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxapeople_rbac_policy_reloads_total",
			Help: "Policy reload attempts by result.",
		}, []string{"result"}),
	}

	register := func(c prometheus.Collector) (prometheus.Collector, error) {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				return already.ExistingCollector, nil
			}
			return nil, err
		}
		return c, nil
	}

	var err error
	var c prometheus.Collector
	if c, err = register(m.decisions); err != nil {
		return nil, fmt.Errorf("rbac metrics: %w", err)
	}
	m.decisions = c.(*prometheus.CounterVec)
	if c, err = register(m.duration); err != nil {
		return nil, fmt.Errorf("rbac metrics: %w", err)
	}
	m.duration = c.(prometheus.Histogram)
	if c, err = register(m.cacheHits); err != nil {
		return nil, fmt.Errorf("rbac metrics: %w", err)
	}
	m.cacheHits = c.(prometheus.Counter)
	if c, err = register(m.cacheMisses); err != nil {
		return nil, fmt.Errorf("rbac metrics: %w", err)
	}
	m.cacheMisses = c.(prometheus.Counter)
	if c, err = register(m.reloads); err != nil {
		return nil, fmt.Errorf("rbac metrics: %w", err)
	}
	m.reloads = c.(*prometheus.CounterVec)
	return m, nil
}

func (m *Metrics) observeDecision(reason Reason, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(reason)).Inc()
	m.duration.Observe(elapsed.Seconds())
}

func (m *Metrics) cacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) cacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

func (m *Metrics) reload(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.reloads.WithLabelValues(result).Inc()
}
