package perf

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/nmang004/proxapeople-sub000/internal/rbac"
)

func newEngine(tb testing.TB, reg prometheus.Registerer, cached bool) *rbac.Engine {
	tb.Helper()
	metrics, err := rbac.NewMetrics(reg)
	if err != nil {
		tb.Fatalf("metrics: %v", err)
	}
	opts := []rbac.EngineOption{
		rbac.WithMetrics(metrics),
		rbac.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	if cached {
		opts = append(opts, rbac.WithDecisionCache(rbac.NewDecisionCache(rbac.DefaultCacheSize, time.Minute, metrics)))
	}
	engine, err := rbac.NewEngine(context.Background(), rbac.DefaultSource, rbac.NewMemoryRepository(), opts...)
	if err != nil {
		tb.Fatalf("engine: %v", err)
	}
	return engine
}

// seedOverrides gives every user a handful of overrides so lookups are not trivially empty.
func seedOverrides(tb testing.TB, engine *rbac.Engine, users int) {
	tb.Helper()
	ctx := context.Background()
	for u := int64(1); u <= int64(users); u++ {
		for _, perm := range []rbac.Permission{
			rbac.Perm(rbac.ResourceUsers, rbac.ActionDelete),
			rbac.Perm(rbac.ResourceAnalytics, rbac.ActionView),
		} {
			_, err := engine.Overrides().AddOverride(ctx, rbac.AddOverrideInput{
				UserID: u, Resource: perm.Resource, Action: perm.Action, Granted: u%2 == 0, GrantedBy: 1,
			})
			if err != nil {
				tb.Fatalf("seed override: %v", err)
			}
		}
	}
}

func TestDecisionLatencyTargets(t *testing.T) {
	scenarios := []struct {
		name      string
		cached    bool
		threshold time.Duration
	}{
		{name: "cached", cached: true, threshold: 2 * time.Millisecond},
		{name: "uncached", cached: false, threshold: 10 * time.Millisecond},
	}
	perms := []rbac.Permission{
		rbac.Perm(rbac.ResourceGoals, rbac.ActionView),
		rbac.Perm(rbac.ResourceUsers, rbac.ActionDelete),
		rbac.Perm(rbac.ResourceReviews, rbac.ActionApprove),
		rbac.Perm(rbac.ResourceAnalytics, rbac.ActionView),
	}

	for _, scenario := range scenarios {
		reg := prometheus.NewRegistry()
		engine := newEngine(t, reg, scenario.cached)
		seedOverrides(t, engine, 50)

		var samples []time.Duration
		for round := 0; round < 5; round++ {
			for u := int64(1); u <= 50; u++ {
				for _, p := range perms {
					start := time.Now()
					if _, err := engine.Decide(context.Background(), u, rbac.RoleManager, p.Resource, p.Action); err != nil {
						t.Fatalf("%s decide: %v", scenario.name, err)
					}
					samples = append(samples, time.Since(start))
				}
			}
		}
		if p95 := percentile95(samples); p95 > scenario.threshold {
			t.Fatalf("%s decision latency regression: p95=%s threshold=%s", scenario.name, p95, scenario.threshold)
		}

		families, err := reg.Gather()
		if err != nil {
			t.Fatalf("gather: %v", err)
		}
		if mean := histogramMean(t, families, "proxapeople_rbac_decision_duration_seconds"); mean > scenario.threshold.Seconds() {
			t.Fatalf("%s mean decision duration above budget: %f", scenario.name, mean)
		}
		if scenario.cached {
			hits := counterValue(families, "proxapeople_rbac_cache_hits_total")
			misses := counterValue(families, "proxapeople_rbac_cache_miss_total")
			if ratio := hits / (hits + misses); ratio < 0.75 {
				t.Fatalf("cache hit ratio too low: %f", ratio)
			}
		}
	}
}

func BenchmarkDecideCached(b *testing.B) {
	engine := newEngine(b, prometheus.NewRegistry(), true)
	seedOverrides(b, engine, 10)
	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		var u int64
		for pb.Next() {
			u = u%10 + 1
			_, _ = engine.Decide(ctx, u, rbac.RoleEmployee, rbac.ResourceUsers, rbac.ActionDelete)
		}
	})
}

func BenchmarkDecideUncached(b *testing.B) {
	engine := newEngine(b, prometheus.NewRegistry(), false)
	seedOverrides(b, engine, 10)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = engine.Decide(ctx, int64(i%10)+1, rbac.RoleEmployee, rbac.ResourceUsers, rbac.ActionDelete)
	}
}

func BenchmarkDecideMany(b *testing.B) {
	engine := newEngine(b, prometheus.NewRegistry(), true)
	policy := engine.Policy()
	perms := make([]rbac.Permission, 0)
	for _, info := range policy.Catalog.Permissions() {
		perms = append(perms, info.Permission)
	}
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = engine.DecideMany(ctx, 1, rbac.RoleHR, perms)
	}
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[int(float64(len(sorted)-1)*0.95)]
}

func counterValue(families []*dto.MetricFamily, name string) float64 {
	var total float64
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			hist := metric.GetHistogram()
			if hist == nil || hist.GetSampleCount() == 0 {
				t.Fatalf("histogram %s missing samples", name)
			}
			return hist.GetSampleSum() / float64(hist.GetSampleCount())
		}
	}
	t.Fatalf("histogram %s not found", name)
	return 0
}
