package rbac

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreInert(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.observeDecision(ReasonNoGrant, time.Millisecond)
		m.cacheHit()
		m.cacheMiss()
		m.reload(true)
	})
}

func TestNewMetricsReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewMetrics(reg)
	require.NoError(t, err)
	second, err := NewMetrics(reg)
	require.NoError(t, err)

	first.cacheHit()
	second.cacheHit()
	assert.Equal(t, 2.0, testutil.ToFloat64(first.cacheHits))
}
