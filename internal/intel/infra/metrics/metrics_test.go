package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-intel/internal/intel/domain"
	"github.com/haukened/rr-intel/internal/intel/repos/cloudcache"
)

func TestObserveOutcome(t *testing.T) {
	m := New(false)

	m.ObserveOutcome(domain.Outcome{Stage: domain.StageRemoteLookup, Verdict: domain.VerdictBlock, Alarmed: true})
	m.ObserveOutcome(domain.Outcome{Stage: domain.StageCacheHit, Verdict: domain.VerdictAllow})
	m.ObserveOutcome(domain.Outcome{Stage: domain.StageCacheHit, Verdict: domain.VerdictAllow})
	m.ObserveOutcome(domain.Outcome{Stage: domain.StageSkipped})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.queries.WithLabelValues("remote_lookup", "block")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.queries.WithLabelValues("cache_hit", "allow")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queries.WithLabelValues("skipped", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.positives.WithLabelValues("true_positive")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.positives.WithLabelValues("false_positive")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alarms))
}

func TestObserveReconcile(t *testing.T) {
	m := New(false)
	hook := m.Hooks().OnReconcile
	require.NotNil(t, hook)

	hook("bf:strict", cloudcache.Result{Supported: true, Changed: true}, 10*time.Millisecond)
	hook("bf:strict", cloudcache.Result{Supported: true}, time.Millisecond)
	hook("mmdb:ipv4", cloudcache.Result{}, time.Millisecond)
	hook("mmdb:ipv4", cloudcache.Result{Err: errors.New("timeout")}, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconciles.WithLabelValues("bf:strict", "changed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconciles.WithLabelValues("bf:strict", "unchanged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconciles.WithLabelValues("mmdb:ipv4", "unsupported")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconciles.WithLabelValues("mmdb:ipv4", "error")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.reconcileT))
}

func TestGaugeFuncAndRegistry(t *testing.T) {
	m := New(true)
	m.GaugeFunc("dedup_entries", "Entries in the dedup window.", func() float64 { return 7 })

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["rr_intel_dedup_entries"])
	assert.True(t, names["go_goroutines"])
}
