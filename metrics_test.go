package accessip_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Travis-Britz/accessip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordPass(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := accessip.NewMetrics(reg)

	pc := &fakePolicy{doc: `{"include":[{"ip":{"ip":"198.51.100.1/32"}}]}`}
	c, err := accessip.New(
		accessip.UsingWebResolver(
			[]string{deadServer(t), ipServer(t, "203.0.113.7", nil)},
			[]string{ipServer(t, "203.0.113.7", nil)},
		),
		accessip.UsingPolicyClient(pc),
		accessip.WithMetrics(m),
	)
	require.NoError(t, err)

	_, err = c.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderFailures.WithLabelValues("IPv4")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderFailures.WithLabelValues("IPv6")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LastSuccess))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Updated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Entries))
	assert.Greater(t, testutil.ToFloat64(m.LastRun), 0.0)

	_, err = c.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Updated))
}

func TestMetricsRecordFailure(t *testing.T) {
	m := accessip.NewMetrics(nil)
	pc := &fakePolicy{doc: `{"include":[]}`}
	c, err := accessip.New(
		accessip.UsingWebResolver([]string{deadServer(t)}, []string{}),
		accessip.UsingPolicyClient(pc),
		accessip.WithMetrics(m),
	)
	require.NoError(t, err)

	_, err = c.Reconcile(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LastSuccess))
}

func TestMetricsTextfile(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := accessip.NewMetrics(reg)
	m.LastSuccess.Set(1)

	path := filepath.Join(t.TempDir(), "accessip.prom")
	require.NoError(t, prometheus.WriteToTextfile(path, reg))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "accessip_last_run_success 1")
}
