package actor

import (
	"context"
	"testing"

	"github.com/nimbusrun/nimbus/internal/kv"
	"github.com/nimbusrun/nimbus/internal/kv/memkv"
	"github.com/nimbusrun/nimbus/internal/obs/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsAggregatorRollupFoldsDeltasByNamespace(t *testing.T) {
	driver := memkv.New()
	m := metrics.New(prometheus.NewRegistry())
	ctx := context.Background()

	_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		if err := tx.Set(metricsDeltaKey("ns-1", 100, "act-a"), encodeMillis(t, 1000)); err != nil {
			return err
		}
		if err := tx.Set(metricsDeltaKey("ns-1", 200, "act-b"), encodeMillis(t, 500)); err != nil {
			return err
		}
		return tx.Set(metricsDeltaKey("ns-2", 100, "act-c"), encodeMillis(t, 250))
	})
	require.NoError(t, err)

	agg := NewMetricsAggregator(driver, m, 0)
	agg.rollupOnce()

	require.Equal(t, float64(1500), testutil.ToFloat64(m.AwakeDurationMillis.WithLabelValues("ns-1")))
	require.Equal(t, float64(250), testutil.ToFloat64(m.AwakeDurationMillis.WithLabelValues("ns-2")))

	// A second pass must not double count: the deltas were cleared.
	agg.rollupOnce()
	require.Equal(t, float64(1500), testutil.ToFloat64(m.AwakeDurationMillis.WithLabelValues("ns-1")))
}

func encodeMillis(t *testing.T, v uint64) []byte {
	t.Helper()
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[7-i] = byte(v >> (8 * i))
	}
	return out
}
