package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordTrustDecisionIncrementsLabeledCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.RecordTrustDecision("accept")
	c.RecordTrustDecision("accept")
	c.RecordTrustDecision("reject")

	require.Equal(t, float64(2), testutil.ToFloat64(c.TrustDecisions.WithLabelValues("accept")))
	require.Equal(t, float64(1), testutil.ToFloat64(c.TrustDecisions.WithLabelValues("reject")))
}

func TestRecordCacheLookupSplitsHitsAndMisses(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.RecordCacheLookup(true)
	c.RecordCacheLookup(false)
	c.RecordCacheLookup(false)

	require.Equal(t, float64(1), testutil.ToFloat64(c.BitmapCacheHits))
	require.Equal(t, float64(2), testutil.ToFloat64(c.BitmapCacheMisses))
}

func TestRecordPersistentFlushIgnoresNonPositive(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.RecordPersistentFlush(1024)
	c.RecordPersistentFlush(0)
	c.RecordPersistentFlush(-5)

	require.Equal(t, float64(1024), testutil.ToFloat64(c.PersistentFlushBytes))
}

func TestNilCollectorsAreSafeToRecordAgainst(t *testing.T) {
	var c *Collectors
	c.RecordTrustDecision("accept")
	c.RecordCacheLookup(true)
	c.RecordPersistentFlush(10)
}
