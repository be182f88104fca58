package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorders(t *testing.T) {
	RecordSourceHealth("chainlink", "oracle", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(SourceHealth.WithLabelValues("chainlink", "oracle")))
	RecordSourceHealth("chainlink", "oracle", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(SourceHealth.WithLabelValues("chainlink", "oracle")))

	RecordBreakerState("chainlink", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(CircuitBreakerState.WithLabelValues("chainlink")))

	before := testutil.ToFloat64(CacheEvictionsTotal.WithLabelValues("ttl"))
	RecordCacheEviction("ttl", 3)
	assert.Equal(t, before+3, testutil.ToFloat64(CacheEvictionsTotal.WithLabelValues("ttl")))

	before = testutil.ToFloat64(SourceCallsTotal.WithLabelValues("coingecko", "timeout"))
	RecordSourceCall("coingecko", "timeout", 250*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(SourceCallsTotal.WithLabelValues("coingecko", "timeout")))

	RecordStaleness("uniswap", "ETH", 42)
	assert.Equal(t, 42.0, testutil.ToFloat64(PriceStalenessSeconds.WithLabelValues("uniswap", "ETH")))

	RecordAlert("ETH", "spike", "high")
	assert.GreaterOrEqual(t, testutil.ToFloat64(AlertsTotal.WithLabelValues("ETH", "spike", "high")), 1.0)
}
