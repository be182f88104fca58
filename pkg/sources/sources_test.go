package sources

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StrathCole/oracle-client/pkg/config"
	"github.com/StrathCole/oracle-client/pkg/logging"
)

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"ETH", "ETH"},
		{"eth", "ETH"},
		{" btc ", "BTC"},
		{"WETH/USDT", "ETH"},
		{"ETH/USD", "ETH"},
		{"WBTC-USDC", "BTC"},
		{"stETH/DAI", "ETH"},
		{"LUNC/EUR", "LUNC/EUR"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeSymbol(tt.input))
		})
	}
}

func TestConfidence(t *testing.T) {
	hour := time.Hour
	tests := []struct {
		name      string
		staleness time.Duration
		heartbeat time.Duration
		expected  int
	}{
		{"fresh", 30 * time.Minute, hour, 100},
		{"at heartbeat", hour, hour, 100},
		{"halfway decay", 90 * time.Minute, hour, 50},
		{"at twice heartbeat", 2 * hour, hour, 0},
		{"beyond twice heartbeat", 3 * hour, hour, 0},
		{"no heartbeat", 10 * hour, 0, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Confidence(tt.staleness, tt.heartbeat))
		})
	}
}

func TestQuoteAt(t *testing.T) {
	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	q := NewQuote("ETH", "chainlink", Observation{Price: decimal.NewFromInt(3000), Timestamp: ts}, time.Hour, ts.Add(10*time.Second))

	assert.InDelta(t, 10.0, q.StalenessSeconds, 1e-9)
	assert.Equal(t, 100, q.Confidence)

	later := q.At(ts.Add(90*time.Minute), time.Hour)
	assert.InDelta(t, 5400.0, later.StalenessSeconds, 1e-9)
	assert.Equal(t, 50, later.Confidence)
	assert.InDelta(t, 10.0, q.StalenessSeconds, 1e-9, "original quote must not change")

	future := q.At(ts.Add(-time.Minute), time.Hour)
	assert.Zero(t, future.StalenessSeconds)
}

func TestBase(t *testing.T) {
	desc := Descriptor{Name: "coingecko", Kind: KindREST}
	base := NewBase(desc, map[string]string{
		"WETH/USDT": "ethereum",
		"btc":       "bitcoin",
	}, nil)

	assert.Equal(t, []string{"BTC", "ETH"}, base.Symbols())
	assert.True(t, base.Supports("eth"))
	assert.True(t, base.Supports("ETH/USD"))
	assert.False(t, base.Supports("SOL"))

	id, ok := base.SourceSymbol("ETH")
	require.True(t, ok)
	assert.Equal(t, "ethereum", id)
	assert.Equal(t, "coingecko", base.Name())
	assert.NoError(t, base.Close())
}

type stubSource struct {
	*Base
}

func (s *stubSource) Call(_ context.Context, _ string) (*Response, error) {
	return OK([]byte("1")), nil
}

func (s *stubSource) Decode(_ string, _ *Response) (Observation, error) {
	return Observation{Price: decimal.NewFromInt(1), Timestamp: time.Now()}, nil
}

func TestRegistryCreate(t *testing.T) {
	const kind Kind = "stub"
	Register(kind, func(cfg config.SourceConfig, logger *logging.Logger) (Source, error) {
		return &stubSource{Base: NewBase(DescriptorFromConfig(cfg), map[string]string{"ETH": "eth"}, logger)}, nil
	})

	src, err := Create(config.SourceConfig{Kind: kind, Name: "stub-1", Priority: 3}, logging.NewNoopLogger())
	require.NoError(t, err)
	assert.Equal(t, "stub-1", src.Descriptor().Name)
	assert.Equal(t, 3, src.Descriptor().Priority)
	assert.Contains(t, List(), kind)

	_, err = Create(config.SourceConfig{Kind: "missing", Name: "x"}, nil)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestCheckPrice(t *testing.T) {
	assert.NoError(t, CheckPrice("ETH", decimal.NewFromFloat(0.1)))
	assert.ErrorIs(t, CheckPrice("ETH", decimal.Zero), ErrInvalidPrice)
	assert.ErrorIs(t, CheckPrice("ETH", decimal.NewFromInt(-1)), ErrInvalidPrice)
}
