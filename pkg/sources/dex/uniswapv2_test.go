package dex

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StrathCole/oracle-client/pkg/clock"
	"github.com/StrathCole/oracle-client/pkg/config"
	"github.com/StrathCole/oracle-client/pkg/sources"
	"github.com/StrathCole/oracle-client/pkg/sources/evm"
)

type fakeCaller struct {
	result []byte
	err    error
}

func (f *fakeCaller) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return f.result, f.err
}

func packReserves(t *testing.T, r0, r1 *big.Int) []byte {
	t.Helper()
	parsed, err := evm.ParseABI(pairABIJSON)
	require.NoError(t, err)
	out, err := parsed.Methods["getReserves"].Outputs.Pack(r0, r1, uint32(1700000000))
	require.NoError(t, err)
	return out
}

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}

func dexConfig(invert bool) config.SourceConfig {
	return config.SourceConfig{
		Kind:      config.KindDEX,
		Name:      "uniswap",
		Enabled:   true,
		Heartbeat: config.Duration(time.Minute),
		DEX: &config.DEXSourceConfig{
			RPCURL: "http://localhost:8545",
			Pairs: map[string]config.PairConfig{
				"WETH/USDC": {
					Address:   "0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc",
					Decimals0: 18,
					Decimals1: 6,
					Invert:    invert,
				},
			},
		},
	}
}

func TestUniswapV2Source_Decode(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	// 1,000 WETH against 3,000,000 USDC
	weth := new(big.Int).Mul(big.NewInt(1000), pow10(18))
	usdc := new(big.Int).Mul(big.NewInt(3000000), pow10(6))

	t.Run("token0 base", func(t *testing.T) {
		caller := &fakeCaller{result: packReserves(t, weth, usdc)}
		src, err := NewUniswapV2SourceWithCaller(dexConfig(false), caller, clock.NewFake(now), nil)
		require.NoError(t, err)
		assert.True(t, src.Supports("ETH"))

		resp, err := src.Call(context.Background(), "ETH")
		require.NoError(t, err)

		obs, err := src.Decode("ETH", resp)
		require.NoError(t, err)
		assert.Equal(t, "3000", obs.Price.String())
		assert.True(t, obs.Timestamp.Equal(now), "dex quotes are stamped with fetch time")
	})

	t.Run("token1 base", func(t *testing.T) {
		cfg := dexConfig(true)
		cfg.DEX.Pairs["WETH/USDC"] = config.PairConfig{
			Address:   cfg.DEX.Pairs["WETH/USDC"].Address,
			Decimals0: 6,
			Decimals1: 18,
			Invert:    true,
		}
		caller := &fakeCaller{result: packReserves(t, usdc, weth)}
		src, err := NewUniswapV2SourceWithCaller(cfg, caller, clock.NewFake(now), nil)
		require.NoError(t, err)

		obs, err := src.Decode("ETH", sources.OK(caller.result))
		require.NoError(t, err)
		assert.Equal(t, "3000", obs.Price.String())
	})

	t.Run("zero liquidity", func(t *testing.T) {
		caller := &fakeCaller{result: packReserves(t, big.NewInt(0), usdc)}
		src, err := NewUniswapV2SourceWithCaller(dexConfig(false), caller, clock.NewFake(now), nil)
		require.NoError(t, err)

		_, err = src.Decode("ETH", sources.OK(caller.result))
		assert.ErrorIs(t, err, sources.ErrZeroLiquidity)
	})

	t.Run("malformed body", func(t *testing.T) {
		src, err := NewUniswapV2SourceWithCaller(dexConfig(false), &fakeCaller{}, clock.NewFake(now), nil)
		require.NoError(t, err)

		_, err = src.Decode("ETH", sources.OK([]byte("nope")))
		assert.ErrorIs(t, err, sources.ErrInvalidResponse)
	})
}

func TestNewUniswapV2Source_InvalidConfig(t *testing.T) {
	cfg := dexConfig(false)
	cfg.DEX.Pairs = map[string]config.PairConfig{"ETH": {Address: "0x123"}}
	_, err := NewUniswapV2SourceWithCaller(cfg, &fakeCaller{}, clock.Real{}, nil)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	cfg.DEX = nil
	_, err = NewUniswapV2Source(cfg, nil)
	assert.ErrorIs(t, err, ErrRPCURLRequired)
}
