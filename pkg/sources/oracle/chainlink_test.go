package oracle

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StrathCole/oracle-client/pkg/config"
	"github.com/StrathCole/oracle-client/pkg/logging"
	"github.com/StrathCole/oracle-client/pkg/sources"
	"github.com/StrathCole/oracle-client/pkg/sources/evm"
)

const ethFeed = "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"

type fakeCaller struct {
	result []byte
	err    error
	calls  int
	to     common.Address
}

func (f *fakeCaller) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	if call.To != nil {
		f.to = *call.To
	}
	return f.result, f.err
}

func testConfig() config.SourceConfig {
	return config.SourceConfig{
		Kind:      config.KindOracle,
		Name:      "chainlink",
		Enabled:   true,
		Heartbeat: config.Duration(time.Hour),
		Timeout:   config.Duration(5 * time.Second),
		Oracle: &config.OracleSourceConfig{
			RPCURL: "http://localhost:8545",
			Feeds: map[string]config.FeedConfig{
				"ETH/USD": {Address: ethFeed},
			},
		},
	}
}

func packRound(t *testing.T, answer int64, updatedAt int64) []byte {
	t.Helper()
	parsed, err := evm.ParseABI(aggregatorABIJSON)
	require.NoError(t, err)
	out, err := parsed.Methods["latestRoundData"].Outputs.Pack(
		big.NewInt(42), big.NewInt(answer), big.NewInt(updatedAt), big.NewInt(updatedAt), big.NewInt(42),
	)
	require.NoError(t, err)
	return out
}

func TestChainlinkSource_CallAndDecode(t *testing.T) {
	updated := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	caller := &fakeCaller{result: packRound(t, 312345000000, updated.Unix())}

	src, err := NewChainlinkSourceWithCaller(testConfig(), caller, logging.NewNoopLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"ETH"}, src.Symbols())
	assert.Equal(t, sources.KindOracle, src.Descriptor().Kind)

	resp, err := src.Call(context.Background(), "WETH/USDT")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 1, caller.calls)
	assert.Equal(t, common.HexToAddress(ethFeed), caller.to)

	obs, err := src.Decode("ETH", resp)
	require.NoError(t, err)
	assert.Equal(t, "3123.45", obs.Price.String())
	assert.True(t, obs.Timestamp.Equal(updated))
}

func TestChainlinkSource_Decode_Invalid(t *testing.T) {
	src, err := NewChainlinkSourceWithCaller(testConfig(), &fakeCaller{}, nil)
	require.NoError(t, err)

	tests := []struct {
		name    string
		body    []byte
		wantErr error
	}{
		{"garbage", []byte{0x01, 0x02}, sources.ErrInvalidResponse},
		{"incomplete round", packRound(t, 100, 0), ErrIncompleteRound},
		{"negative answer", packRound(t, -5, time.Now().Unix()), sources.ErrInvalidPrice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := src.Decode("ETH", sources.OK(tt.body))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestChainlinkSource_Call_Errors(t *testing.T) {
	t.Run("unsupported symbol", func(t *testing.T) {
		src, err := NewChainlinkSourceWithCaller(testConfig(), &fakeCaller{}, nil)
		require.NoError(t, err)
		_, err = src.Call(context.Background(), "BTC")
		assert.ErrorIs(t, err, sources.ErrUnsupportedSymbol)
	})

	t.Run("rpc http error becomes a response", func(t *testing.T) {
		caller := &fakeCaller{err: rpc.HTTPError{StatusCode: 429, Status: "429 Too Many Requests", Body: []byte("slow down")}}
		src, err := NewChainlinkSourceWithCaller(testConfig(), caller, nil)
		require.NoError(t, err)

		resp, err := src.Call(context.Background(), "ETH")
		require.NoError(t, err)
		assert.Equal(t, 429, resp.StatusCode)
		assert.True(t, bytes.Equal([]byte("slow down"), resp.Body))
	})

	t.Run("transport error", func(t *testing.T) {
		caller := &fakeCaller{err: errors.New("connection refused")}
		src, err := NewChainlinkSourceWithCaller(testConfig(), caller, nil)
		require.NoError(t, err)

		_, err = src.Call(context.Background(), "ETH")
		assert.Error(t, err)
	})
}

func TestNewChainlinkSource_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Oracle.Feeds = map[string]config.FeedConfig{"ETH": {Address: "not-an-address"}}
	_, err := NewChainlinkSourceWithCaller(cfg, &fakeCaller{}, nil)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	cfg.Oracle.Feeds = nil
	_, err = NewChainlinkSourceWithCaller(cfg, &fakeCaller{}, nil)
	assert.ErrorIs(t, err, ErrFeedsRequired)

	cfg.Oracle = nil
	_, err = NewChainlinkSource(cfg, nil)
	assert.ErrorIs(t, err, ErrRPCURLRequired)
}
