package dex

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/StrathCole/oracle-client/pkg/clock"
	"github.com/StrathCole/oracle-client/pkg/config"
	"github.com/StrathCole/oracle-client/pkg/logging"
	"github.com/StrathCole/oracle-client/pkg/sources"
	"github.com/StrathCole/oracle-client/pkg/sources/evm"
)

const defaultDecimals = 18

// Uniswap V2 Pair ABI (only getReserves function).
const pairABIJSON = `[{
	"constant": true,
	"inputs": [],
	"name": "getReserves",
	"outputs": [
		{"internalType": "uint112", "name": "reserve0", "type": "uint112"},
		{"internalType": "uint112", "name": "reserve1", "type": "uint112"},
		{"internalType": "uint32", "name": "blockTimestampLast", "type": "uint32"}
	],
	"payable": false,
	"stateMutability": "view",
	"type": "function"
}]`

// UniswapV2Source quotes spot prices from UniswapV2-style pair reserves.
// The quote token of every pool is treated as USD.
type UniswapV2Source struct {
	*sources.Base
	caller  evm.ContractCaller
	closeFn func()
	clock   clock.Clock
	pairs   map[string]PairConfig
	pairABI abi.ABI
}

// PairConfig holds configuration for a trading pair.
type PairConfig struct {
	Symbol      string
	PairAddress common.Address
	Decimals0   int
	Decimals1   int
	Invert      bool
}

// Reserves holds the pair reserves.
type Reserves struct {
	Reserve0           *big.Int
	Reserve1           *big.Int
	BlockTimestampLast uint32
}

// NewUniswapV2Source dials the configured RPC endpoint and creates the source.
func NewUniswapV2Source(cfg config.SourceConfig, logger *logging.Logger) (sources.Source, error) {
	if cfg.DEX == nil || cfg.DEX.RPCURL == "" {
		return nil, fmt.Errorf("%w", ErrRPCURLRequired)
	}

	client, err := evm.Dial(context.Background(), cfg.DEX.RPCURL)
	if err != nil {
		return nil, err
	}

	src, err := NewUniswapV2SourceWithCaller(cfg, client, clock.Real{}, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	src.closeFn = client.Close
	return src, nil
}

// NewUniswapV2SourceWithCaller creates the source over an existing caller.
func NewUniswapV2SourceWithCaller(cfg config.SourceConfig, caller evm.ContractCaller, clk clock.Clock, logger *logging.Logger) (*UniswapV2Source, error) {
	if cfg.DEX == nil || len(cfg.DEX.Pairs) == 0 {
		return nil, fmt.Errorf("%w", ErrPairsConfigRequired)
	}

	pairABI, err := evm.ParseABI(pairABIJSON)
	if err != nil {
		return nil, err
	}

	pairs := make(map[string]PairConfig, len(cfg.DEX.Pairs))
	mappings := make(map[string]string, len(cfg.DEX.Pairs))
	for symbol, pc := range cfg.DEX.Pairs {
		if !common.IsHexAddress(pc.Address) {
			return nil, fmt.Errorf("%w: %s = %q", ErrInvalidAddress, symbol, pc.Address)
		}
		canonical := sources.NormalizeSymbol(symbol)
		pairs[canonical] = PairConfig{
			Symbol:      canonical,
			PairAddress: common.HexToAddress(pc.Address),
			Decimals0:   orDefault(pc.Decimals0),
			Decimals1:   orDefault(pc.Decimals1),
			Invert:      pc.Invert,
		}
		mappings[symbol] = pc.Address
	}

	return &UniswapV2Source{
		Base:    sources.NewBase(sources.DescriptorFromConfig(cfg), mappings, logger),
		caller:  caller,
		clock:   clk,
		pairs:   pairs,
		pairABI: pairABI,
	}, nil
}

func orDefault(decimals int) int {
	if decimals == 0 {
		return defaultDecimals
	}
	return decimals
}

// Call invokes getReserves on the pool for symbol.
func (s *UniswapV2Source) Call(ctx context.Context, symbol string) (*sources.Response, error) {
	pair, ok := s.pairs[sources.NormalizeSymbol(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sources.ErrUnsupportedSymbol, symbol)
	}

	data, err := s.pairABI.Pack("getReserves")
	if err != nil {
		return nil, fmt.Errorf("failed to pack getReserves call: %w", err)
	}

	return evm.Call(ctx, s.caller, pair.PairAddress, data)
}

// Decode unpacks reserves and computes the spot price. Reserves reflect the
// pool state at the time of the call, so the observation is stamped with the
// fetch time rather than blockTimestampLast.
func (s *UniswapV2Source) Decode(symbol string, resp *sources.Response) (sources.Observation, error) {
	pair, ok := s.pairs[sources.NormalizeSymbol(symbol)]
	if !ok {
		return sources.Observation{}, fmt.Errorf("%w: %s", sources.ErrUnsupportedSymbol, symbol)
	}

	var reserves Reserves
	if err := s.pairABI.UnpackIntoInterface(&reserves, "getReserves", resp.Body); err != nil {
		return sources.Observation{}, fmt.Errorf("%w: unpack getReserves: %w", sources.ErrInvalidResponse, err)
	}

	price, err := calculatePrice(reserves, pair)
	if err != nil {
		return sources.Observation{}, err
	}
	if err := sources.CheckPrice(symbol, price); err != nil {
		return sources.Observation{}, err
	}

	return sources.Observation{Price: price, Timestamp: s.clock.Now()}, nil
}

// calculatePrice calculates the spot price from reserves.
// Price = (reserve1 / 10^decimals1) / (reserve0 / 10^decimals0), inverted
// when token1 is the base asset.
func calculatePrice(r Reserves, pair PairConfig) (decimal.Decimal, error) {
	if r.Reserve0 == nil || r.Reserve1 == nil || r.Reserve0.Sign() == 0 || r.Reserve1.Sign() == 0 {
		return decimal.Zero, fmt.Errorf("%w: %s", sources.ErrZeroLiquidity, pair.Symbol)
	}

	amount0 := evm.Scale(r.Reserve0, pair.Decimals0)
	amount1 := evm.Scale(r.Reserve1, pair.Decimals1)

	if pair.Invert {
		return amount0.Div(amount1), nil
	}
	return amount1.Div(amount0), nil
}

// Close releases the RPC connection.
func (s *UniswapV2Source) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}
