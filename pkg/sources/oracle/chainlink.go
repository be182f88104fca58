package oracle

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/StrathCole/oracle-client/pkg/config"
	"github.com/StrathCole/oracle-client/pkg/logging"
	"github.com/StrathCole/oracle-client/pkg/sources"
	"github.com/StrathCole/oracle-client/pkg/sources/evm"
)

// defaultDecimals is the precision of Chainlink USD feeds.
const defaultDecimals = 8

// AggregatorV3 ABI (only latestRoundData function).
const aggregatorABIJSON = `[{
	"inputs": [],
	"name": "latestRoundData",
	"outputs": [
		{"internalType": "uint80", "name": "roundId", "type": "uint80"},
		{"internalType": "int256", "name": "answer", "type": "int256"},
		{"internalType": "uint256", "name": "startedAt", "type": "uint256"},
		{"internalType": "uint256", "name": "updatedAt", "type": "uint256"},
		{"internalType": "uint80", "name": "answeredInRound", "type": "uint80"}
	],
	"stateMutability": "view",
	"type": "function"
}]`

// ChainlinkSource reads prices from Chainlink AggregatorV3 feeds.
type ChainlinkSource struct {
	*sources.Base
	caller   evm.ContractCaller
	closeFn  func()
	feeds    map[string]feed
	feedsABI abi.ABI
}

type feed struct {
	address  common.Address
	decimals int
}

// NewChainlinkSource dials the configured RPC endpoint and creates the source.
func NewChainlinkSource(cfg config.SourceConfig, logger *logging.Logger) (sources.Source, error) {
	if cfg.Oracle == nil || cfg.Oracle.RPCURL == "" {
		return nil, fmt.Errorf("%w", ErrRPCURLRequired)
	}

	client, err := evm.Dial(context.Background(), cfg.Oracle.RPCURL)
	if err != nil {
		return nil, err
	}

	src, err := NewChainlinkSourceWithCaller(cfg, client, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	src.closeFn = client.Close
	return src, nil
}

// NewChainlinkSourceWithCaller creates the source over an existing caller.
func NewChainlinkSourceWithCaller(cfg config.SourceConfig, caller evm.ContractCaller, logger *logging.Logger) (*ChainlinkSource, error) {
	if cfg.Oracle == nil || len(cfg.Oracle.Feeds) == 0 {
		return nil, fmt.Errorf("%w", ErrFeedsRequired)
	}

	feedsABI, err := evm.ParseABI(aggregatorABIJSON)
	if err != nil {
		return nil, err
	}

	feeds := make(map[string]feed, len(cfg.Oracle.Feeds))
	pairs := make(map[string]string, len(cfg.Oracle.Feeds))
	for symbol, fc := range cfg.Oracle.Feeds {
		if !common.IsHexAddress(fc.Address) {
			return nil, fmt.Errorf("%w: %s = %q", ErrInvalidAddress, symbol, fc.Address)
		}
		decimals := fc.Decimals
		if decimals == 0 {
			decimals = defaultDecimals
		}
		canonical := sources.NormalizeSymbol(symbol)
		feeds[canonical] = feed{address: common.HexToAddress(fc.Address), decimals: decimals}
		pairs[symbol] = fc.Address
	}

	return &ChainlinkSource{
		Base:     sources.NewBase(sources.DescriptorFromConfig(cfg), pairs, logger),
		caller:   caller,
		feeds:    feeds,
		feedsABI: feedsABI,
	}, nil
}

// Call invokes latestRoundData on the feed for symbol.
func (s *ChainlinkSource) Call(ctx context.Context, symbol string) (*sources.Response, error) {
	f, ok := s.feeds[sources.NormalizeSymbol(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sources.ErrUnsupportedSymbol, symbol)
	}

	data, err := s.feedsABI.Pack("latestRoundData")
	if err != nil {
		return nil, fmt.Errorf("failed to pack latestRoundData call: %w", err)
	}

	return evm.Call(ctx, s.caller, f.address, data)
}

// Decode unpacks latestRoundData into a price and the round's update time.
func (s *ChainlinkSource) Decode(symbol string, resp *sources.Response) (sources.Observation, error) {
	f, ok := s.feeds[sources.NormalizeSymbol(symbol)]
	if !ok {
		return sources.Observation{}, fmt.Errorf("%w: %s", sources.ErrUnsupportedSymbol, symbol)
	}

	out, err := s.feedsABI.Unpack("latestRoundData", resp.Body)
	if err != nil {
		return sources.Observation{}, fmt.Errorf("%w: unpack latestRoundData: %w", sources.ErrInvalidResponse, err)
	}
	if len(out) != 5 {
		return sources.Observation{}, fmt.Errorf("%w: latestRoundData returned %d values", sources.ErrInvalidResponse, len(out))
	}

	answer, ok1 := out[1].(*big.Int)
	updatedAt, ok2 := out[3].(*big.Int)
	if !ok1 || !ok2 {
		return sources.Observation{}, fmt.Errorf("%w: unexpected latestRoundData types", sources.ErrInvalidResponse)
	}
	if updatedAt.Sign() == 0 {
		return sources.Observation{}, fmt.Errorf("%w: round not complete", ErrIncompleteRound)
	}

	price := evm.Scale(answer, f.decimals)
	if err := sources.CheckPrice(symbol, price); err != nil {
		return sources.Observation{}, err
	}

	return sources.Observation{
		Price:     price,
		Timestamp: time.Unix(updatedAt.Int64(), 0),
	}, nil
}

// Close releases the RPC connection.
func (s *ChainlinkSource) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}
