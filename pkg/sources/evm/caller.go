// Package evm provides the contract-call plumbing shared by on-chain sources.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"

	"github.com/StrathCole/oracle-client/pkg/sources"
)

// ContractCaller is the subset of ethclient.Client used for read-only calls.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return client, nil
}

// ParseABI parses a contract ABI definition.
func ParseABI(definition string) (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse ABI: %w", err)
	}
	return parsed, nil
}

// Call executes an eth_call against the latest block. HTTP-level RPC
// failures are returned as a Response carrying the upstream status so the
// retry controller can classify them; other failures are transport errors.
func Call(ctx context.Context, caller ContractCaller, to common.Address, data []byte) (*sources.Response, error) {
	result, err := caller.CallContract(ctx, ethereum.CallMsg{
		To:   &to,
		Data: data,
	}, nil) // nil = latest block
	if err != nil {
		var httpErr rpc.HTTPError
		if errors.As(err, &httpErr) {
			return &sources.Response{StatusCode: httpErr.StatusCode, Body: httpErr.Body}, nil
		}
		return nil, fmt.Errorf("eth_call %s: %w", to.Hex(), err)
	}
	return sources.OK(result), nil
}

// Scale converts an integer amount with the given decimals to a decimal.
func Scale(amount *big.Int, decimals int) decimal.Decimal {
	if decimals < 0 || decimals > 255 {
		decimals = 0
	}
	// #nosec G115 -- decimals validated above to be 0-255
	return decimal.NewFromBigInt(amount, -int32(decimals))
}
