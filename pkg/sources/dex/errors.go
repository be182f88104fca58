// Package dex provides DEX pool price sources (e.g., Uniswap V2 pairs).
package dex

import "errors"

var (
	// ErrRPCURLRequired indicates that rpc_url configuration is required.
	ErrRPCURLRequired = errors.New("rpc_url is required")
	// ErrPairsConfigRequired indicates that pairs configuration is required.
	ErrPairsConfigRequired = errors.New("pairs configuration is required")
	// ErrInvalidAddress indicates a malformed pair address.
	ErrInvalidAddress = errors.New("invalid pair address")
)
