// Package oracle provides on-chain oracle price sources.
package oracle

import "errors"

var (
	// ErrRPCURLRequired indicates that rpc_url configuration is required.
	ErrRPCURLRequired = errors.New("rpc_url is required")
	// ErrFeedsRequired indicates that no feeds are configured.
	ErrFeedsRequired = errors.New("feeds configuration is required")
	// ErrInvalidAddress indicates a malformed feed address.
	ErrInvalidAddress = errors.New("invalid feed address")
	// ErrIncompleteRound indicates the aggregator has not completed a round.
	ErrIncompleteRound = errors.New("incomplete round")
)
