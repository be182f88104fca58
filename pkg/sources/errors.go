// Package sources provides the price source contract, shared helpers and the
// factory registry that concrete source kinds register with.
package sources

import "errors"

var (
	// ErrUnknownKind indicates that no factory is registered for a kind.
	ErrUnknownKind = errors.New("unknown source kind")
	// ErrInvalidConfig indicates that the source configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrUnsupportedSymbol indicates a symbol the source does not list.
	ErrUnsupportedSymbol = errors.New("symbol not supported by source")
	// ErrInvalidResponse indicates a response body that cannot be decoded.
	ErrInvalidResponse = errors.New("invalid response")
	// ErrInvalidPrice indicates a decoded price that is zero or negative.
	ErrInvalidPrice = errors.New("price must be positive")
	// ErrZeroLiquidity indicates that there is zero liquidity in the pool.
	ErrZeroLiquidity = errors.New("zero liquidity in pool")
)
