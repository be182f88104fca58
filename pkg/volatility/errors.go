// Package volatility keeps a bounded, time-ordered price history per symbol
// and derives price change, volatility and alert events from it.
package volatility

import "errors"

var (
	// ErrInvalidPrice indicates a non-positive or non-finite price.
	ErrInvalidPrice = errors.New("price must be positive and finite")
	// ErrUnknownWindow indicates an unsupported window name.
	ErrUnknownWindow = errors.New("unknown window (must be 1h, 24h or 7d)")
)
