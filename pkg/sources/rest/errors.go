// Package rest provides a generic JSON market-data price source.
package rest

import "errors"

var (
	// ErrURLRequired indicates that url configuration is required.
	ErrURLRequired = errors.New("url is required")
	// ErrPricePathRequired indicates that price_path is required.
	ErrPricePathRequired = errors.New("price_path is required")
	// ErrPairsConfigRequired indicates that pairs configuration is required.
	ErrPairsConfigRequired = errors.New("pairs configuration is required")
	// ErrPathNotFound indicates a configured JSON path missing from the body.
	ErrPathNotFound = errors.New("path not found in response")
)
