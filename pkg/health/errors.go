// Package health tracks per-source call outcomes, derives health and circuit
// breaker state, and produces the priority-ordered list of usable sources.
package health

import "errors"

var (
	// ErrUnknownSource indicates a source name that was never registered.
	ErrUnknownSource = errors.New("unknown source")
	// ErrDuplicateSource indicates a second registration under the same name.
	ErrDuplicateSource = errors.New("source already registered")
)
