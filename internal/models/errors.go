package models

import (
	"errors"
	"fmt"
)

// ErrUpstreamUnavailable marks failures of an external collaborator
// (spatial index, driver directory, timeout store, event bus).
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// Unavailable wraps err so that errors.Is(err, ErrUpstreamUnavailable) holds.
func Unavailable(component string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", component, ErrUpstreamUnavailable, err)
}
