package reporting

import "errors"

// Sentinel errors returned by Service operations.
var (
	// ErrInvalidPolicy is returned by New when a policy limit is not
	// positive.
	ErrInvalidPolicy = errors.New("reporting: invalid policy")

	// ErrShutDown is returned by Flush after OnShutdown.
	ErrShutDown = errors.New("reporting: service is shut down")
)
