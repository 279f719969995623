package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound means the session is absent upstream even after an
	// import attempt.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUnsupportedTenant rejects verification or correction for tenants
	// without a live system-of-record integration, before any call is made.
	ErrUnsupportedTenant = errors.New("tenant has no live integration")
)

// UpstreamError wraps a failed call to an external system. Callers treat it
// as non-fatal: the failure is recorded and the best-effort result returned.
type UpstreamError struct {
	System string
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.System, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.System, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
