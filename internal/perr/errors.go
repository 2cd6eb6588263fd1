// Package perr defines the kind-tagged sentinel errors shared by every
// core package, following the error taxonomy of §7: invalid argument,
// resource exhaustion, I/O, type-system violation, programming error.
package perr

import "errors"

var (
	// ErrInvalidArgument: null where non-null required, out-of-range id.
	// The call fails without touching state.
	ErrInvalidArgument = errors.New("plumber: invalid argument")

	// ErrResourceExhausted: allocation failure, table full. The call fails,
	// and at the task level converts to cancellation of all outputs.
	ErrResourceExhausted = errors.New("plumber: resource exhausted")

	// ErrTypeViolation: missing field, size mismatch, signedness mismatch,
	// graph type incompatibility. Fatal at graph startup.
	ErrTypeViolation = errors.New("plumber: type-system violation")

	// ErrProgramming: double-free, counter overflow, pop without push.
	// Aborts in debug builds, logged-and-degraded in release builds.
	ErrProgramming = errors.New("plumber: programming error")

	// ErrCapabilityMissing reports an absent optional capability; not a
	// program error, callers branch on it explicitly (§4.1).
	ErrCapabilityMissing = errors.New("plumber: capability not implemented")

	// ErrNotFound covers lookups against a token, slot, or name that does
	// not exist in the caller's scope.
	ErrNotFound = errors.New("plumber: not found")
)

// Debug gates whether a programming error aborts the process (development)
// or is logged and degrades gracefully (release). Set once at startup.
var Debug = false
