package textpool

import "errors"

// Sentinel errors returned by pool operations. Callers classify failures
// with errors.Is; anything not matching a sentinel is an internal I/O
// failure.
var (
	// ErrNotFound indicates no resource resolves for the identifier,
	// under the literal path or the default extension.
	ErrNotFound = errors.New("textpool: no such text")

	// ErrOutOfRange indicates a selection outside the resource's bounds
	// after normalization.
	ErrOutOfRange = errors.New("textpool: selection out of range")

	// ErrValidation indicates a failed explicit check: declared length
	// or checksum mismatch, or addressing by an unavailable unit.
	ErrValidation = errors.New("textpool: validation failed")

	// ErrConflict indicates a create against an existing resource.
	ErrConflict = errors.New("textpool: text already exists")

	// ErrUnauthorized indicates a mutating call without a credential
	// while one is configured.
	ErrUnauthorized = errors.New("textpool: credential required")

	// ErrForbidden indicates a mutating call in read-only mode or with
	// a wrong credential.
	ErrForbidden = errors.New("textpool: permission denied")

	// ErrBusy indicates the resource was invalidated repeatedly while
	// the caller tried to acquire it. The caller may retry.
	ErrBusy = errors.New("textpool: text busy")

	// ErrClosed indicates an operation on a closed pool.
	ErrClosed = errors.New("textpool: pool closed")
)
