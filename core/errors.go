package core

import "errors"

// Sentinel errors for this store's error taxonomy. Call sites wrap these
// with fmt.Errorf("...: %w", ErrX) so errors.Is keeps working across
// package boundaries.
var (
	// ErrNotFound indicates the requested key is absent.
	ErrNotFound = errors.New("not found")
	// ErrCorruption indicates a checksum mismatch, bad magic, truncated
	// record inside a block, unknown manifest tag, or out-of-order key fed
	// to a writer.
	ErrCorruption = errors.New("corruption")
	// ErrIOError indicates an underlying storage failure.
	ErrIOError = errors.New("io error")
	// ErrInvalidArgument indicates caller misuse: writer fed keys out of
	// order, an unknown partition handle, a malformed option, etc.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrBusy indicates a lock conflict from a pessimistic-lock layer above
	// the core; no operation in this repository returns it.
	ErrBusy = errors.New("busy")
	// ErrNotSupported is reserved for stub operations.
	ErrNotSupported = errors.New("not supported")

	// ErrClosed indicates an operation on an engine, table, or log that has
	// already been closed.
	ErrClosed = errors.New("closed")
)
