// Package apperrors holds the sentinel error taxonomy shared by the
// ledger, cache, governor, queue, and upload service packages. It is kept
// separate from internal/core so that every other package can depend on
// the error taxonomy without internal/core's control-plane façade
// creating an import cycle back into them.
package apperrors

import "errors"

// Sentinel errors surfaced across the upload control plane. Callers should
// match with errors.Is rather than comparing directly, since wrapped
// instances (e.g. "resolve %q: %w") are common.
var (
	// ErrNotFound covers resolution misses, missing transfers, missing shares.
	ErrNotFound = errors.New("not found")

	// ErrShareScanInProgress is returned when a fill is attempted while one
	// is already running.
	ErrShareScanInProgress = errors.New("share scan already in progress")

	// ErrDownloadRejected is returned when an upload is rejected at admission
	// (e.g. the requested file is not shared).
	ErrDownloadRejected = errors.New("file not shared")

	// ErrInvalidOperation covers operations that are not valid given current
	// state, such as removing a non-terminal transfer.
	ErrInvalidOperation = errors.New("invalid operation")
)
