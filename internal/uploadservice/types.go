// Package uploadservice owns the per-transfer lifecycle: admission against
// the shared-file cache, persistence to the ledger, cancellation, progress
// throttling, and terminal reporting. It wires together sharedfiles,
// governor, uploadqueue, and ledger, plus the peer-protocol library
// surface described below.
package uploadservice

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/ssd-technologies/slskd-core/internal/ledger"
)

// TransferEvent is the peer library's notification of a state transition
// for a transfer it is driving.
type TransferEvent struct {
	State            ledger.State
	BytesTransferred int64
	AverageSpeed     float64
}

// ProgressEvent is the peer library's notification of incremental
// progress, fired far more often than TransferEvent and intended to be
// coalesced by the receiver.
type ProgressEvent struct {
	BytesTransferred int64
	AverageSpeed     float64
}

// CompletedTransfer is the peer library's final snapshot of a transfer
// that ran to completion (success or failure inside the library itself).
type CompletedTransfer struct {
	BytesTransferred int64
	AverageSpeed     float64
	State            ledger.State
	Exception        string
	EndedAt          time.Time
}

// TransferOptions is the option bundle handed to PeerTransfer.Upload:
// state/progress notification, governor admission, queue slot admission,
// and input stream construction.
type TransferOptions struct {
	StateChanged    func(TransferEvent)
	ProgressUpdated func(ProgressEvent)

	GetBytes    func(ctx context.Context, requested int64) (int64, error)
	ReturnBytes func(requested, granted, actual int64)

	AwaitSlot   func(ctx context.Context) (<-chan struct{}, error)
	ReleaseSlot func()

	OpenInputStream func(offset int64) (io.ReadCloser, error)

	// AutoSeek tells the peer library whether it may seek the input
	// stream itself; the service always supplies an already-offset
	// stream, so this is always false.
	AutoSeek bool
	// DisposeInputStream tells the peer library to close the input
	// stream itself once the transfer ends.
	DisposeInputStream bool
}

// PeerTransfer is the consumed peer-protocol library surface.
type PeerTransfer interface {
	Upload(ctx context.Context, username, filename string, size, offset int64, opts TransferOptions) (CompletedTransfer, error)
}

// Relay is the consumed remote-agent surface.
type Relay interface {
	GetFileInfo(ctx context.Context, agent, filename string) (exists bool, length int64, err error)
	GetFileStream(ctx context.Context, agent, filename string, offset int64, id uuid.UUID) (io.ReadCloser, error)
	TryCloseFileStream(ctx context.Context, agent string, id uuid.UUID, cause error) error
}

// UserService is the consumed group/watch surface.
type UserService interface {
	GetGroup(ctx context.Context, username string) (string, bool)
	IsWatched(ctx context.Context, username string) bool
	Watch(ctx context.Context, username string) error
}
