package uploadservice

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ssd-technologies/slskd-core/internal/apperrors"
	"github.com/ssd-technologies/slskd-core/internal/governor"
	"github.com/ssd-technologies/slskd-core/internal/ledger"
	"github.com/ssd-technologies/slskd-core/internal/sharedfiles"
	"github.com/ssd-technologies/slskd-core/internal/uploadqueue"
)

// progressCoalesceInterval bounds progress persistence to at most one
// write per transfer per interval.
const progressCoalesceInterval = 250 * time.Millisecond

// Service drives the per-transfer lifecycle: it wires the ledger, the
// shared-file cache, the governor, and the upload queue to the
// peer-protocol library's Upload primitive, one background task per
// active transfer.
type Service struct {
	log      *slog.Logger
	ledger   *ledger.Store
	cache    *sharedfiles.Cache
	governor *governor.Governor
	queue    *uploadqueue.Queue
	peer     PeerTransfer
	relay    Relay
	users    UserService

	master context.Context

	cancelMu sync.Mutex
	cancels  map[uuid.UUID]context.CancelFunc

	shuttingDown atomic.Bool
}

// New creates a Service. master is the process-wide cancellation source
// every transfer's context is derived from.
func New(log *slog.Logger, master context.Context, ledgerStore *ledger.Store, cache *sharedfiles.Cache, gov *governor.Governor, queue *uploadqueue.Queue, peer PeerTransfer, relay Relay, users UserService) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		log:      log,
		ledger:   ledgerStore,
		cache:    cache,
		governor: gov,
		queue:    queue,
		peer:     peer,
		relay:    relay,
		users:    users,
		master:   master,
		cancels:  map[uuid.UUID]context.CancelFunc{},
	}
}

// Shutdown marks the service as shutting down (so in-flight state/progress
// callbacks stop persisting) and cancels every in-flight transfer's
// context.
func (s *Service) Shutdown() {
	s.shuttingDown.Store(true)
	s.cancelMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, c := range s.cancels {
		cancels = append(cancels, c)
	}
	s.cancelMu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// Enqueue admits (username, filename) for upload: it resolves the file
// against the shared-file cache (or the relay, for an agent-hosted file),
// checks for an already in-flight transfer for the same pair, and — if
// none exists — persists a fresh Transfer and launches its background
// task. A replayed Enqueue for a pair that is still non-terminal is a
// no-op.
func (s *Service) Enqueue(ctx context.Context, username, filename string) error {
	original, host, size, err := s.resolveForUpload(ctx, filename)
	if err != nil {
		return fmt.Errorf("enqueue %s/%s: %w", username, filename, apperrors.ErrDownloadRejected)
	}

	existing, err := s.ledger.FindNonTerminal(ctx, username, filename)
	if err != nil {
		return fmt.Errorf("enqueue %s/%s: %w", username, filename, err)
	}
	if existing != nil {
		s.log.Info("enqueue: transfer already in flight, ignoring replay", "username", username, "filename", filename)
		return nil
	}

	s.watchUploader(ctx, username)

	t := &ledger.Transfer{
		ID:          uuid.New(),
		Username:    username,
		Filename:    filename,
		Size:        size,
		RequestedAt: time.Now().UTC(),
	}
	if err := s.ledger.AddOrSupersede(ctx, t); err != nil {
		return fmt.Errorf("enqueue %s/%s: %w", username, filename, err)
	}

	transferCtx, cancel := context.WithCancel(s.master)
	s.cancelMu.Lock()
	s.cancels[t.ID] = cancel
	s.cancelMu.Unlock()

	go s.runTransfer(transferCtx, t, username, filename, original, host, size)

	return nil
}

// watchUploader registers username as watched on its first enqueue, so the
// daemon's upload activity keeps its watch list in sync with who it is
// actually serving. A watch failure is logged and otherwise ignored: it
// must never block admission of the transfer itself.
func (s *Service) watchUploader(ctx context.Context, username string) {
	if s.users == nil || s.users.IsWatched(ctx, username) {
		return
	}
	if err := s.users.Watch(ctx, username); err != nil {
		s.log.Warn("watch uploader failed", "username", username, "error", err)
	}
}

// resolveForUpload resolves filename against the cache, then confirms the
// underlying file is actually present — on disk for a local share, or via
// the relay for an agent-hosted one — triggering a rescan on a miss.
func (s *Service) resolveForUpload(ctx context.Context, filename string) (original, host string, size int64, err error) {
	original, host, err = s.cache.Resolve(ctx, filename)
	if err != nil {
		s.cache.TriggerRescan()
		return "", "", 0, err
	}

	if host == "" {
		info, statErr := os.Stat(original)
		if statErr != nil {
			s.cache.TriggerRescan()
			return "", "", 0, statErr
		}
		return original, "", info.Size(), nil
	}

	exists, length, relayErr := s.relay.GetFileInfo(ctx, host, original)
	if relayErr != nil {
		return "", "", 0, relayErr
	}
	if !exists {
		return "", "", 0, fmt.Errorf("%s on %s: %w", original, host, apperrors.ErrNotFound)
	}
	return original, host, length, nil
}

// runTransfer is the long-lived background task launched per active
// transfer, not awaited from the request path. mu is the per-transfer
// binary semaphore: it is local to this task because only this task's own
// callbacks and its own terminal write ever touch t concurrently.
func (s *Service) runTransfer(ctx context.Context, t *ledger.Transfer, username, filename, original, host string, size int64) {
	defer func() {
		s.cancelMu.Lock()
		delete(s.cancels, t.ID)
		s.cancelMu.Unlock()
	}()

	var mu sync.Mutex
	progressLimiter := rate.Sometimes{Interval: progressCoalesceInterval}

	persist := func() {
		if s.shuttingDown.Load() {
			return
		}
		if err := s.ledger.Update(context.Background(), t); err != nil {
			s.log.Error("persist transfer failed", "id", t.ID, "error", err)
		}
	}

	opts := TransferOptions{
		StateChanged: func(evt TransferEvent) {
			mu.Lock()
			defer mu.Unlock()
			t.State = evt.State
			t.BytesTransferred = evt.BytesTransferred
			t.AverageSpeed = evt.AverageSpeed
			if t.State.Has(ledger.Queued) && t.EnqueuedAt == nil {
				now := time.Now().UTC()
				t.EnqueuedAt = &now
				s.queue.Enqueue(username, filename)
			}
			persist()
		},
		ProgressUpdated: func(evt ProgressEvent) {
			progressLimiter.Do(func() {
				mu.Lock()
				defer mu.Unlock()
				t.BytesTransferred = evt.BytesTransferred
				t.AverageSpeed = evt.AverageSpeed
				persist()
			})
		},
		GetBytes: func(ctx context.Context, requested int64) (int64, error) {
			return s.governor.GetBytes(ctx, username, requested)
		},
		ReturnBytes: func(requested, granted, actual int64) {
			s.governor.ReturnBytes(username, requested, granted, actual)
		},
		AwaitSlot: func(ctx context.Context) (<-chan struct{}, error) {
			return s.queue.AwaitStart(username, filename)
		},
		ReleaseSlot: func() {
			s.queue.Complete(username, filename)
		},
		OpenInputStream: func(offset int64) (io.ReadCloser, error) {
			if host == "" {
				f, err := os.Open(original)
				if err != nil {
					return nil, err
				}
				if _, err := f.Seek(offset, io.SeekStart); err != nil {
					f.Close()
					return nil, err
				}
				return f, nil
			}
			return s.relay.GetFileStream(context.Background(), host, original, offset, t.ID)
		},
		AutoSeek:           false,
		DisposeInputStream: true,
	}

	completed, uploadErr := s.peer.Upload(ctx, username, filename, size, t.StartOffset, opts)

	mu.Lock()
	defer mu.Unlock()
	now := time.Now().UTC()

	switch {
	case errors.Is(uploadErr, context.Canceled):
		t.EndedAt = &now
		t.State = ledger.Completed | ledger.Cancelled
		t.Exception = uploadErr.Error()
		if host != "" {
			_ = s.relay.TryCloseFileStream(context.Background(), host, t.ID, uploadErr)
		}
	case uploadErr != nil:
		t.EndedAt = &now
		t.State = ledger.Completed | ledger.Errored
		t.Exception = uploadErr.Error()
	default:
		t.BytesTransferred = completed.BytesTransferred
		t.AverageSpeed = completed.AverageSpeed
		t.State = completed.State
		t.Exception = completed.Exception
		if completed.EndedAt.IsZero() {
			t.EndedAt = &now
		} else {
			endedAt := completed.EndedAt.UTC()
			t.EndedAt = &endedAt
		}
	}

	// Terminal write is taken under uncancellable acquisition: mu is a
	// plain sync.Mutex.Lock(), which cannot be abandoned by ctx
	// cancellation, and the write itself runs against context.Background
	// so it survives the transfer's own context being cancelled.
	if err := s.ledger.Update(context.Background(), t); err != nil {
		s.log.Error("persist terminal transfer state failed", "id", t.ID, "error", err)
	}
}

// TryCancel atomically removes and triggers the cancellation source for
// id, reporting whether one was actually registered.
func (s *Service) TryCancel(id uuid.UUID) bool {
	s.cancelMu.Lock()
	cancel, ok := s.cancels[id]
	if ok {
		delete(s.cancels, id)
	}
	s.cancelMu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Remove soft-deletes the transfer with id. Rejects with
// apperrors.ErrNotFound if no transfer has that id, and with
// apperrors.ErrInvalidOperation if the transfer is not in a terminal state.
func (s *Service) Remove(ctx context.Context, id uuid.UUID) error {
	t, err := s.ledger.Get(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("remove %s: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	if !t.State.IsTerminal() {
		return fmt.Errorf("remove %s: %w", id, apperrors.ErrInvalidOperation)
	}
	return s.ledger.Remove(ctx, id)
}

// Find returns the first non-removed transfer matching predicate, or
// apperrors.ErrNotFound if none match.
func (s *Service) Find(ctx context.Context, predicate func(*ledger.Transfer) bool) (*ledger.Transfer, error) {
	matches, err := s.ledger.List(ctx, predicate, false)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("find transfer: %w", apperrors.ErrNotFound)
	}
	return matches[0], nil
}

// List returns every transfer matching predicate (nil matches all),
// honouring includeRemoved.
func (s *Service) List(ctx context.Context, predicate func(*ledger.Transfer) bool, includeRemoved bool) ([]*ledger.Transfer, error) {
	return s.ledger.List(ctx, predicate, includeRemoved)
}
