package core

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ssd-technologies/slskd-core/internal/governor"
	"github.com/ssd-technologies/slskd-core/internal/ledger"
	"github.com/ssd-technologies/slskd-core/internal/sharedfiles"
	"github.com/ssd-technologies/slskd-core/internal/uploadqueue"
	"github.com/ssd-technologies/slskd-core/internal/uploadservice"
)

// Service is the control-plane façade: Enqueue, TryCancel, Remove, Find,
// List on transfers; StartScan, TryCancelScan, Resolve, Search, Browse,
// List on shares. Binding these to HTTP endpoints is left to a caller —
// no HTTP surface is provided here.
type Service struct {
	log *slog.Logger

	Ledger   *ledger.Store
	Cache    *sharedfiles.Cache
	Governor *governor.Governor
	Queue    *uploadqueue.Queue
	Uploads  *uploadservice.Service
}

// Config bundles everything needed to open every owned store and wire
// every component, in dependency order: ledger, shared-file cache,
// governor, queue, upload service.
type Config struct {
	LedgerPath        string
	SharedFilesLive   string
	SharedFilesBackup string
	ScanWorkers       int

	Peer  uploadservice.PeerTransfer
	Relay uploadservice.Relay
	Users uploadservice.UserService
}

// New opens every owned store and wires the full dependency graph. master
// is the process-wide cancellation source every background task derives
// its own context from.
func New(log *slog.Logger, master context.Context, cfg Config) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}

	ledgerStore, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	cache, err := sharedfiles.NewCache(log, master, cfg.SharedFilesLive, cfg.SharedFilesBackup, cfg.ScanWorkers)
	if err != nil {
		ledgerStore.Close()
		return nil, fmt.Errorf("open shared-file cache: %w", err)
	}

	resolver := groupResolverFromUsers(cfg.Users)
	gov := governor.New(log, governor.GroupResolver(resolver))
	queue := uploadqueue.New(log, uploadqueue.GroupResolver(resolver))
	uploads := uploadservice.New(log, master, ledgerStore, cache, gov, queue, cfg.Peer, cfg.Relay, cfg.Users)

	return &Service{
		log:      log,
		Ledger:   ledgerStore,
		Cache:    cache,
		Governor: gov,
		Queue:    queue,
		Uploads:  uploads,
	}, nil
}

// groupResolverFromUsers adapts UserService.GetGroup to the GroupResolver
// shape the governor and queue both take, so a single caller-supplied
// user/group mapping backs bandwidth allocation and slot admission alike.
// A nil UserService, or a username GetGroup doesn't recognize, resolves to
// "" — both the governor and the queue already fall back to their Default
// group in that case.
func groupResolverFromUsers(users uploadservice.UserService) func(username string) string {
	return func(username string) string {
		if users == nil {
			return ""
		}
		group, ok := users.GetGroup(context.Background(), username)
		if !ok {
			return ""
		}
		return group
	}
}

// Close releases every owned store. The upload service itself owns no
// resources beyond what it borrows from Ledger and Cache.
func (s *Service) Close() error {
	s.Uploads.Shutdown()
	cacheErr := s.Cache.Close()
	ledgerErr := s.Ledger.Close()
	if cacheErr != nil {
		return cacheErr
	}
	return ledgerErr
}

// -- Transfers --

// Enqueue admits (username, filename) for upload.
func (s *Service) Enqueue(ctx context.Context, username, filename string) error {
	return s.Uploads.Enqueue(ctx, username, filename)
}

// TryCancel cancels the in-flight transfer with id, reporting whether one
// was actually running.
func (s *Service) TryCancel(id uuid.UUID) bool {
	return s.Uploads.TryCancel(id)
}

// Remove soft-deletes a terminal transfer.
func (s *Service) Remove(ctx context.Context, id uuid.UUID) error {
	return s.Uploads.Remove(ctx, id)
}

// FindTransfer returns the first non-removed transfer matching predicate.
func (s *Service) FindTransfer(ctx context.Context, predicate func(*ledger.Transfer) bool) (*ledger.Transfer, error) {
	return s.Uploads.Find(ctx, predicate)
}

// ListTransfers returns every transfer matching predicate (nil matches
// all), honouring includeRemoved.
func (s *Service) ListTransfers(ctx context.Context, predicate func(*ledger.Transfer) bool, includeRemoved bool) ([]*ledger.Transfer, error) {
	return s.Uploads.List(ctx, predicate, includeRemoved)
}

// -- Shares --

// StartScan rebuilds the shared-file index from shares.
func (s *Service) StartScan(ctx context.Context, shares []sharedfiles.Share, filters sharedfiles.Filters) error {
	return s.Cache.Fill(ctx, shares, filters)
}

// TryCancelScan cancels an in-progress scan, reporting whether one was
// actually running.
func (s *Service) TryCancelScan() bool {
	return s.Cache.TryCancelFill()
}

// Resolve maps a masked filename to its original path and serving host.
func (s *Service) Resolve(ctx context.Context, masked string) (original, host string, err error) {
	return s.Cache.Resolve(ctx, masked)
}

// Search runs a full-text search over indexed filenames.
func (s *Service) Search(ctx context.Context, query string) ([]sharedfiles.FileRecord, error) {
	return s.Cache.Search(ctx, query)
}

// Browse returns the full directory tree, or the subtree under
// sharePrefix if non-empty.
func (s *Service) Browse(ctx context.Context, sharePrefix string) ([]sharedfiles.Directory, error) {
	return s.Cache.Browse(ctx, sharePrefix)
}

// ListDirectory returns a single named directory and its files.
func (s *Service) ListDirectory(ctx context.Context, name string) (sharedfiles.Directory, bool, error) {
	return s.Cache.List(ctx, name)
}

// ConfigureGovernor (re)configures per-group bandwidth limits.
func (s *Service) ConfigureGovernor(groups []governor.GroupConfig) error {
	return s.Governor.Configure(groups)
}

// ConfigureQueue (re)configures per-group slot budgets and strategies.
func (s *Service) ConfigureQueue(cfg uploadqueue.Config) error {
	return s.Queue.Configure(cfg)
}
