package sharedfiles

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ssd-technologies/slskd-core/internal/apperrors"
)

// Cache is the shared-file index: a live SQLite store rebuilt by Fill, a
// backup store restored from on startup if the live store is missing or
// corrupt, and a Monitor broadcasting fill progress to any number of
// observers.
type Cache struct {
	log *slog.Logger

	livePath   string
	backupPath string

	liveStore *store

	monitor *Monitor

	master      context.Context
	workerCount int

	fillMu       sync.Mutex
	fillCancelMu sync.Mutex
	fillCancel   context.CancelFunc

	lastFillMu      sync.Mutex
	lastShares      []Share
	lastFilters     Filters
	haveLastFillCfg bool
}

// NewCache opens (or creates) the live store at livePath. master is the
// parent context every Fill's cancellation is derived from — cancelling
// master cancels any fill in progress.
func NewCache(log *slog.Logger, master context.Context, livePath, backupPath string, workerCount int) (*Cache, error) {
	if log == nil {
		log = slog.Default()
	}
	if workerCount < 1 {
		workerCount = 4
	}

	c := &Cache{
		log:         log,
		livePath:    livePath,
		backupPath:  backupPath,
		monitor:     NewMonitor(),
		master:      master,
		workerCount: workerCount,
	}

	if err := c.TryLoad(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

// live returns the store backing reads: the current live index.
func (c *Cache) live() *store {
	return c.liveStore
}

// Monitor exposes the cache's fill-state broadcaster.
func (c *Cache) Monitor() *Monitor {
	return c.monitor
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	return c.liveStore.Close()
}

// TryLoad opens the live store, restoring it from backupPath first if the
// live database is missing or its schema looks invalid and a backup
// exists.
func (c *Cache) TryLoad(ctx context.Context) error {
	if c.liveStore != nil {
		c.liveStore.Close()
		c.liveStore = nil
	}

	needsRestore := false
	if _, err := os.Stat(c.livePath); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("stat live store: %w", err)
		}
		needsRestore = true
	}

	if !needsRestore {
		s, err := openStore(c.livePath)
		if err != nil {
			return err
		}
		valid, err := s.schemaValid(ctx)
		if err != nil {
			s.Close()
			return err
		}
		if valid {
			c.liveStore = s
			return nil
		}
		s.Close()
		needsRestore = true
	}

	if needsRestore && c.backupPath != "" {
		if _, err := os.Stat(c.backupPath); err == nil {
			if err := copyFile(c.backupPath, c.livePath); err != nil {
				c.log.Warn("restore shared-file index from backup failed", "error", err)
			}
		}
	}

	s, err := openStore(c.livePath)
	if err != nil {
		return err
	}
	if err := s.ensureSchema(ctx); err != nil {
		s.Close()
		return err
	}
	c.liveStore = s
	return nil
}

// backupLive copies the live database file to backupPath. Called after a
// successful Fill. The write-ahead log is checkpointed into the database
// file first, so the copy holds every committed row.
func (c *Cache) backupLive(ctx context.Context) error {
	if c.backupPath == "" {
		return nil
	}
	if _, err := c.liveStore.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("checkpoint live store: %w", err)
	}
	return copyFile(c.livePath, c.backupPath)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy %s to %s: %w", src, tmp, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmp, dst, err)
	}
	return nil
}

// Resolve maps a masked filename to its original (physical) path and the
// host that serves it — the empty string for a local share, or a remote
// agent's name. Returns apperrors.ErrNotFound if the masked filename is not
// indexed.
func (c *Cache) Resolve(ctx context.Context, masked string) (original, host string, err error) {
	original, host, ok, err := c.live().resolve(ctx, masked)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", fmt.Errorf("resolve %q: %w", masked, apperrors.ErrNotFound)
	}
	return original, host, nil
}
