package sharedfiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ssd-technologies/slskd-core/internal/apperrors"
)

// fillChannelCapacity bounds the directory fan-out channel: workers read
// until the driver closes the channel, and the driver blocks on a full
// channel rather than buffering the whole directory set in memory.
const fillChannelCapacity = 1000

// sharedFileCode is the protocol's file-entry type byte. The wire format
// defines no value other than 1 for a regular shared file.
const sharedFileCode = 1

// Fill performs a complete rescan of shares, replacing the live index in
// place. Fill is single-writer: a concurrent call while one is already
// running returns apperrors.ErrShareScanInProgress without blocking.
// Cancelling ctx, the cache's master context, or calling TryCancelFill
// cancels the scan; a cancelled scan skips the tombstone sweep and returns
// nil.
func (c *Cache) Fill(ctx context.Context, shares []Share, filters Filters) error {
	if err := validateRemotePathsUnique(shares); err != nil {
		return err
	}

	if !c.fillMu.TryLock() {
		return apperrors.ErrShareScanInProgress
	}
	defer c.fillMu.Unlock()

	c.lastFillMu.Lock()
	c.lastShares = shares
	c.lastFilters = filters
	c.haveLastFillCfg = true
	c.lastFillMu.Unlock()

	fillCtx, cancel := context.WithCancel(c.master)
	stopCallerCancel := context.AfterFunc(ctx, cancel)
	c.setFillCancel(cancel)
	defer func() {
		stopCallerCancel()
		c.setFillCancel(nil)
		cancel()
	}()
	if ctx.Err() != nil {
		cancel()
	}

	c.monitor.SetValue(func(s State) State {
		s.Filling = true
		s.Filled = false
		s.Faulted = false
		s.Cancelled = false
		s.Progress = 0
		return s
	})

	err := c.doFill(fillCtx, shares, filters)
	switch {
	case err == nil:
		files, _ := c.liveStore.countFiles(fillCtx, "")
		dirs, _ := c.liveStore.countDirectories(fillCtx, "")
		c.monitor.SetValue(func(s State) State {
			s.Filling = false
			s.Filled = true
			s.Progress = 1
			s.Files = files
			s.Directories = dirs
			return s
		})
		return c.backupLive(context.Background())
	case errors.Is(err, context.Canceled):
		c.monitor.SetValue(func(s State) State {
			s.Filling = false
			s.Filled = false
			s.Cancelled = true
			return s
		})
		return nil
	default:
		c.monitor.SetValue(func(s State) State {
			s.Filling = false
			s.Filled = false
			s.Faulted = true
			return s
		})
		return fmt.Errorf("fill shares: %w", err)
	}
}

// TriggerRescan starts a new Fill in the background using the most
// recently supplied shares/filters, used when an Enqueue resolves against
// a file the index no longer agrees is present. It is a no-op if no Fill
// has ever run, or if one is already running.
func (c *Cache) TriggerRescan() {
	c.lastFillMu.Lock()
	shares, filters, ok := c.lastShares, c.lastFilters, c.haveLastFillCfg
	c.lastFillMu.Unlock()
	if !ok {
		return
	}
	go func() {
		if err := c.Fill(context.Background(), shares, filters); err != nil && !errors.Is(err, apperrors.ErrShareScanInProgress) {
			c.log.Error("triggered rescan failed", "error", err)
		}
	}()
}

// TryCancelFill cancels the in-progress fill, if any, and reports whether
// one was actually running.
func (c *Cache) TryCancelFill() bool {
	c.fillCancelMu.Lock()
	cancel := c.fillCancel
	c.fillCancelMu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

func (c *Cache) setFillCancel(cancel context.CancelFunc) {
	c.fillCancelMu.Lock()
	c.fillCancel = cancel
	c.fillCancelMu.Unlock()
}

func (c *Cache) doFill(ctx context.Context, shares []Share, filters Filters) error {
	if err := c.liveStore.ensureSchema(ctx); err != nil {
		return err
	}

	epoch := time.Now().UnixMilli()

	dirs, excluded, err := enumerateDirectories(shares, filters)
	if err != nil {
		return err
	}
	c.monitor.SetValue(func(s State) State {
		s.ExcludedDirectories = excluded
		return s
	})

	ch := make(chan scanDir, fillChannelCapacity)
	var wg sync.WaitGroup
	var firstErrMu sync.Mutex
	var firstErr error
	recordErr := func(err error) {
		if err == nil {
			return
		}
		firstErrMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		firstErrMu.Unlock()
	}

	workerCount := c.workerCount
	if workerCount < 1 {
		workerCount = 1
	}
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.fillWorker(ctx, ch, epoch, filters, recordErr)
		}()
	}

feed:
	for _, d := range dirs {
		select {
		case ch <- d:
		case <-ctx.Done():
			break feed
		}
	}
	close(ch)
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if firstErr != nil {
		return firstErr
	}

	// Tombstone sweep: never runs for a cancelled scan (checked above).
	_, _, err = c.liveStore.sweepTombstones(ctx, epoch)
	return err
}

// scanDir is one unit of fan-out work: a directory to index, plus enough
// of its owning share to mask every path found under it (empty host for a
// locally-scanned share).
type scanDir struct {
	path         string
	host         string
	localPath    string
	remotePrefix string
}

// maskPath substitutes a share's local-path prefix with its remote-facing
// prefix, per the GLOSSARY definition of a masked filename: the
// remote-facing path exposed to peers, derived by substituting a share's
// local-path prefix with its remote-path prefix.
func maskPath(localPath, remotePrefix, fullPath string) string {
	return remotePrefix + strings.TrimPrefix(fullPath, localPath)
}

// validateRemotePathsUnique enforces the Share invariant that remote paths
// (after alias substitution) are unique across non-excluded shares — two
// shares masking to the same prefix would make their files indistinguishable
// in the index.
func validateRemotePathsUnique(shares []Share) error {
	seen := map[string]bool{}
	for _, sh := range shares {
		if sh.Excluded {
			continue
		}
		prefix := sh.Alias
		if prefix == "" {
			prefix = sh.RemotePath
		}
		if seen[prefix] {
			return fmt.Errorf("fill shares: duplicate remote path %q: %w", prefix, apperrors.ErrInvalidOperation)
		}
		seen[prefix] = true
	}
	return nil
}

// fillWorker drains directories from ch: it inserts the masked directory
// row with the current scan epoch, enumerates that directory's immediate
// files (non-recursive), applies file filters, and upserts file + FTS
// rows keyed by masked filename.
func (c *Cache) fillWorker(ctx context.Context, ch <-chan scanDir, epoch int64, filters Filters, recordErr func(error)) {
	for d := range ch {
		if ctx.Err() != nil {
			continue
		}
		maskedDir := maskPath(d.localPath, d.remotePrefix, d.path)
		if err := c.liveStore.upsertDirectory(ctx, maskedDir, epoch); err != nil {
			recordErr(err)
			continue
		}

		entries, err := os.ReadDir(d.path)
		if err != nil {
			// Inaccessible by the time we got here; skip, not fatal.
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			fullPath := filepath.Join(d.path, e.Name())
			if filters.fileExcluded(fullPath) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			fr := FileRecord{
				MaskedFilename:   maskPath(d.localPath, d.remotePrefix, fullPath),
				OriginalFilename: fullPath,
				Host:             d.host,
				Size:             info.Size(),
				TouchedAt:        info.ModTime().UTC(),
				Code:             sharedFileCode,
				Extension:        strings.TrimPrefix(filepath.Ext(e.Name()), "."),
				Attributes:       []int32{},
				ScanEpoch:        epoch,
			}
			attributeJSON, err := json.Marshal(fr.Attributes)
			if err != nil {
				recordErr(err)
				continue
			}
			if err := c.liveStore.upsertFile(ctx, fr, string(attributeJSON)); err != nil {
				recordErr(err)
			}
		}
	}
}

// enumerateDirectories walks every non-excluded share, skipping hidden
// and system directories, inaccessible directories, and anything matched
// by the caller's directory filters or nested under an excluded share's
// local path. Returns the deduplicated directory set and a count of
// directories dropped because they matched an excluded share.
func enumerateDirectories(shares []Share, filters Filters) ([]scanDir, int, error) {
	var excludedPrefixes []string
	for _, sh := range shares {
		if sh.Excluded {
			excludedPrefixes = append(excludedPrefixes, sh.LocalPath)
		}
	}

	seen := map[string]bool{}
	var out []scanDir
	excludedCount := 0

	for _, sh := range shares {
		if sh.Excluded {
			continue
		}
		host := sh.Host
		remotePrefix := sh.Alias
		if remotePrefix == "" {
			remotePrefix = sh.RemotePath
		}
		err := filepath.WalkDir(sh.LocalPath, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// Inaccessible directory: skip it, keep walking siblings.
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.IsDir() {
				return nil
			}
			if isHiddenOrSystem(d.Name()) && path != sh.LocalPath {
				return filepath.SkipDir
			}
			if underAnyPrefix(path, excludedPrefixes) {
				excludedCount++
				return filepath.SkipDir
			}
			if filters.directoryExcluded(path) {
				return nil
			}
			if !seen[path] {
				seen[path] = true
				out = append(out, scanDir{path: path, host: host, localPath: sh.LocalPath, remotePrefix: remotePrefix})
			}
			return nil
		})
		if err != nil {
			return nil, 0, fmt.Errorf("walk share %s: %w", sh.LocalPath, err)
		}
	}
	return out, excludedCount, nil
}

func isHiddenOrSystem(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "$")
}

func underAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		if path == p || strings.HasPrefix(path, p+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}
