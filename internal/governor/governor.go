// Package governor meters outbound bytes per upload group using one
// token bucket per group, returning unused bytes to the pool and
// redistributing unused allocations on request.
package governor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/sha3"
	"golang.org/x/time/rate"
)

// GroupConfig is the bandwidth-relevant slice of a group's configuration:
// its name and its speed limit. Slot/priority/strategy fields live in
// uploadqueue.GroupConfig — the two packages are configured independently
// even though they are reconfigured from the same source document.
type GroupConfig struct {
	Name           string
	SpeedLimitKBps int
}

// GroupResolver maps a username to its group name. The Default group name
// is used whenever the resolver returns "" (mirrors uploadqueue's own
// fallback-to-Default rule).
type GroupResolver func(username string) string

// Governor is the per-group bandwidth allocator.
type Governor struct {
	log      *slog.Logger
	resolve  GroupResolver
	buckets  atomic.Pointer[map[string]*bucket]
	debugLog rate.Sometimes

	mu       sync.Mutex
	lastHash string
}

// New creates a Governor with no groups configured; call Configure before
// the first GetBytes.
func New(log *slog.Logger, resolve GroupResolver) *Governor {
	if log == nil {
		log = slog.Default()
	}
	g := &Governor{
		log:      log,
		resolve:  resolve,
		debugLog: rate.Sometimes{Interval: refillInterval},
	}
	empty := map[string]*bucket{}
	g.buckets.Store(&empty)
	return g
}

// groupsHash computes a stable hash of the group configuration, used to
// short-circuit Configure when nothing has actually changed.
func groupsHash(groups []GroupConfig) (string, error) {
	sorted := append([]GroupConfig(nil), groups...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	data, err := json.Marshal(sorted)
	if err != nil {
		return "", fmt.Errorf("marshal groups for hash: %w", err)
	}
	sum := sha3.Sum256(data)
	return fmt.Sprintf("%x", sum), nil
}

// Configure (re)builds the bucket map from groups. If the groups' JSON hash
// is unchanged from the last call, this is a no-op. Otherwise every bucket
// is rebuilt from scratch and atomically swapped in: in-flight transfers
// briefly reset to full capacity and any unconsumed credit in the old map
// is lost. This tradeoff is accepted in exchange for a lock-free read path.
func (g *Governor) Configure(groups []GroupConfig) error {
	hash, err := groupsHash(groups)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if hash == g.lastHash {
		return nil
	}

	next := make(map[string]*bucket, len(groups))
	for _, gc := range groups {
		capacity := int64(gc.SpeedLimitKBps) * 1024 / 10
		next[gc.Name] = newBucket(capacity, capacity)
	}

	old := g.buckets.Swap(&next)
	g.lastHash = hash

	if old != nil {
		for _, b := range *old {
			b.close()
		}
	}
	return nil
}

func (g *Governor) bucketFor(username string) *bucket {
	groupName := ""
	if g.resolve != nil {
		groupName = g.resolve(username)
	}
	buckets := *g.buckets.Load()
	if b, ok := buckets[groupName]; ok {
		return b
	}
	return buckets["Default"]
}

// GetBytes asynchronously obtains a grant of up to requested bytes for
// username's group, falling back to the Default group's bucket if username
// has no group mapping. It blocks when the balance is insufficient and
// honours ctx cancellation by releasing the waiter without consuming
// tokens. The returned grant may be smaller than requested.
func (g *Governor) GetBytes(ctx context.Context, username string, requested int64) (int64, error) {
	b := g.bucketFor(username)
	if b == nil {
		return requested, nil
	}
	g.debugLog.Do(func() {
		g.log.Debug("governor grant requested", "username", username, "requested", requested)
	})
	return b.getBytes(ctx, requested)
}

// ReturnBytes computes waste = max(0, granted-actual) and credits it back
// to username's bucket, up to capacity. The governor has no visibility into
// how much of granted was consumed by any limiter internal to the
// peer-protocol library — it only returns what it knows was unused locally.
func (g *Governor) ReturnBytes(username string, requested, granted, actual int64) {
	waste := granted - actual
	if waste <= 0 {
		return
	}
	b := g.bucketFor(username)
	if b == nil {
		return
	}
	b.returnBytes(waste)
}
