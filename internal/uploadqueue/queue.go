// Package uploadqueue is the slot-admission controller: it decides which
// pending upload is handed the next available slot, honouring per-group
// slot budgets, group priority order, and each group's queue strategy.
package uploadqueue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/ssd-technologies/slskd-core/internal/apperrors"
)

const defaultGroupName = "Default"
const privilegedGroupName = "Privileged"

// entry is one queued upload: a (username, filename) pair waiting for a
// slot, living only in memory. readyAt is nil until AwaitStart is called
// for it; done fires exactly once, when the entry is admitted.
type entry struct {
	username   string
	filename   string
	enqueuedAt time.Time
	readyAt    *time.Time
	done       chan struct{}
}

// GroupResolver maps a username to the name of the group it currently
// belongs to. An empty return value is mapped to the Default group.
type GroupResolver func(username string) string

// Config is the full admission-controller configuration passed to
// Configure: the global slot ceiling plus every group's slot/priority/
// strategy tuple (Privileged is synthesized automatically and need not be
// included).
type Config struct {
	GlobalMaxSlots int
	Groups         []GroupConfig
}

// Queue is the upload admission controller. All mutating operations and
// the admission pass itself run under the same mutex.
type Queue struct {
	log     *slog.Logger
	resolve GroupResolver

	mu             sync.Mutex
	globalMaxSlots int
	groups         map[string]*group
	order          []string // group names sorted by ascending priority
	lastHash       string
}

// New creates an empty Queue; call Configure before the first Enqueue.
func New(log *slog.Logger, resolve GroupResolver) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		log:     log,
		resolve: resolve,
		groups:  map[string]*group{},
	}
}

func configHash(cfg Config) (string, error) {
	sorted := append([]GroupConfig(nil), cfg.Groups...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	data, err := json.Marshal(struct {
		GlobalMaxSlots int
		Groups         []GroupConfig
	}{cfg.GlobalMaxSlots, sorted})
	if err != nil {
		return "", fmt.Errorf("marshal queue config for hash: %w", err)
	}
	sum := sha3.Sum256(data)
	return fmt.Sprintf("%x", sum), nil
}

// Configure rebuilds the group set. If the groups' JSON hash is unchanged
// since the last call, this is a no-op. Otherwise: Privileged is rebuilt
// with priority 0, slots equal to GlobalMaxSlots, and strategy RoundRobin;
// every other configured group is rebuilt from cfg.Groups. A group's
// used-slot counter is preserved by name across the rebuild when that
// group persists; pending entries are preserved the same way.
func (q *Queue) Configure(cfg Config) error {
	hash, err := configHash(cfg)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if hash == q.lastHash {
		return nil
	}

	next := make(map[string]*group, len(cfg.Groups)+1)
	next[privilegedGroupName] = &group{cfg: GroupConfig{
		Name:     privilegedGroupName,
		Priority: 0,
		Slots:    cfg.GlobalMaxSlots,
		Strategy: RoundRobin,
	}}
	for _, gc := range cfg.Groups {
		if gc.Name == privilegedGroupName {
			continue // Privileged is never taken from configuration
		}
		next[gc.Name] = &group{cfg: gc}
	}
	if _, ok := next[defaultGroupName]; !ok {
		next[defaultGroupName] = &group{cfg: GroupConfig{Name: defaultGroupName, Priority: 1, Slots: cfg.GlobalMaxSlots, Strategy: FIFO}}
	}

	for name, g := range q.groups {
		if ng, ok := next[name]; ok {
			ng.usedSlots = g.usedSlots
			ng.entries = g.entries
		}
	}

	order := make([]string, 0, len(next))
	for name := range next {
		order = append(order, name)
	}
	sort.Slice(order, func(i, j int) bool { return next[order[i]].cfg.Priority < next[order[j]].cfg.Priority })

	q.globalMaxSlots = cfg.GlobalMaxSlots
	q.groups = next
	q.order = order
	q.lastHash = hash
	return nil
}

func (q *Queue) groupNameFor(username string) string {
	name := ""
	if q.resolve != nil {
		name = q.resolve(username)
	}
	if name == "" {
		return defaultGroupName
	}
	return name
}

// groupFor returns the group for username, falling back to Default if the
// resolved name has no configured group.
func (q *Queue) groupFor(username string) *group {
	name := q.groupNameFor(username)
	if g, ok := q.groups[name]; ok {
		return g
	}
	return q.groups[defaultGroupName]
}

// Enqueue registers a new queue entry for (username, filename) in the
// user's group and triggers an admission pass. Re-enqueuing a pair that
// already has a live entry is a no-op, preserving the "at most one entry
// per (username, filename) pair" invariant.
func (q *Queue) Enqueue(username, filename string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	g := q.groupFor(username)
	if g == nil {
		return
	}
	for _, e := range g.entries {
		if e.username == username && e.filename == filename {
			return
		}
	}
	g.entries = append(g.entries, &entry{
		username:   username,
		filename:   filename,
		enqueuedAt: time.Now(),
		done:       make(chan struct{}),
	})
	q.processLocked()
}

// AwaitStart marks the (username, filename) entry "ready" — i.e. the
// peer-library transfer has reached its slot-awaiting point — and returns
// a channel that closes when the entry is admitted. The mutex is acquired,
// the entry is mutated and an admission pass is attempted while still
// holding it, and only the resulting channel is returned to the caller to
// wait on outside the lock.
func (q *Queue) AwaitStart(username, filename string) (<-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	g := q.groupFor(username)
	if g == nil {
		return nil, fmt.Errorf("await start %s/%s: %w", username, filename, apperrors.ErrNotFound)
	}
	for _, e := range g.entries {
		if e.username == username && e.filename == filename {
			now := time.Now()
			e.readyAt = &now
			q.processLocked()
			return e.done, nil
		}
	}
	return nil, fmt.Errorf("await start %s/%s: %w", username, filename, apperrors.ErrNotFound)
}

// Complete signals that a previously admitted upload has finished: it
// decrements the group's used-slot counter, floored at zero, and triggers
// another admission pass. A Complete for an unknown group is a no-op.
func (q *Queue) Complete(username, filename string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	name := q.groupNameFor(username)
	g, ok := q.groups[name]
	if !ok {
		return
	}
	if g.usedSlots > 0 {
		g.usedSlots--
	}
	q.processLocked()
}

// processLocked is the admission pass. Must be called with mu held. It
// keeps admitting across groups — not just one per pass — until either
// global slots are exhausted or no group has a ready entry left to admit.
func (q *Queue) processLocked() {
	for {
		if q.totalUsedLocked() >= q.globalMaxSlots {
			return
		}
		admitted := false
		for _, name := range q.order {
			g := q.groups[name]
			if g.usedSlots >= g.cfg.Slots {
				continue
			}
			idx := selectReadyIndex(g)
			if idx < 0 {
				continue
			}
			e := g.entries[idx]
			g.entries = append(g.entries[:idx], g.entries[idx+1:]...)
			close(e.done)
			g.usedSlots++
			admitted = true
			if q.totalUsedLocked() >= q.globalMaxSlots {
				return
			}
		}
		if !admitted {
			return
		}
	}
}

func (q *Queue) totalUsedLocked() int {
	total := 0
	for _, g := range q.groups {
		total += g.usedSlots
	}
	return total
}

// selectReadyIndex returns the index of the entry g should admit next
// according to its strategy, or -1 if g has no ready entry.
func selectReadyIndex(g *group) int {
	best := -1
	for i, e := range g.entries {
		if e.readyAt == nil {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		if g.cfg.Strategy == RoundRobin {
			if e.readyAt.Before(*g.entries[best].readyAt) {
				best = i
			}
		} else {
			if e.enqueuedAt.Before(g.entries[best].enqueuedAt) {
				best = i
			}
		}
	}
	return best
}
