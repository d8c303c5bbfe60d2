package uploadqueue

// Strategy selects how a group chooses which of its ready entries is
// admitted next.
type Strategy int

const (
	// FIFO admits the entry with the earliest enqueued-at timestamp.
	FIFO Strategy = iota
	// RoundRobin admits the entry with the earliest ready-at timestamp,
	// which approximates round-robin among users whose transfers reach the
	// ready point at staggered times — a deliberate, weak approximation
	// rather than a strict per-user rotation.
	RoundRobin
)

func (s Strategy) String() string {
	switch s {
	case FIFO:
		return "FIFO"
	case RoundRobin:
		return "RoundRobin"
	default:
		return "Unknown"
	}
}

// GroupConfig is the slot/priority/strategy configuration for one group.
// Name "Privileged" is reserved: it is always synthesized by Configure
// with Priority 0, Slots equal to the configured global maximum, and
// strategy RoundRobin, regardless of what (if anything) is passed for it.
type GroupConfig struct {
	Name     string
	Priority int // lower value = higher priority
	Slots    int
	Strategy Strategy
}

// group is the runtime state for one configured group: its static config
// plus the mutable used-slot counter and pending entries, all guarded by
// the owning Queue's mutex.
type group struct {
	cfg       GroupConfig
	usedSlots int
	entries   []*entry
}
