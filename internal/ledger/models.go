// Package ledger is the durable record of every upload attempt: one row
// per Transfer, mutated only by the upload service and never destroyed
// (only soft-deleted via Remove).
package ledger

import (
	"time"

	"github.com/google/uuid"
)

// State is a bit-flag set describing where a Transfer is in its lifecycle.
// Terminal states always include Completed; Succeeded, Cancelled, Errored,
// Rejected, and TimedOut are mutually exclusive and only meaningful once
// Completed is set.
type State uint16

const (
	Queued State = 1 << iota
	Initializing
	InProgress
	Completed
	Succeeded
	Cancelled
	Errored
	Rejected
	TimedOut
)

// Has reports whether all bits in mask are set.
func (s State) Has(mask State) bool { return s&mask == mask }

// IsTerminal reports whether the state includes the Completed flag.
func (s State) IsTerminal() bool { return s.Has(Completed) }

func (s State) String() string {
	names := []struct {
		bit  State
		name string
	}{
		{Queued, "Queued"},
		{Initializing, "Initializing"},
		{InProgress, "InProgress"},
		{Completed, "Completed"},
		{Succeeded, "Succeeded"},
		{Cancelled, "Cancelled"},
		{Errored, "Errored"},
		{Rejected, "Rejected"},
		{TimedOut, "TimedOut"},
	}
	out := ""
	for _, n := range names {
		if s.Has(n.bit) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "None"
	}
	return out
}

// Transfer is the unit of ledger state: one upload attempt from one peer
// for one masked filename.
type Transfer struct {
	ID              uuid.UUID
	Username        string
	Filename        string // masked, remote-facing path
	Size            int64
	StartOffset     int64
	RequestedAt     time.Time
	EnqueuedAt      *time.Time
	StartedAt       *time.Time
	EndedAt         *time.Time
	BytesTransferred int64
	AverageSpeed    float64
	State           State
	Exception       string
	Removed         bool
}

// Valid checks the invariants a Transfer must hold: size and offset are
// non-negative, the offset never exceeds the size, and Removed may only be
// set once the transfer has reached a terminal state.
func (t *Transfer) Valid() bool {
	if t.Size < 0 || t.StartOffset < 0 || t.StartOffset > t.Size {
		return false
	}
	if t.Removed && !t.State.IsTerminal() {
		return false
	}
	if t.EnqueuedAt != nil && t.EnqueuedAt.Before(t.RequestedAt) {
		return false
	}
	if t.StartedAt != nil && t.EnqueuedAt != nil && t.StartedAt.Before(*t.EnqueuedAt) {
		return false
	}
	if t.EndedAt != nil && t.StartedAt != nil && t.EndedAt.Before(*t.StartedAt) {
		return false
	}
	return true
}
