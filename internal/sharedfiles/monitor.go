package sharedfiles

import "sync"

// State is the shared-file cache's broadcast state: filling/filled/faulted/
// cancelled flags plus progress and the running counts a caller can poll
// or subscribe to.
type State struct {
	Filling             bool
	Filled              bool
	Faulted             bool
	Cancelled           bool
	Progress            float64
	Files               int
	Directories         int
	ExcludedDirectories int
}

// Monitor broadcasts State transitions to any number of subscribers. All
// mutation goes through SetValue, a pure-functional prev-to-next helper
// that pushes every transition to every subscriber; a subscriber that
// falls behind keeps only the latest value rather than every one (see
// SetValue).
type Monitor struct {
	mu     sync.Mutex
	value  State
	subs   map[int]chan State
	nextID int
}

// NewMonitor creates a Monitor at the zero State.
func NewMonitor() *Monitor {
	return &Monitor{subs: map[int]chan State{}}
}

// Get returns the current State.
func (m *Monitor) Get() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

// SetValue applies fn to the current State, stores the result, and
// broadcasts it to every subscriber (non-blocking — a subscriber that
// isn't draining its channel misses intermediate values but always has a
// channel of capacity 1 holding the latest one).
func (m *Monitor) SetValue(fn func(State) State) State {
	m.mu.Lock()
	next := fn(m.value)
	m.value = next
	subs := make([]chan State, 0, len(m.subs))
	for _, ch := range m.subs {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- next:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- next:
			default:
			}
		}
	}
	return next
}

// Subscribe returns a channel that receives every subsequent State
// transition (capacity 1, latest value wins if the subscriber falls
// behind) and an unsubscribe function.
func (m *Monitor) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	ch := make(chan State, 1)
	m.subs[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}
