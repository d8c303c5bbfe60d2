package uploadqueue

import (
	"testing"
	"time"
)

func resolverFor(groups map[string]string) GroupResolver {
	return func(username string) string { return groups[username] }
}

func TestAdmission_PrivilegedBeforeDefault(t *testing.T) {
	q := New(nil, resolverFor(map[string]string{"p": "Privileged", "d": "Default"}))
	if err := q.Configure(Config{GlobalMaxSlots: 1, Groups: []GroupConfig{
		{Name: "Default", Priority: 1, Slots: 1, Strategy: FIFO},
	}}); err != nil {
		t.Fatalf("configure: %v", err)
	}

	q.Enqueue("p", "f1")
	q.Enqueue("d", "f2")

	pDone, err := q.AwaitStart("p", "f1")
	if err != nil {
		t.Fatalf("await p: %v", err)
	}
	dDone, err := q.AwaitStart("d", "f2")
	if err != nil {
		t.Fatalf("await d: %v", err)
	}

	select {
	case <-pDone:
	case <-time.After(time.Second):
		t.Fatal("privileged user was not admitted")
	}

	select {
	case <-dDone:
		t.Fatal("default user admitted before privileged user completed")
	case <-time.After(20 * time.Millisecond):
	}

	q.Complete("p", "f1")

	select {
	case <-dDone:
	case <-time.After(time.Second):
		t.Fatal("default user was not admitted after privileged completed")
	}
}

func TestAdmission_RoundRobinByReadyAt(t *testing.T) {
	q := New(nil, resolverFor(map[string]string{"a": "G", "b": "G", "c": "G"}))
	if err := q.Configure(Config{GlobalMaxSlots: 3, Groups: []GroupConfig{
		{Name: "G", Priority: 1, Slots: 2, Strategy: RoundRobin},
	}}); err != nil {
		t.Fatalf("configure: %v", err)
	}

	q.Enqueue("a", "fa")
	q.Enqueue("b", "fb")
	q.Enqueue("c", "fc")

	var order []string
	var mu dummyMutex
	admit := func(user, file string, delay time.Duration) {
		time.Sleep(delay)
		done, err := q.AwaitStart(user, file)
		if err != nil {
			t.Errorf("await %s: %v", user, err)
			return
		}
		<-done
		mu.lock()
		order = append(order, user)
		mu.unlock()
		// The upload finishes, freeing its slot for the next ready entry.
		q.Complete(user, file)
	}

	doneCh := make(chan struct{}, 3)
	go func() { admit("a", "fa", 0); doneCh <- struct{}{} }()
	go func() { admit("b", "fb", 10*time.Millisecond); doneCh <- struct{}{} }()
	go func() { admit("c", "fc", 20*time.Millisecond); doneCh <- struct{}{} }()

	for i := 0; i < 3; i++ {
		select {
		case <-doneCh:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for admissions")
		}
	}

	if len(order) != 3 || order[0] != "a" {
		t.Fatalf("expected a admitted first, got order %v", order)
	}
}

func TestAdmission_FIFOByEnqueuedAt(t *testing.T) {
	q := New(nil, resolverFor(map[string]string{"a": "G", "b": "G", "x": "G"}))
	if err := q.Configure(Config{GlobalMaxSlots: 1, Groups: []GroupConfig{
		{Name: "G", Priority: 1, Slots: 1, Strategy: FIFO},
	}}); err != nil {
		t.Fatalf("configure: %v", err)
	}

	// x holds the only slot while a and b both become ready, so the next
	// admission has to choose between them.
	q.Enqueue("x", "fx")
	if _, err := q.AwaitStart("x", "fx"); err != nil {
		t.Fatalf("await x: %v", err)
	}

	q.Enqueue("a", "fa")
	time.Sleep(5 * time.Millisecond)
	q.Enqueue("b", "fb")

	// Mark b ready before a, to prove FIFO orders by enqueued-at, not ready-at.
	bDone, err := q.AwaitStart("b", "fb")
	if err != nil {
		t.Fatalf("await b: %v", err)
	}
	aDone, err := q.AwaitStart("a", "fa")
	if err != nil {
		t.Fatalf("await a: %v", err)
	}
	q.Complete("x", "fx")

	select {
	case <-aDone:
	case <-time.After(time.Second):
		t.Fatal("a (earliest enqueued) was not admitted first")
	}
	select {
	case <-bDone:
		t.Fatal("b admitted before a completed, violating 1-slot FIFO group")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestAwaitStart_UnknownEntryFails(t *testing.T) {
	q := New(nil, resolverFor(nil))
	if err := q.Configure(Config{GlobalMaxSlots: 1}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if _, err := q.AwaitStart("nobody", "nothing"); err == nil {
		t.Fatal("expected error for unknown entry")
	}
}

func TestComplete_UnknownGroupIsNoOp(t *testing.T) {
	q := New(nil, resolverFor(nil))
	if err := q.Configure(Config{GlobalMaxSlots: 1}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	q.Complete("nobody", "nothing") // must not panic
}

func TestComplete_FloorsAtZero(t *testing.T) {
	q := New(nil, resolverFor(map[string]string{"a": "Default"}))
	if err := q.Configure(Config{GlobalMaxSlots: 1}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	q.Complete("a", "f") // no admitted entries yet; usedSlots already 0
	q.Complete("a", "f")

	q.mu.Lock()
	used := q.groups[defaultGroupName].usedSlots
	q.mu.Unlock()
	if used != 0 {
		t.Fatalf("expected usedSlots floored at 0, got %d", used)
	}
}

func TestEnqueue_DuplicatePairIsNoOp(t *testing.T) {
	q := New(nil, resolverFor(map[string]string{"a": "Default"}))
	if err := q.Configure(Config{GlobalMaxSlots: 1}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	q.Enqueue("a", "f")
	q.Enqueue("a", "f")

	q.mu.Lock()
	n := len(q.groups[defaultGroupName].entries)
	q.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one entry, got %d", n)
	}
}

type dummyMutex struct{ ch chan struct{} }

func (m *dummyMutex) lock() {
	if m.ch == nil {
		m.ch = make(chan struct{}, 1)
	}
	m.ch <- struct{}{}
}

func (m *dummyMutex) unlock() { <-m.ch }
