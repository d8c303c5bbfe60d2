package governor

import (
	"context"
	"testing"
	"time"
)

func TestBucket_PartialGrant(t *testing.T) {
	b := newBucket(1000, 1000)
	defer b.close()

	b.mu.Lock()
	b.balance = 300
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	got, err := b.getBytes(ctx, 1000)
	if err != nil {
		t.Fatalf("getBytes: %v", err)
	}
	if got != 300 {
		t.Fatalf("expected partial grant of 300, got %d", got)
	}
}

func TestBucket_BlocksUntilRefill(t *testing.T) {
	b := newBucket(100, 100)
	defer b.close()

	b.mu.Lock()
	b.balance = 0
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	got, err := b.getBytes(ctx, 50)
	if err != nil {
		t.Fatalf("getBytes: %v", err)
	}
	if got <= 0 {
		t.Fatalf("expected a positive grant after refill, got %d", got)
	}
	if time.Since(start) < refillInterval/2 {
		t.Fatalf("expected to block until a refill tick, returned too quickly")
	}
}

func TestBucket_CancellationReleasesWaiterWithoutConsuming(t *testing.T) {
	b := newBucket(100, 0) // no refill: only way to unblock is cancellation
	defer b.close()

	b.mu.Lock()
	b.balance = 0
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var gotErr error
	go func() {
		_, gotErr = b.getBytes(ctx, 50)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if gotErr == nil {
		t.Fatal("expected cancellation error")
	}

	b.mu.Lock()
	waiters := len(b.waiters)
	b.mu.Unlock()
	if waiters != 0 {
		t.Fatalf("expected waiter to be removed from queue, got %d remaining", waiters)
	}
}

func TestBucket_ReturnBytesCappedAtCapacity(t *testing.T) {
	b := newBucket(100, 0)
	defer b.close()

	b.mu.Lock()
	b.balance = 90
	b.mu.Unlock()

	b.returnBytes(50)

	b.mu.Lock()
	balance := b.balance
	b.mu.Unlock()
	if balance != 100 {
		t.Fatalf("expected balance capped at capacity 100, got %d", balance)
	}
}

func TestGovernor_FallsBackToDefaultGroup(t *testing.T) {
	g := New(nil, func(username string) string { return "" })
	if err := g.Configure([]GroupConfig{
		{Name: "Default", SpeedLimitKBps: 100},
		{Name: "Privileged", SpeedLimitKBps: 10000},
	}); err != nil {
		t.Fatalf("configure: %v", err)
	}

	ctx := context.Background()
	got, err := g.GetBytes(ctx, "anybody", 1<<20)
	if err != nil {
		t.Fatalf("get bytes: %v", err)
	}
	if got != int64(100*1024/10) {
		t.Fatalf("expected full Default bucket capacity %d, got %d", 100*1024/10, got)
	}
}

func TestGovernor_ConfigureIsNoOpWhenUnchanged(t *testing.T) {
	g := New(nil, func(string) string { return "Default" })
	groups := []GroupConfig{{Name: "Default", SpeedLimitKBps: 100}}
	if err := g.Configure(groups); err != nil {
		t.Fatalf("configure 1: %v", err)
	}

	first := *g.buckets.Load()
	firstBucket := first["Default"]

	if err := g.Configure(groups); err != nil {
		t.Fatalf("configure 2: %v", err)
	}
	second := *g.buckets.Load()
	if second["Default"] != firstBucket {
		t.Fatal("expected unchanged config to leave bucket map untouched")
	}
}

func TestGovernor_ReturnBytesCreditsWaste(t *testing.T) {
	g := New(nil, func(string) string { return "Default" })
	if err := g.Configure([]GroupConfig{{Name: "Default", SpeedLimitKBps: 10}}); err != nil {
		t.Fatalf("configure: %v", err)
	}

	ctx := context.Background()
	capacity := int64(10 * 1024 / 10)
	granted, err := g.GetBytes(ctx, "alice", capacity)
	if err != nil {
		t.Fatalf("get bytes: %v", err)
	}
	if granted != capacity {
		t.Fatalf("expected full capacity grant, got %d", granted)
	}

	g.ReturnBytes("alice", capacity, granted, granted/2)

	second, err := g.GetBytes(ctx, "alice", capacity)
	if err != nil {
		t.Fatalf("get bytes 2: %v", err)
	}
	if second != capacity/2 {
		t.Fatalf("expected returned waste of %d to be grantable, got %d", capacity/2, second)
	}
}
