package governor

import (
	"context"
	"sync"
	"time"
)

// refillInterval is the bucket's refill granularity. Bucket capacity is
// defined as speedLimitKBps*1024/10, i.e. 100ms of headroom, and the
// same amount is credited back every refillInterval. Keep this ratio unless
// the peer-protocol library's own pull granularity changes.
const refillInterval = 100 * time.Millisecond

// waiter is a pending request for up to `requested` bytes from a bucket.
// grant delivers the number of bytes actually allocated; it is always
// closed-or-sent exactly once.
type waiter struct {
	requested int64
	grant     chan int64
}

// bucket is a single group's token bucket: a byte balance replenished at a
// fixed rate, with a FIFO queue of blocked requesters. A partial grant is
// always preferred over blocking the caller indefinitely once any balance
// exists.
type bucket struct {
	mu       sync.Mutex
	capacity int64
	refill   int64
	balance  int64
	waiters  []*waiter

	stop chan struct{}
	done chan struct{}
}

// newBucket creates a bucket with the given capacity and per-interval
// refill amount, starting at full balance, and launches its refill loop.
func newBucket(capacity, refillAmount int64) *bucket {
	b := &bucket{
		capacity: capacity,
		refill:   refillAmount,
		balance:  capacity,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *bucket) run() {
	defer close(b.done)
	ticker := time.NewTicker(refillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.mu.Lock()
			b.credit(b.refill)
			b.mu.Unlock()
		}
	}
}

// close stops the refill loop. Any waiters still queued are left blocked —
// callers are expected to have already cancelled their contexts before a
// bucket map swap discards this bucket (see Governor.Configure).
func (b *bucket) close() {
	close(b.stop)
	<-b.done
}

// credit adds n bytes to the balance (capped at capacity) and then serves
// as many queued waiters as the resulting balance allows, in FIFO order.
// Must be called with mu held.
func (b *bucket) credit(n int64) {
	b.balance += n
	if b.balance > b.capacity {
		b.balance = b.capacity
	}
	for len(b.waiters) > 0 && b.balance > 0 {
		w := b.waiters[0]
		grant := w.requested
		if grant > b.balance {
			grant = b.balance
		}
		b.balance -= grant
		b.waiters = b.waiters[1:]
		w.grant <- grant
		close(w.grant)
	}
}

// getBytes asynchronously obtains a grant of up to requested bytes. If the
// balance is insufficient it blocks until some balance becomes available
// (via refill or a returnBytes credit) or ctx is cancelled. The returned
// grant may be smaller than requested; callers must tolerate that.
func (b *bucket) getBytes(ctx context.Context, requested int64) (int64, error) {
	if requested <= 0 {
		return 0, nil
	}

	b.mu.Lock()
	if b.balance > 0 {
		grant := requested
		if grant > b.balance {
			grant = b.balance
		}
		b.balance -= grant
		b.mu.Unlock()
		return grant, nil
	}

	w := &waiter{requested: requested, grant: make(chan int64, 1)}
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	select {
	case g := <-w.grant:
		return g, nil
	case <-ctx.Done():
		b.cancelWaiter(w)
		return 0, ctx.Err()
	}
}

// cancelWaiter removes w from the queue without consuming tokens. If w was
// concurrently served by credit() between the ctx.Done() firing and this
// call, the grant is still delivered on w.grant and is honoured instead —
// the caller already returned on the ctx.Done() branch, so that grant would
// be leaked; to avoid losing bytes we return it to the bucket balance.
func (b *bucket) cancelWaiter(w *waiter) {
	b.mu.Lock()
	for i, other := range b.waiters {
		if other == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			b.mu.Unlock()
			return
		}
	}
	b.mu.Unlock()

	// w was already popped and served concurrently; reclaim the grant.
	select {
	case g := <-w.grant:
		b.returnBytes(g)
	default:
	}
}

// returnBytes credits waste back to the bucket, up to capacity, and serves
// any queued waiters it can satisfy. Over-credit beyond capacity is
// silently discarded.
func (b *bucket) returnBytes(n int64) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	b.credit(n)
	b.mu.Unlock()
}
