package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultNoncePurgePeriod is how often NonceSet forgets every nonce it has
// seen, used when a Server is built without an explicit override. Safe
// because nonces only need to be unique within the lifetime of one block
// template, and templates rotate far more often than this in practice;
// the purge is a capacity bound, not a correctness mechanism.
const DefaultNoncePurgePeriod = 60 * time.Second

// nonceSetCapacityHint sizes the initial backing map to reduce rehashing
// under the expected insert rate; it is a hint, not an enforced limit.
const nonceSetCapacityHint = 10 * 1024 * 1024

// NonceSet is a concurrent insert-only set of nonce strings with a single
// bulk clear, driven by a periodic ticker. It needs no lock of its own:
// each live generation is a *sync.Map (itself safe for concurrent use),
// and clearing swaps in a fresh one atomically so concurrent inserters
// never observe a half-cleared map.
type NonceSet struct {
	purgePeriod time.Duration
	gen         atomic.Value // *sync.Map
}

// NewNonceSet returns an empty set. purgePeriod overrides
// DefaultNoncePurgePeriod.
func NewNonceSet(purgePeriod time.Duration) *NonceSet {
	if purgePeriod <= 0 {
		purgePeriod = DefaultNoncePurgePeriod
	}
	n := &NonceSet{purgePeriod: purgePeriod}
	n.gen.Store(new(sync.Map))
	return n
}

// Seen reports whether nonce was already present, inserting it if not.
// This is the "insert returns already-there" semantics the submit pipeline
// depends on to reject duplicate nonces.
func (n *NonceSet) Seen(nonce string) bool {
	m := n.gen.Load().(*sync.Map)
	_, loaded := m.LoadOrStore(nonce, struct{}{})
	return loaded
}

// Clear discards every nonce seen so far.
func (n *NonceSet) Clear() {
	n.gen.Store(new(sync.Map))
}

// RunPurgeLoop clears the set once per purge period (60 seconds unless
// overridden) until ctx is done. Run it in its own goroutine for the
// process lifetime.
func (n *NonceSet) RunPurgeLoop(ctx context.Context) {
	ticker := time.NewTicker(n.purgePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Clear()
		}
	}
}
