// Package pool implements the transaction pool external collaborator
// described only through its interface by spec.md §6: a non-blocking
// source of transactions a DBFT instance draws a batch from when it
// proposes (spec.md §4.5 step 1). Grounded on client/cache.go's ARC-backed
// dedup cache, applied here to reject a submitted transaction id the pool
// has already seen rather than to cache a read result.
package pool

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/redbelly/dbft-core/common"
)

// Tx is the opaque transaction unit the core never interprets beyond its
// id (used for dedup and by a conflict predicate); its raw bytes are
// carried into the block unread. Block order comes from proposer index
// and batch order (spec.md §3).
type Tx struct {
	ID   string
	Data []byte
}

// Pool is the contract spec.md §6 requires: GetTx is non-blocking, and
// returns ok=false when the pool cannot currently fill a request — DBFT
// construction propagates that to the caller as common.ErrPoolExhausted
// (spec.md §7).
type Pool interface {
	// GetTx pops one pending transaction, or returns ok=false if none are
	// available.
	GetTx() (tx Tx, ok bool)
	// Submit enqueues tx for a future GetTx, deduping by Tx.ID.
	Submit(tx Tx)
	// Len reports the number of transactions currently queued.
	Len() int
}

// dedupCacheFactor bounds how many already-seen transaction ids a Memory
// pool remembers for deduplication, scaled by an expected queue depth so a
// long-running pool doesn't grow its dedup set unboundedly (SPEC_FULL.md
// §3's pool/core/rb ARC-cache wiring).
const dedupCacheFactor = 16

// Memory is the default in-memory Pool: an ordered FIFO queue of pending
// transactions plus an ARC cache of submitted ids for dedup.
type Memory struct {
	queue []Tx
	seen  *lru.ARCCache
}

// NewMemory returns an empty Memory pool sized for roughly
// dedupCacheFactor*expectedBatchSize concurrently tracked ids.
func NewMemory(expectedBatchSize int) *Memory {
	if expectedBatchSize < 1 {
		expectedBatchSize = 1
	}
	cache, err := lru.NewARC(dedupCacheFactor * expectedBatchSize)
	if err != nil {
		// Only fails on a non-positive size, excluded above.
		panic(err)
	}
	return &Memory{seen: cache}
}

func (p *Memory) Submit(tx Tx) {
	if _, dup := p.seen.Get(tx.ID); dup {
		return
	}
	p.seen.Add(tx.ID, struct{}{})
	p.queue = append(p.queue, tx)
}

func (p *Memory) GetTx() (Tx, bool) {
	if len(p.queue) == 0 {
		return Tx{}, false
	}
	tx := p.queue[0]
	p.queue = p.queue[1:]
	return tx, true
}

func (p *Memory) Len() int {
	return len(p.queue)
}

// Batch drains exactly n transactions, returning common.ErrPoolExhausted
// without popping anything if fewer than n are currently queued (spec.md
// §7: "Pool exhaustion ... propagated to caller; the orchestrator must
// ensure the pool is primed before starting a block").
func Batch(p Pool, n int) ([]Tx, error) {
	if p.Len() < n {
		return nil, common.ErrPoolExhausted
	}
	out := make([]Tx, 0, n)
	for i := 0; i < n; i++ {
		tx, ok := p.GetTx()
		if !ok {
			return nil, common.ErrPoolExhausted
		}
		out = append(out, tx)
	}
	return out, nil
}
