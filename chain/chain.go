// Package chain implements the append-only block log external
// collaborator described only through its interface by spec.md §3/§6: an
// ordered sequence of Blocks the core appends to via the caller-supplied
// conflicts/add_block contract, never reopened or recovered mid-consensus
// (SPEC_FULL.md §1's non-goal: the core itself carries no cross-restart
// persistence, even though this collaborator can optionally persist to
// disk via the bbolt-backed store in store.go). Grounded on the teacher's
// chain/chain.go Info/height split and chain/store.go Store interface,
// narrowed to what the consensus core actually consumes.
package chain

import (
	"fmt"
	"sync"

	"github.com/redbelly/dbft-core/pool"
)

// Block is the ordered, conflict-filtered transaction list one DBFT
// instance produces (spec.md §3, §4.5 step 5).
type Block struct {
	BlockID uint64
	Txs     []pool.Tx
}

// Chain is the contract spec.md §6 requires of the external chain
// collaborator: Height/AddBlock for the node orchestrator (spec.md §4.6),
// Conflicts for DBFT block assembly (spec.md §4.5 step 5).
type Chain interface {
	// Height reports the number of blocks appended so far; the next block
	// to be produced has this BlockID.
	Height() uint64
	// AddBlock appends b, which must have BlockID == Height().
	AddBlock(b Block) error
	// Conflicts reports whether tx conflicts with anything already on the
	// chain, per the caller-supplied predicate (spec.md §3's
	// `conflicts(tx, ctx)`).
	Conflicts(tx pool.Tx) bool
	// Block returns the block at height h, if present.
	Block(h uint64) (Block, bool)
}

// ConflictFunc is the caller-supplied chain-wide conflict predicate
// (spec.md §3). A nil ConflictFunc never reports a conflict.
type ConflictFunc func(tx pool.Tx, chain Chain) bool

// Memory is the default in-memory Chain: an append-only slice of Blocks.
// Each participant's Node orchestrator owns exactly one Chain (spec.md
// §4.6), so the mutex here only guards against a concurrent read (e.g. a
// CSV reporter in package sim) racing the owning goroutine's appends.
type Memory struct {
	mu       sync.RWMutex
	blocks   []Block
	conflict ConflictFunc
}

// NewMemory returns an empty in-memory Chain using conflict as the
// chain-wide conflict predicate (nil means no chain-wide conflicts).
func NewMemory(conflict ConflictFunc) *Memory {
	return &Memory{conflict: conflict}
}

func (c *Memory) Height() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint64(len(c.blocks))
}

func (c *Memory) AddBlock(b Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b.BlockID != uint64(len(c.blocks)) {
		return fmt.Errorf("chain: out-of-order block %d, expected %d", b.BlockID, len(c.blocks))
	}
	c.blocks = append(c.blocks, b)
	return nil
}

func (c *Memory) Conflicts(tx pool.Tx) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conflict == nil {
		return false
	}
	return c.conflict(tx, c)
}

func (c *Memory) Block(h uint64) (Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if h >= uint64(len(c.blocks)) {
		return Block{}, false
	}
	return c.blocks[h], true
}
