// Package node implements the Node Orchestrator (spec.md §4.6): the
// per-participant driver that owns a transaction pool, a chain, and one
// DBFT instance per in-flight block height, routing inbound messages by
// block_id and advancing the chain as each DBFT instance reaches
// Consensus. Grounded on beacon/node.go's run-loop shape (own state,
// register a transport handler, react to delivered messages) adapted from
// a single beacon chain to DBFT's per-height instance map.
package node

import (
	"github.com/redbelly/dbft-core/chain"
	"github.com/redbelly/dbft-core/common"
	"github.com/redbelly/dbft-core/core/bc"
	"github.com/redbelly/dbft-core/core/dbft"
	"github.com/redbelly/dbft-core/log"
	"github.com/redbelly/dbft-core/pool"
	"github.com/redbelly/dbft-core/transport"
)

// Config holds the per-node tunables spec.md §6 names: group size,
// proposal batch size and the maximum number of blocks to produce before
// Done is closed, plus the binary consensus variant (SPEC_FULL.md §2's
// "Config struct per tunable group" pattern; sim.Run builds one from its
// own sim.Config).
type Config struct {
	N         int
	BatchSize int
	MaxBlocks uint64
	Variant   bc.Variant
}

// Node drives one participant's DBFT instances across successive block
// heights until Chain.Height() reaches Config.MaxBlocks.
type Node struct {
	id  int
	cfg Config

	tp    transport.Transport
	pool  pool.Pool
	chain chain.Chain
	l     log.Logger

	dbftMgr *dbft.Manager

	done chan struct{}
}

// New wires a Node for participant id: registers tp's message handler,
// and arranges for the DBFT manager's block-Consensus callback to append
// to c and advance to the next height.
func New(id int, cfg Config, tp transport.Transport, p pool.Pool, c chain.Chain, l log.Logger) *Node {
	l = l.Named("node").With("id", id)
	n := &Node{
		id: id, cfg: cfg,
		tp: tp, pool: p, chain: c, l: l,
		done: make(chan struct{}),
	}
	n.dbftMgr = dbft.New(id, cfg.N, cfg.Variant, tp, n.onBlockDecided, l)
	tp.RegisterHandler(n.onMessage)
	return n
}

// Start proposes block 0 if the chain is empty, beginning production.
// spec.md §4.6: "create DBFT(0)" on startup.
func (n *Node) Start() error {
	if n.chain.Height() > 0 {
		return nil
	}
	return n.proposeHeight(0)
}

// Done is closed once Chain.Height() reaches Config.MaxBlocks.
func (n *Node) Done() <-chan struct{} { return n.done }

func (n *Node) proposeHeight(h uint64) error {
	if h >= n.cfg.MaxBlocks {
		return nil
	}
	return n.dbftMgr.Propose(h, n.pool, n.cfg.BatchSize)
}

// onMessage routes an inbound message by BlockID (spec.md §4.6): if the
// addressed DBFT instance doesn't exist yet and its block_id is still
// within reach of the chain (>= current height), the dbft.Manager's
// lazy getInstance creates it implicitly on first Process call, so no
// explicit pre-check is needed beyond rejecting messages for
// already-finalized heights.
func (n *Node) onMessage(msg common.Message) {
	if msg.BlockID < n.chain.Height() {
		return // stale: this height is already finalized
	}
	n.dbftMgr.Process(msg)
}

// onBlockDecided is the dbft.Manager delivery hook: append the finished
// block to the chain, and pre-create (by proposing into) the next
// height's DBFT instance if the node hasn't already reached MaxBlocks
// (spec.md §4.6: "pre-create the DBFT for block_id+1").
func (n *Node) onBlockDecided(block chain.Block) {
	filtered, err := dbft.ConflictFilter(block, n.chain)
	if err != nil {
		n.l.Warnw("conflict filter reported an aggregate error", "block", block.BlockID, "err", err)
	}
	if err := n.chain.AddBlock(filtered); err != nil {
		n.l.Errorw("failed to append block", "block", block.BlockID, "err", err)
		return
	}
	n.l.Infow("block appended", "block", filtered.BlockID, "txs", len(filtered.Txs))

	if n.chain.Height() >= n.cfg.MaxBlocks {
		select {
		case <-n.done:
		default:
			close(n.done)
		}
		return
	}

	next := n.chain.Height()
	if err := n.proposeHeight(next); err != nil {
		n.l.Warnw("could not propose next height, pool not primed", "block", next, "err", err)
	}
}
