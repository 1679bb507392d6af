// Package dbft implements the DBFT Multi-Valued Agreement layer (spec.md
// §4.5): n parallel Reliable Broadcasts (one per proposer) feeding n
// parallel Binary Consensus instances, whose "1"-decisions select which
// proposals enter the block. Grounded on original_source's DBFT/node
// class for the Red-Belly n-f forced-to-0 optimization (triggered at both
// the RB-delivery and BC-termination call sites, idempotent via the
// `invoked` latch in core/bc.Manager, per spec.md §9's resolved Open
// Question) and on core/broadcast.go for the package's overall shape:
// one manager fanning inbound messages out to n independent
// sub-instances.
package dbft

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/redbelly/dbft-core/chain"
	"github.com/redbelly/dbft-core/common"
	"github.com/redbelly/dbft-core/core/bc"
	"github.com/redbelly/dbft-core/core/rb"
	"github.com/redbelly/dbft-core/log"
	"github.com/redbelly/dbft-core/metrics"
	"github.com/redbelly/dbft-core/pool"
)

// State is the coarse DBFT instance lifecycle (spec.md §3).
type State int

const (
	AwaitProposals State = iota
	AwaitBinCons
	Consensus
)

func (s State) String() string {
	switch s {
	case AwaitProposals:
		return "AwaitProposals"
	case AwaitBinCons:
		return "AwaitBinCons"
	case Consensus:
		return "Consensus"
	default:
		return "Unknown"
	}
}

// Sender is the subset of transport.Transport a Manager needs, re-declared
// locally per the "accept interfaces" idiom already used by core/rb,
// core/bv and core/bc.
type Sender interface {
	rb.Sender
	bc.Sender
}

// proposal is the RB_INIT/RB_ECHO/RB_READY payload for the DBFT proposal
// phase (spec.md §6): the proposer index plus its batch of transactions,
// gob-encoded onto the wire so rb.Broadcaster's content-addressing hashes
// a deterministic byte string (spec.md §6's "wire encoding caller-chosen
// but must be deterministic for content-addressing" requirement).
type proposal struct {
	Index int
	Txs   []pool.Tx
}

func encodeProposal(index int, txs []pool.Tx) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(proposal{Index: index, Txs: txs}); err != nil {
		// proposal is a plain value type; encoding cannot fail.
		panic(err)
	}
	return buf.Bytes()
}

func decodeProposal(raw []byte) (proposal, error) {
	var p proposal
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&p); err != nil {
		return proposal{}, fmt.Errorf("dbft: decode proposal: %w", err)
	}
	return p, nil
}

// DeliverFunc is invoked exactly once, when a block_id's DBFT instance
// reaches Consensus (spec.md §4.5 step 4).
type DeliverFunc func(block chain.Block)

type instance struct {
	state      State
	proposals  map[int][]pool.Tx
	invoked    map[int]bool
	ready      map[int]bool
	decision   map[int]uint8
	readyCount int
	timer      *metrics.BlockTimer
}

func newInstance() *instance {
	return &instance{
		proposals: make(map[int][]pool.Tx),
		invoked:   make(map[int]bool),
		ready:     make(map[int]bool),
		decision:  make(map[int]uint8),
		timer:     metrics.NewBlockTimer(),
	}
}

// Manager runs DBFT for one participant across every block_id it is asked
// to drive, one instance per block_id, each owning n RB broadcasts (via a
// shared rb.Broadcaster, content-addressed so one Broadcaster instance
// already serves every proposer concurrently) and n binary consensus
// executions (one per proposer, all run by a single bc.Manager, which
// multiplexes many (block_id, bin_con_id) executions).
type Manager struct {
	id, n, f int

	rbb *rb.Broadcaster
	bcm *bc.Manager
	l   log.Logger

	onDeliver DeliverFunc

	mu        sync.Mutex
	instances map[uint64]*instance
}

// New returns a Manager for participant id within a group of n, using
// variant for every binary consensus sub-instance (spec.md §4.4's
// async/psync choice is a per-deployment constant, not per-block).
func New(id, n int, variant bc.Variant, sender Sender, onDeliver DeliverFunc, l log.Logger) *Manager {
	l = l.Named("dbft").With("id", id)
	m := &Manager{
		id: id, n: n, f: (n - 1) / 3,
		l:         l,
		onDeliver: onDeliver,
		instances: make(map[uint64]*instance),
	}
	m.rbb = rb.New(id, n, sender, m.onProposalDelivered, l)
	m.bcm = bc.New(id, n, variant, sender, m.onBinConDecided, l)
	return m
}

func (m *Manager) getInstance(blockID uint64) *instance {
	inst, ok := m.instances[blockID]
	if !ok {
		inst = newInstance()
		m.instances[blockID] = inst
	}
	return inst
}

// State reports blockID's current DBFT state.
func (m *Manager) State(blockID uint64) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getInstance(blockID).state
}

// Propose starts block_id's DBFT instance for this participant: draws a
// batch of batchSize transactions from p (spec.md §4.5 step 1), RB-
// broadcasts it, and records it as this participant's own proposal.
// Returns common.ErrPoolExhausted if the pool cannot fill the batch
// (spec.md §7).
func (m *Manager) Propose(blockID uint64, p pool.Pool, batchSize int) error {
	txs, err := pool.Batch(p, batchSize)
	if err != nil {
		return err
	}
	m.mu.Lock()
	inst := m.getInstance(blockID)
	inst.proposals[m.id] = txs
	m.mu.Unlock()

	m.rbb.Broadcast(blockID, m.id, encodeProposal(m.id, txs))
	return nil
}

// Process routes msg to the RB or binary-consensus layer by its type
// (spec.md §4.5 "Message routing"): RB_INIT/RB_ECHO/RB_READY are always
// proposal-phase messages; everything else is a BC sub-instance message
// scoped by BinConID.
func (m *Manager) Process(msg common.Message) {
	switch msg.Type {
	case common.RBInit, common.RBEcho, common.RBReady:
		m.rbb.Process(msg)
	case common.BV, common.BCAux, common.BCCoord:
		m.bcm.Process(msg)
	}
}

// onProposalDelivered is the rb.Broadcaster delivery hook (spec.md §4.5
// step 2): records the proposer's transactions, invokes bin_propose(1) on
// its binary consensus, and re-checks the n-f ready gate (first trigger
// site: a BC that already reached quorum while this RB delivery was still
// in flight now unblocks the remaining not-yet-invoked instances).
func (m *Manager) onProposalDelivered(blockID uint64, binConID int, payload []byte) {
	p, err := decodeProposal(payload)
	if err != nil {
		m.l.Warnw("malformed proposal payload", "block", blockID, "bin_con", binConID, "err", err)
		return
	}

	m.mu.Lock()
	inst := m.getInstance(blockID)
	inst.proposals[p.Index] = p.Txs
	wasAwaiting := inst.state == AwaitProposals
	m.mu.Unlock()

	m.bcm.Propose(blockID, binConID, 1)
	m.markInvoked(blockID, binConID)

	if wasAwaiting {
		m.maybeForceZero(blockID)
	}
}

// onBinConDecided is the bc.Manager decision hook (spec.md §4.5 step 3):
// records the decision, and — once n-f binary consensuses have
// terminated — force-proposes 0 on every not-yet-invoked instance (the
// Red-Belly optimization, second trigger site, symmetric with
// onProposalDelivered's).
func (m *Manager) onBinConDecided(blockID uint64, binConID int, value uint8) {
	m.mu.Lock()
	inst := m.getInstance(blockID)
	if !inst.ready[binConID] {
		inst.ready[binConID] = true
		inst.readyCount++
	}
	inst.decision[binConID] = value
	if inst.state == AwaitProposals {
		inst.state = AwaitBinCons
	}
	m.mu.Unlock()

	m.maybeForceZero(blockID)
	m.maybeFinish(blockID)
}

func (m *Manager) markInvoked(blockID uint64, binConID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getInstance(blockID).invoked[binConID] = true
}

// maybeForceZero applies the n-f gate described in spec.md §4.5: once at
// least n-f binary consensuses have already decided (spec.md §9's Open
// Question resolution — both the RB-delivery and BC-termination call sites
// read the same `ready` count, never a proposal-delivered count, per
// original_source/src/consensus/DBFT.cpp's process_await_proposals), force
// bin_propose(0) on every binary consensus not yet invoked. Safe to call
// repeatedly: bc.Manager.Propose is idempotent per instance.
func (m *Manager) maybeForceZero(blockID uint64) {
	m.mu.Lock()
	inst := m.getInstance(blockID)
	if inst.readyCount < m.n-m.f {
		m.mu.Unlock()
		return
	}
	var toForce []int
	for k := 0; k < m.n; k++ {
		if !inst.invoked[k] {
			toForce = append(toForce, k)
		}
	}
	if inst.state == AwaitProposals {
		inst.state = AwaitBinCons
	}
	for _, k := range toForce {
		inst.invoked[k] = true
	}
	m.mu.Unlock()

	for _, k := range toForce {
		m.bcm.Propose(blockID, k, 0)
	}
}

// maybeFinish checks spec.md §4.5 step 4's Consensus predicate: ready is
// all-ones, and every decision[k]=1 has a filled proposal slot. Delivers
// the block exactly once via onDeliver.
func (m *Manager) maybeFinish(blockID uint64) {
	m.mu.Lock()
	inst := m.getInstance(blockID)
	if inst.state == Consensus {
		m.mu.Unlock()
		return
	}
	if inst.readyCount < m.n {
		m.mu.Unlock()
		return
	}
	for k := 0; k < m.n; k++ {
		if inst.decision[k] == 1 {
			if _, ok := inst.proposals[k]; !ok {
				m.mu.Unlock()
				return // decided 1 but proposal not yet RB-delivered; wait
			}
		}
	}
	inst.state = Consensus
	m.l.Infow("dbft consensus reached", "block", blockID)
	block := m.assembleLocked(blockID, inst)
	inst.timer.Stop()
	m.mu.Unlock()

	metrics.DBFTBlockSize.Observe(float64(len(block.Txs)))
	if m.onDeliver != nil {
		m.onDeliver(block)
	}
}

// assembleLocked builds blockID's Block per spec.md §4.5 step 5: iterate
// proposers in index order, and for each with decision 1, append its
// transactions in proposal order, filtering out anything the in-progress
// block or the chain already conflicts with. Called with m.mu held.
func (m *Manager) assembleLocked(blockID uint64, inst *instance) chain.Block {
	block := chain.Block{BlockID: blockID}
	var inBlock []pool.Tx
	conflictsWithBlock := func(tx pool.Tx) bool {
		for _, t := range inBlock {
			if t.ID == tx.ID {
				return true
			}
		}
		return false
	}
	for k := 0; k < m.n; k++ {
		if inst.decision[k] != 1 {
			continue
		}
		for _, tx := range inst.proposals[k] {
			if conflictsWithBlock(tx) {
				continue
			}
			inBlock = append(inBlock, tx)
		}
	}
	block.Txs = inBlock
	return block
}

// ConflictFilter re-applies the chain-wide conflict predicate to an
// assembled block before it is appended (spec.md §4.5 step 5's
// `!chain.conflicts(tx)` clause), since chain.Chain is owned by the node
// orchestrator rather than this package. Transactions the chain reports
// as conflicting are dropped without an error. Returns the filtered block
// and an aggregate error (via go-multierror) listing every transaction id
// that appears more than once in the block — a condition that should
// never arise given distinct tx ids, but is reported rather than silently
// swallowed; only the first occurrence of such an id is kept.
func ConflictFilter(block chain.Block, c chain.Chain) (chain.Block, error) {
	var errs *multierror.Error
	out := chain.Block{BlockID: block.BlockID}
	seen := make(map[string]bool, len(block.Txs))
	for _, tx := range block.Txs {
		if seen[tx.ID] {
			errs = multierror.Append(errs, fmt.Errorf("dbft: block %d: duplicate transaction id %q", block.BlockID, tx.ID))
			continue
		}
		seen[tx.ID] = true
		if c.Conflicts(tx) {
			continue
		}
		out.Txs = append(out.Txs, tx)
	}
	return out, errs.ErrorOrNil()
}
