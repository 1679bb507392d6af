// Package bc implements Binary Consensus (spec.md §4.4): the
// Mostefaoui-Hurfin-Raynal randomized binary agreement protocol, in both
// its asynchronous form and DBFT's partially-synchronous rotating
// coordinator variant, sharing one state machine. Grounded on
// original_source's BinConsensus.cpp: round structure (phase_1 BV-
// broadcasts the estimate, phase_coord lets the round's coordinator
// propose a value, phase_2 forms AUX from bin_values restricted by a
// valid coordinator proposal, phase_3 applies the common coin and either
// decides or advances), and its (r+1)%2 coin and continue-two-extra-
// rounds termination rule.
package bc

import (
	"time"

	"github.com/redbelly/dbft-core/common"
	"github.com/redbelly/dbft-core/core/bv"
	"github.com/redbelly/dbft-core/log"
	"github.com/redbelly/dbft-core/metrics"
)

// State is the coarse lifecycle of one binary consensus execution
// (spec.md §3): Uninvoked until Propose is called, then Init/BvBroadcast
// while rounds are live, then Consensus once decided and the two
// helper-rounds have elapsed.
type State int

const (
	Uninvoked State = iota
	Init
	BvBroadcast
	Consensus
)

// Sender is the subset of transport.Transport a Manager needs.
type Sender interface {
	Broadcast(msg common.Message)
	SetTimer(d time.Duration, fn func()) common.Cancel
}

// Variant selects between the asynchronous protocol and DBFT's
// partially-synchronous rotating-coordinator variant. Both share every
// other rule of the state machine.
type Variant interface {
	// RoundTimeout returns how long a round waits for a coordinator
	// proposal before sending AUX with the round's whole bin_values set.
	// Zero means no timer: the asynchronous variant never waits.
	RoundTimeout(round uint64) time.Duration
	// IsCoordinator reports whether participant id proposes the
	// round's COORD value. Always false for the asynchronous variant.
	IsCoordinator(id, n int, round uint64) bool
}

// Async is the plain Mostefaoui-Hurfin-Raynal variant: no coordinator,
// no round timer, AUX is sent as soon as bin_values_r is non-empty.
type Async struct{}

func (Async) RoundTimeout(uint64) time.Duration         { return 0 }
func (Async) IsCoordinator(int, int, uint64) bool       { return false }

// PSync is DBFT's partially-synchronous variant: round r's coordinator
// is participant r mod n, and a round waits up to its timeout for a
// valid COORD proposal before an honest participant falls back to
// sending its own bin_values_r as AUX. The timeout grows with the round
// number, matching the original's 10000+500*(r+1) microsecond schedule.
type PSync struct {
	Base, PerRound time.Duration
}

func NewPSync() PSync {
	return PSync{Base: 10 * time.Millisecond, PerRound: 500 * time.Microsecond}
}

func (p PSync) RoundTimeout(round uint64) time.Duration {
	return p.Base + time.Duration(round+1)*p.PerRound
}

func (p PSync) IsCoordinator(id, n int, round uint64) bool {
	return uint64(id) == round%uint64(n)
}

// DeliverFunc is invoked exactly once, the moment a (blockID, binConID)
// instance decides (spec.md §4.4).
type DeliverFunc func(blockID uint64, binConID int, value uint8)

type instKey struct {
	blockID  uint64
	binConID int
}

type roundData struct {
	est         uint8
	coordSent   bool
	coordValue  *uint8
	timerFired  bool
	timerCancel common.Cancel
	auxSent     bool
	auxAdvanced bool
	auxFrom     map[int]common.BinValueSet
}

type instance struct {
	state        State
	invoked      bool
	decided      bool
	decidedRound uint64
	decidedValue uint8
	rounds       []*roundData
}

func (inst *instance) ensureRound(r uint64) *roundData {
	for uint64(len(inst.rounds)) <= r {
		inst.rounds = append(inst.rounds, &roundData{})
	}
	return inst.rounds[r]
}

// Manager runs binary consensus for one participant across every
// (block_id, bin_con_id) instance DBFT asks it to drive, sharing a
// single underlying bv.Broadcaster since BV instances are already keyed
// by (block_id, bin_con_id, round).
type Manager struct {
	id, n, f int
	variant  Variant
	sender   Sender
	bvb      *bv.Broadcaster
	l        log.Logger
	onDecide DeliverFunc

	instances map[instKey]*instance
}

// New returns a Manager for participant id within a group of n, running
// variant.
func New(id, n int, variant Variant, sender Sender, onDecide DeliverFunc, l log.Logger) *Manager {
	l = l.Named("bc").With("id", id)
	m := &Manager{
		id: id, n: n, f: (n - 1) / 3,
		variant:   variant,
		sender:    sender,
		l:         l,
		onDecide:  onDecide,
		instances: make(map[instKey]*instance),
	}
	m.bvb = bv.New(id, n, sender, m.onBinValuesChanged, l)
	return m
}

func (m *Manager) getInstance(blockID uint64, binConID int) *instance {
	k := instKey{blockID, binConID}
	inst, ok := m.instances[k]
	if !ok {
		inst = &instance{}
		m.instances[k] = inst
	}
	return inst
}

// Decided reports the decided value for (blockID, binConID), if any.
func (m *Manager) Decided(blockID uint64, binConID int) (uint8, bool) {
	inst, ok := m.instances[instKey{blockID, binConID}]
	if !ok || !inst.decided {
		return 0, false
	}
	return inst.decidedValue, true
}

// Propose invokes binary consensus for (blockID, binConID) with initial
// estimate est. It is idempotent: a second call on an already-invoked
// instance is a no-op and returns false, the latch spec.md §9's
// Red-Belly optimization relies on to safely call Propose from two
// independent trigger sites (RB delivery and BC termination) without
// double-invoking.
func (m *Manager) Propose(blockID uint64, binConID int, est uint8) bool {
	inst := m.getInstance(blockID, binConID)
	if inst.invoked {
		return false
	}
	inst.invoked = true
	inst.state = Init
	m.startRound(blockID, binConID, 0, est)
	return true
}

// Process feeds a received BC_AUX, BC_COORD or BV message into the
// owning instance.
func (m *Manager) Process(msg common.Message) bool {
	switch msg.Type {
	case common.BV:
		return m.bvb.Process(msg)
	case common.BCCoord:
		return m.onCoord(msg)
	case common.BCAux:
		return m.onAux(msg)
	default:
		return false
	}
}

func (m *Manager) startRound(blockID uint64, binConID int, round uint64, est uint8) {
	inst := m.getInstance(blockID, binConID)
	inst.state = BvBroadcast
	rd := inst.ensureRound(round)
	rd.est = est

	m.bvb.Broadcast(blockID, binConID, round, est)

	if inst.decided {
		// A decided participant still helps others terminate: mark the
		// round's timer as already expired so AUX is never gated on a real
		// PSync timer or a coordinator it no longer needs — no timer is
		// armed for a helper round at all. The decided value is handed to
		// onBinValuesChanged, so a coordinator broadcasts it as COORD at
		// once; it is not added to the round's bin_values, so AUX and the
		// AUX quorum still wait until BV delivers a value for this round.
		rd.timerFired = true
		m.onBinValuesChanged(blockID, binConID, round, common.None.Add(inst.decidedValue))
	} else if d := m.variant.RoundTimeout(round); d > 0 {
		rd.timerCancel = m.sender.SetTimer(d, func() { m.onRoundTimeout(blockID, binConID, round) })
	}
}

func (m *Manager) onCoord(msg common.Message) bool {
	if !m.variant.IsCoordinator(msg.From, m.n, msg.Round) {
		return false // spoofed or stale coordinator, spec.md §4.4
	}
	if !msg.BinValues.Valid() {
		return false
	}
	v, ok := msg.BinValues.Singleton()
	if !ok {
		return false // a coordinator proposes one value, not a set
	}
	inst := m.getInstance(msg.BlockID, msg.BinConID)
	rd := inst.ensureRound(msg.Round)
	if rd.auxSent || rd.coordValue != nil {
		return false
	}
	rd.coordValue = &v
	m.maybeSendAux(msg.BlockID, msg.BinConID, msg.Round)
	return true
}

func (m *Manager) onRoundTimeout(blockID uint64, binConID int, round uint64) {
	inst := m.getInstance(blockID, binConID)
	if round >= uint64(len(inst.rounds)) {
		return
	}
	rd := inst.rounds[round]
	if rd.auxSent {
		return
	}
	rd.timerFired = true
	m.maybeSendAux(blockID, binConID, round)
}

// onBinValuesChanged is the bv.Broadcaster delivery hook: it fires once
// per value a round's bin_values set gains.
func (m *Manager) onBinValuesChanged(blockID uint64, binConID int, round uint64, values common.BinValueSet) {
	inst := m.getInstance(blockID, binConID)
	rd := inst.ensureRound(round)

	if m.variant.IsCoordinator(m.id, m.n, round) && !rd.coordSent {
		rd.coordSent = true
		v := firstValue(values)
		coord := common.Message{Type: common.BCCoord, From: m.id, BlockID: blockID, BinConID: binConID, Round: round, BinValues: common.None.Add(v)}
		m.sender.Broadcast(coord)
		m.onCoord(coord)
	}

	m.maybeSendAux(blockID, binConID, round)
	m.checkAuxQuorum(blockID, binConID, round)
}

func (m *Manager) maybeSendAux(blockID uint64, binConID int, round uint64) {
	inst := m.getInstance(blockID, binConID)
	rd := inst.ensureRound(round)
	if rd.auxSent {
		return
	}
	bvSet := m.bvb.Values(blockID, binConID, round)
	if bvSet == common.None {
		return
	}
	if m.variant.RoundTimeout(round) > 0 && rd.coordValue == nil && !rd.timerFired {
		return // PSync: give the coordinator a chance before falling back
	}

	auxSet := bvSet
	if rd.coordValue != nil {
		cv := common.None.Add(*rd.coordValue)
		if cv&^bvSet == common.None {
			auxSet = cv
		}
	}

	rd.auxSent = true
	if rd.timerCancel != nil {
		rd.timerCancel()
	}
	msg := common.Message{Type: common.BCAux, From: m.id, BlockID: blockID, BinConID: binConID, Round: round, BinValues: auxSet}
	m.sender.Broadcast(msg)
	m.onAux(msg)
}

func (m *Manager) onAux(msg common.Message) bool {
	if !msg.BinValues.Valid() {
		return false
	}
	inst := m.getInstance(msg.BlockID, msg.BinConID)
	rd := inst.ensureRound(msg.Round)
	if rd.auxFrom == nil {
		rd.auxFrom = make(map[int]common.BinValueSet)
	}
	if _, seen := rd.auxFrom[msg.From]; seen {
		return false
	}
	rd.auxFrom[msg.From] = msg.BinValues
	if bvSet := m.bvb.Values(msg.BlockID, msg.BinConID, msg.Round); bvSet != common.None && msg.BinValues&^bvSet != common.None {
		// Quorum-invariant violation (spec.md §7): this AUX reports a
		// value not entailed by bin_values as we currently know it. Still
		// tallied above — Agreement is preserved by the n-f quorum
		// thresholds regardless — but worth a warning.
		m.l.Warnw("aux reports value outside bin_values", "block", msg.BlockID, "bin_con", msg.BinConID, "round", msg.Round, "from", msg.From, "binvalues", msg.BinValues, "bin_values", bvSet)
	}
	m.checkAuxQuorum(msg.BlockID, msg.BinConID, msg.Round)
	return true
}

// checkAuxQuorum re-evaluates whether n-f AUX senders have each declared
// a subset of the round's current bin_values. Growing bin_values can
// retroactively validate AUX messages received earlier, so this runs
// both on AUX receipt and on every bin_values update.
func (m *Manager) checkAuxQuorum(blockID uint64, binConID int, round uint64) {
	inst := m.getInstance(blockID, binConID)
	rd := inst.ensureRound(round)
	if rd.auxAdvanced {
		return
	}
	bvSet := m.bvb.Values(blockID, binConID, round)
	if bvSet == common.None {
		return
	}
	valid := 0
	union := common.None
	for _, aux := range rd.auxFrom {
		if aux&^bvSet != common.None {
			continue
		}
		valid++
		union |= aux
	}
	if valid < m.n-m.f {
		return
	}
	rd.auxAdvanced = true
	m.advanceRound(blockID, binConID, round, union)
}

func (m *Manager) advanceRound(blockID uint64, binConID int, round uint64, vals common.BinValueSet) {
	inst := m.getInstance(blockID, binConID)
	coin := uint8((round + 1) % 2)

	var next uint8
	if v, ok := vals.Singleton(); ok {
		next = v
		if v == coin && !inst.decided {
			m.decide(blockID, binConID, v, round)
		}
	} else {
		next = coin
	}

	if inst.decided && round >= inst.decidedRound+2 {
		inst.state = Consensus
		return
	}
	m.startRound(blockID, binConID, round+1, next)
}

func (m *Manager) decide(blockID uint64, binConID int, v uint8, round uint64) {
	inst := m.getInstance(blockID, binConID)
	inst.decided = true
	inst.decidedValue = v
	inst.decidedRound = round
	m.l.Infow("decided", "block", blockID, "bin_con", binConID, "round", round, "value", v)
	metrics.BCRounds.Observe(float64(round) + 1)
	if m.onDecide != nil {
		m.onDecide(blockID, binConID, v)
	}
}

func firstValue(s common.BinValueSet) uint8 {
	if s.Has(0) {
		return 0
	}
	return 1
}
