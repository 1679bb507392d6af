// Package bv implements Binary Value Broadcast (spec.md §4.3): for a
// given (bin_con_id, round), each of the two possible values {0,1} runs
// its own echo/deliver state machine, echoing once f+1 senders vote for
// a value and delivering it into the round's bin_values set once 2f+1
// have. Grounded on original_source's BVbroadcast class (same two
// thresholds, same per-value independence).
package bv

import (
	"github.com/redbelly/dbft-core/common"
	"github.com/redbelly/dbft-core/log"
)

// Sender is the subset of transport.Transport a Broadcaster needs.
type Sender interface {
	Broadcast(msg common.Message)
}

// DeliverFunc is invoked every time a round's delivered bin_values set
// grows (spec.md §4.3): at most twice per round, once per value.
type DeliverFunc func(blockID uint64, binConID int, round uint64, values common.BinValueSet)

type key struct {
	blockID  uint64
	binConID int
	round    uint64
}

type instance struct {
	votersFor [2]map[int]struct{}
	echoed    [2]bool
	delivered common.BinValueSet
}

// Broadcaster runs BV for one participant across every (bin_con_id,
// round) pair it is asked about. Unlike rb.Broadcaster, instances are not
// bounded by an LRU cache: a binary consensus execution only ever
// advances through a handful of rounds (spec.md §4.4's termination bound
// is two extra rounds past decision), so the instance table's natural
// size is small and owned by the same object for the execution's
// lifetime.
type Broadcaster struct {
	id, n, f int

	sender    Sender
	l         log.Logger
	onDeliver DeliverFunc

	instances map[key]*instance
}

// New returns a Broadcaster for participant id within a group of n.
func New(id, n int, sender Sender, onDeliver DeliverFunc, l log.Logger) *Broadcaster {
	return &Broadcaster{
		id:        id,
		n:         n,
		f:         (n - 1) / 3,
		sender:    sender,
		l:         l.Named("bv").With("id", id),
		onDeliver: onDeliver,
		instances: make(map[key]*instance),
	}
}

func (b *Broadcaster) getInstance(k key) *instance {
	inst, ok := b.instances[k]
	if !ok {
		inst = &instance{}
		b.instances[k] = inst
	}
	return inst
}

// Broadcast votes value for (blockID, binConID, round). A participant
// never broadcasts the same value for the same round twice.
func (b *Broadcaster) Broadcast(blockID uint64, binConID int, round uint64, value uint8) {
	inst := b.getInstance(key{blockID, binConID, round})
	if inst.echoed[value] {
		return
	}
	inst.echoed[value] = true
	msg := common.Message{Type: common.BV, From: b.id, BlockID: blockID, BinConID: binConID, Round: round, Value: value}
	b.sender.Broadcast(msg)
	// The transport excludes the sender from its own fan-out; a correct
	// party must still count its own vote.
	b.Process(msg)
}

// Process feeds a received BV message into its (bin_con_id, round, value)
// instance. Returns true if the instance's echoed or delivered state
// changed.
func (b *Broadcaster) Process(msg common.Message) bool {
	if msg.Type != common.BV || msg.Value > 1 {
		return false
	}
	v := msg.Value
	inst := b.getInstance(key{msg.BlockID, msg.BinConID, msg.Round})
	if inst.votersFor[v] == nil {
		inst.votersFor[v] = make(map[int]struct{})
	}
	if _, seen := inst.votersFor[v][msg.From]; seen {
		return false
	}
	inst.votersFor[v][msg.From] = struct{}{}

	changed := false
	if !inst.echoed[v] && len(inst.votersFor[v]) >= b.f+1 {
		inst.echoed[v] = true
		echo := common.Message{Type: common.BV, From: b.id, BlockID: msg.BlockID, BinConID: msg.BinConID, Round: msg.Round, Value: v}
		b.sender.Broadcast(echo)
		b.Process(echo)
		changed = true
	}
	if !inst.delivered.Has(v) && len(inst.votersFor[v]) >= 2*b.f+1 {
		inst.delivered = inst.delivered.Add(v)
		changed = true
		b.l.Debugw("value delivered", "block", msg.BlockID, "bin_con", msg.BinConID, "round", msg.Round, "value", v)
		if b.onDeliver != nil {
			b.onDeliver(msg.BlockID, msg.BinConID, msg.Round, inst.delivered)
		}
	}
	return changed
}

// Values returns the bin_values set delivered so far for (blockID,
// binConID, round). The binary consensus layer polls this and uses it as
// the round's bin_values as is; a locally decided value is not added to it.
func (b *Broadcaster) Values(blockID uint64, binConID int, round uint64) common.BinValueSet {
	inst, ok := b.instances[key{blockID, binConID, round}]
	if !ok {
		return common.None
	}
	return inst.delivered
}

// Forget drops every instance tracked for (blockID, binConID), releasing
// its memory once the owning binary consensus instance has terminated.
func (b *Broadcaster) Forget(blockID uint64, binConID int) {
	for k := range b.instances {
		if k.blockID == blockID && k.binConID == binConID {
			delete(b.instances, k)
		}
	}
}
