// Package rb implements Bracha-style Reliable Broadcast (spec.md §4.2):
// validity, no-duplication, integrity and totality over an arbitrary
// payload, content-addressed so a single Broadcaster instance can serve
// many independent broadcasts (one per DBFT proposer, as spec.md §4.5's
// DBFT layer does) without the caller tracking per-proposer RB objects —
// mirrored on original_source's ReliableBroadcast class, which likewise
// keys its instance table by the serialized payload.
package rb

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/redbelly/dbft-core/common"
	"github.com/redbelly/dbft-core/log"
	"github.com/redbelly/dbft-core/metrics"
)

// State is the RB instance state machine (spec.md §3), monotone
// non-decreasing.
type State int

const (
	Init State = iota
	Echo
	Ready
	Delivered
)

func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case Echo:
		return "Echo"
	case Ready:
		return "Ready"
	case Delivered:
		return "Delivered"
	default:
		return "Unknown"
	}
}

// Sender is the subset of transport.Transport an RB Broadcaster needs.
// Declared locally so this package does not depend on the transport
// package (accept interfaces, return structs).
type Sender interface {
	Broadcast(msg common.Message)
}

// DeliverFunc is invoked exactly once per content-addressed instance, the
// moment it reaches Delivered (spec.md §3's "emits its payload exactly
// once to its owner" invariant).
type DeliverFunc func(blockID uint64, binConID int, payload []byte)

type instanceKey [32]byte

func keyFor(blockID uint64, binConID int, payload []byte) instanceKey {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], blockID)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(binConID))
	h.Write(buf[:])
	h.Write(payload)
	var k instanceKey
	copy(k[:], h.Sum(nil))
	return k
}

type instance struct {
	state     State
	payload   []byte
	echoFrom  map[int]struct{}
	readyFrom map[int]struct{}
	started   time.Time
}

// instanceCacheFactor, times n, bounds the number of concurrently tracked RB instances
// (SPEC_FULL.md §3: a payload that never reaches quorum must not grow
// state forever). Sized generously relative to n so no in-flight,
// not-yet-delivered instance is ever evicted in the block-production
// patterns this module drives: at most one live RB broadcast per proposer
// per in-flight block height.
const instanceCacheFactor = 64

// Broadcaster runs the Bracha protocol for one participant across many
// content-addressed instances.
type Broadcaster struct {
	id int
	n  int
	f  int

	sender   Sender
	l        log.Logger
	onDelive DeliverFunc

	instances *lru.ARCCache
}

// New returns a Broadcaster for participant id within a group of n.
func New(id, n int, sender Sender, onDeliver DeliverFunc, l log.Logger) *Broadcaster {
	cache, err := lru.NewARC(instanceCacheFactor * n)
	if err != nil {
		// Only fails on a non-positive size; n is always >= 4 (spec.md §6).
		panic(err)
	}
	return &Broadcaster{
		id:       id,
		n:        n,
		f:        (n - 1) / 3,
		sender:   sender,
		l:        l.Named("rb").With("id", id),
		onDelive: onDeliver,
		instances: cache,
	}
}

func (b *Broadcaster) getInstance(k instanceKey) *instance {
	if v, ok := b.instances.Get(k); ok {
		return v.(*instance)
	}
	inst := &instance{state: Init, started: time.Now()}
	b.instances.Add(k, inst)
	return inst
}

// Broadcast reliably broadcasts payload, scoped to (blockID, binConID) for
// routing and content-addressing (spec.md §9: the DBFT layer guarantees
// payload uniqueness by embedding block_id/proposer_index).
func (b *Broadcaster) Broadcast(blockID uint64, binConID int, payload []byte) {
	msg := common.Message{
		Type: common.RBInit, From: b.id,
		BlockID: blockID, BinConID: binConID, Payload: payload,
	}
	inst := b.getInstance(keyFor(blockID, binConID, payload))
	if inst.state != Init {
		return
	}
	b.sender.Broadcast(msg)
	// The transport excludes the sender from its own Broadcast fan-out
	// (spec.md §4.1); a correct party must still act as a recipient of
	// its own broadcast, so we re-enter the receive path locally.
	b.Process(msg)
}

// Process feeds msg into the owning instance's state machine. It returns
// true if any instance state changed (spec.md §7's "did this change
// anything?" contract).
func (b *Broadcaster) Process(msg common.Message) bool {
	switch msg.Type {
	case common.RBInit, common.RBEcho, common.RBReady:
	default:
		return false
	}

	k := keyFor(msg.BlockID, msg.BinConID, msg.Payload)
	inst := b.getInstance(k)
	if inst.state == Delivered {
		return false
	}

	switch msg.Type {
	case common.RBInit:
		return b.onInit(msg, inst)
	case common.RBEcho:
		return b.onEcho(msg, inst)
	case common.RBReady:
		return b.onReady(msg, inst)
	}
	return false
}

func (b *Broadcaster) onInit(msg common.Message, inst *instance) bool {
	if inst.state != Init {
		return false
	}
	inst.payload = msg.Payload
	inst.state = Echo
	echo := common.Message{Type: common.RBEcho, From: b.id, BlockID: msg.BlockID, BinConID: msg.BinConID, Payload: msg.Payload}
	b.sender.Broadcast(echo)
	b.l.Debugw("echoed", "block", msg.BlockID, "bin_con", msg.BinConID)
	b.Process(echo)
	return true
}

func (b *Broadcaster) onEcho(msg common.Message, inst *instance) bool {
	if inst.echoFrom == nil {
		inst.echoFrom = make(map[int]struct{})
	}
	inst.echoFrom[msg.From] = struct{}{}
	if inst.payload == nil {
		inst.payload = msg.Payload
	}

	if inst.state < Ready && len(inst.echoFrom) >= b.n-b.f {
		b.goReady(msg, inst)
	}
	return true
}

func (b *Broadcaster) onReady(msg common.Message, inst *instance) bool {
	if inst.readyFrom == nil {
		inst.readyFrom = make(map[int]struct{})
	}
	inst.readyFrom[msg.From] = struct{}{}
	if inst.payload == nil {
		inst.payload = msg.Payload
	}

	if inst.state < Ready && len(inst.readyFrom) >= b.f+1 {
		b.goReady(msg, inst)
	}

	// goReady above re-enters Process with our own READY, which may already
	// have delivered this instance.
	if inst.state != Delivered && len(inst.readyFrom) >= b.n-b.f {
		inst.state = Delivered
		b.l.Debugw("delivered", "block", msg.BlockID, "bin_con", msg.BinConID)
		metrics.RBDeliverySeconds.Observe(time.Since(inst.started).Seconds())
		if b.onDelive != nil {
			b.onDelive(msg.BlockID, msg.BinConID, inst.payload)
		}
	}
	return true
}

func (b *Broadcaster) goReady(msg common.Message, inst *instance) {
	inst.state = Ready
	ready := common.Message{Type: common.RBReady, From: b.id, BlockID: msg.BlockID, BinConID: msg.BinConID, Payload: inst.payload}
	b.sender.Broadcast(ready)
	b.Process(ready)
}
