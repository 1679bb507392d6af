package bc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/redbelly/dbft-core/common"
	"github.com/redbelly/dbft-core/log"
)

type fanout struct {
	self int
	all  []*Manager
}

func (f *fanout) Broadcast(msg common.Message) {
	msg.From = f.self
	for i, m := range f.all {
		if i == f.self {
			continue
		}
		m.Process(msg)
	}
}

func (f *fanout) SetTimer(d time.Duration, fn func()) common.Cancel { return func() {} }

func TestAsyncUnanimousDecidesImmediately(t *testing.T) {
	n := 4
	fanouts := make([]*fanout, n)
	managers := make([]*Manager, n)
	decided := make([]bool, n)
	decidedVal := make([]uint8, n)
	for i := range fanouts {
		fanouts[i] = &fanout{self: i, all: managers}
	}
	for i := 0; i < n; i++ {
		id := i
		managers[i] = New(i, n, Async{}, fanouts[i], func(blockID uint64, binConID int, v uint8) {
			decided[id] = true
			decidedVal[id] = v
		}, log.NewNop())
	}

	for _, m := range managers {
		m.Propose(1, 0, 1)
	}

	for i := 0; i < n; i++ {
		require.True(t, decided[i], "participant %d should have decided", i)
		require.Equal(t, uint8(1), decidedVal[i])
		v, ok := managers[i].Decided(1, 0)
		require.True(t, ok)
		require.Equal(t, uint8(1), v)
	}
}

type recordingSender struct {
	sent   []common.Message
	timers []func()
}

func (r *recordingSender) Broadcast(msg common.Message) { r.sent = append(r.sent, msg) }

func (r *recordingSender) SetTimer(d time.Duration, fn func()) common.Cancel {
	r.timers = append(r.timers, fn)
	return func() {}
}

func (r *recordingSender) auxCount() int {
	n := 0
	for _, m := range r.sent {
		if m.Type == common.BCAux {
			n++
		}
	}
	return n
}

func (r *recordingSender) lastAux() common.Message {
	var last common.Message
	for _, m := range r.sent {
		if m.Type == common.BCAux {
			last = m
		}
	}
	return last
}

func TestPSyncWaitsForCoordinatorBeforeAux(t *testing.T) {
	n := 4 // f=1: BV echo threshold 2, delivery threshold 3
	sender := &recordingSender{}
	m := New(1, n, NewPSync(), sender, nil, log.NewNop())

	bvMsg := func(from int, v uint8) common.Message {
		return common.Message{Type: common.BV, From: from, BlockID: 1, BinConID: 2, Round: 0, Value: v}
	}

	require.False(t, m.Process(bvMsg(0, 1)))
	// This vote crosses the echo threshold; our own amplified echo
	// self-counts and crosses the delivery threshold in the same call.
	require.True(t, m.Process(bvMsg(2, 1)))
	require.Equal(t, 0, sender.auxCount(), "must not send AUX before the coordinator is heard from or the round timer fires")

	coord := common.Message{Type: common.BCCoord, From: 0, BlockID: 1, BinConID: 2, Round: 0, BinValues: common.One}
	require.True(t, m.Process(coord))
	require.Equal(t, 1, sender.auxCount())
	require.Equal(t, common.One, sender.lastAux().BinValues)
}

func TestCoordProposalFromNonCoordinatorIsRejected(t *testing.T) {
	n := 4
	sender := &recordingSender{}
	m := New(1, n, NewPSync(), sender, nil, log.NewNop())

	// Round 0's coordinator is participant 0, not participant 2.
	bogus := common.Message{Type: common.BCCoord, From: 2, BlockID: 1, BinConID: 0, Round: 0, BinValues: common.One}
	require.False(t, m.Process(bogus))
}

func TestPSyncFallsBackToArbitraryValueOnTimeout(t *testing.T) {
	n := 4 // participant 1 is not round 0's coordinator (that's 0)
	sender := &recordingSender{}
	m := New(1, n, NewPSync(), sender, nil, log.NewNop())

	// Propose arms round 0's timer and casts this participant's own vote.
	m.Propose(1, 0, 1)
	require.NotEmpty(t, sender.timers)

	bvMsg := func(from int, v uint8) common.Message {
		return common.Message{Type: common.BV, From: from, BlockID: 1, BinConID: 0, Round: 0, Value: v}
	}
	// Our own vote already marked value 1 as broadcast, so the second vote
	// neither echoes nor delivers; the third reaches the delivery threshold.
	require.False(t, m.Process(bvMsg(0, 1)))
	require.True(t, m.Process(bvMsg(2, 1)))
	require.Equal(t, 0, sender.auxCount(), "no AUX until the coordinator is heard or the timer fires")

	sender.timers[len(sender.timers)-1]()

	require.Equal(t, 1, sender.auxCount())
	require.Equal(t, common.One, sender.lastAux().BinValues)
}
