package bv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/redbelly/dbft-core/common"
	"github.com/redbelly/dbft-core/log"
)

type fanout struct {
	self int
	all  []*Broadcaster
}

func (f *fanout) Broadcast(msg common.Message) {
	msg.From = f.self
	for i, b := range f.all {
		if i == f.self {
			continue
		}
		b.Process(msg)
	}
}

func newGroup(n int) ([]*Broadcaster, map[int][]common.BinValueSet) {
	deliveries := make(map[int][]common.BinValueSet)
	fanouts := make([]*fanout, n)
	bs := make([]*Broadcaster, n)
	for i := 0; i < n; i++ {
		fanouts[i] = &fanout{self: i, all: bs}
	}
	for i := 0; i < n; i++ {
		id := i
		bs[i] = New(i, n, fanouts[i], func(blockID uint64, binCon int, round uint64, values common.BinValueSet) {
			deliveries[id] = append(deliveries[id], values)
		}, log.NewNop())
	}
	return bs, deliveries
}

func TestUnanimousVoteDeliversSingleton(t *testing.T) {
	n := 4 // f=1, echo threshold 2, deliver threshold 3
	bs, deliveries := newGroup(n)

	for _, b := range bs {
		b.Broadcast(1, 0, 0, 1)
	}

	for i := 0; i < n; i++ {
		require.NotEmpty(t, deliveries[i])
		last := deliveries[i][len(deliveries[i])-1]
		require.Equal(t, common.One, last)
	}
}

func TestSplitVoteDeliversBoth(t *testing.T) {
	n := 7 // f=2, echo f+1=3, deliver 2f+1=5
	bs, deliveries := newGroup(n)

	for i := 0; i < 4; i++ {
		bs[i].Broadcast(9, 3, 1, 0)
	}
	for i := 4; i < 7; i++ {
		bs[i].Broadcast(9, 3, 1, 1)
	}

	for i := 0; i < n; i++ {
		require.Equal(t, common.Both, bs[i].Values(9, 3, 1))
	}
}

func TestEchoAmplifiesBeforeDelivery(t *testing.T) {
	sender := &recordingSender{}
	b := New(0, 7, sender, nil, log.NewNop())

	vote := func(from int) common.Message {
		return common.Message{Type: common.BV, From: from, BlockID: 1, BinConID: 0, Round: 0, Value: 1}
	}

	require.False(t, b.Process(vote(1)))
	require.False(t, b.Process(vote(2)))
	// f+1=3: the third distinct voter triggers this node's own echo.
	require.True(t, b.Process(vote(3)))
	require.Equal(t, 1, len(sender.sent))
	require.Equal(t, common.None, b.Values(1, 0, 0))
}

type recordingSender struct {
	sent []common.Message
}

func (r *recordingSender) Broadcast(msg common.Message) { r.sent = append(r.sent, msg) }

func TestForgetDropsBlockInstances(t *testing.T) {
	bs, _ := newGroup(4)
	for _, b := range bs {
		b.Broadcast(1, 0, 0, 1)
	}
	require.NotEqual(t, common.None, bs[0].Values(1, 0, 0))

	bs[0].Forget(1, 0)
	require.Equal(t, common.None, bs[0].Values(1, 0, 0))
}
