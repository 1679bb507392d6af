package dbft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/redbelly/dbft-core/chain"
	"github.com/redbelly/dbft-core/common"
	"github.com/redbelly/dbft-core/core/bc"
	"github.com/redbelly/dbft-core/log"
	"github.com/redbelly/dbft-core/pool"
)

// fanout is an in-memory Sender fanning a Broadcast out to every other
// Manager in the group, mirroring core/rb and core/bc's own test idiom so
// a full protocol run can be driven without the transport package.
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

func (f *fanout) SetTimer(time.Duration, func()) common.Cancel { return func() {} }

func newGroup(t *testing.T, n int, variant bc.Variant) ([]*Manager, *[]chain.Block) {
	t.Helper()
	fanouts := make([]*fanout, n)
	managers := make([]*Manager, n)
	delivered := &[]chain.Block{}
	for i := range fanouts {
		fanouts[i] = &fanout{self: i, all: managers}
	}
	for i := 0; i < n; i++ {
		managers[i] = New(i, n, variant, fanouts[i], func(b chain.Block) {
			*delivered = append(*delivered, b)
		}, log.NewNop())
	}
	return managers, delivered
}

func primedPool(t *testing.T, id, count int) *pool.Memory {
	t.Helper()
	p := pool.NewMemory(count)
	for i := 0; i < count; i++ {
		p.Submit(pool.Tx{ID: "n" + string(rune('0'+id)) + "-tx" + string(rune('0'+i))})
	}
	return p
}

func TestDBFTAllHonestReachesConsensus(t *testing.T) {
	n := 4
	managers, _ := newGroup(t, n, bc.Async{})

	for i := 0; i < n; i++ {
		require.NoError(t, managers[i].Propose(7, primedPool(t, i, 2), 2))
	}

	for i := 0; i < n; i++ {
		require.Equal(t, Consensus, managers[i].State(7), "participant %d", i)
	}
}

func TestDBFTForcedZeroWhenProposerMissing(t *testing.T) {
	// n=4, f=1: only participants 0,1,2 propose; participant 3 never does.
	// Once n-f=3 binary consensuses (those of the delivered proposals) have
	// decided, the remaining BC (for 3) must be force-proposed 0, letting
	// the block finish without it.
	n := 4
	managers, _ := newGroup(t, n, bc.Async{})

	for i := 0; i < 3; i++ {
		require.NoError(t, managers[i].Propose(1, primedPool(t, i, 1), 1))
	}

	for i := 0; i < 3; i++ {
		require.Equal(t, Consensus, managers[i].State(1), "participant %d", i)
		v, ok := managers[i].instances[1].decision[3], managers[i].instances[1].ready[3]
		require.True(t, ok)
		require.Equal(t, uint8(0), v)
	}
}

func TestGetBlockOrdersByProposerIndexAndFiltersConflicts(t *testing.T) {
	n := 4
	managers, delivered := newGroup(t, n, bc.Async{})

	for i := 0; i < n; i++ {
		require.NoError(t, managers[i].Propose(3, primedPool(t, i, 2), 2))
	}

	require.NotEmpty(t, *delivered)
	block := (*delivered)[0]
	require.Equal(t, uint64(3), block.BlockID)
	require.Len(t, block.Txs, n*2)
	for i, tx := range block.Txs {
		want := "n" + string(rune('0'+i/2)) + "-tx" + string(rune('0'+i%2))
		require.Equal(t, want, tx.ID, "position %d", i)
	}

	c := chain.NewMemory(nil)
	filtered, err := ConflictFilter(block, c)
	require.NoError(t, err)
	require.Equal(t, block.Txs, filtered.Txs)
}
