package sim

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestDBFTAllHonestBatch follows spec.md §8 S4: n=4 all honest,
// batch_size=5; one block of production must complete at every
// participant (BlocksProduced is the lowest chain height) before the
// timeout.
func TestDBFTAllHonestBatch(t *testing.T) {
	r := Run(Config{N: 4, BatchSize: 5, MaxBlocks: 1, Timeout: 5 * time.Second})
	require.False(t, r.TimedOut)
	require.EqualValues(t, 1, r.BlocksProduced)
}

// TestDBFTWithFailStop is spec.md §8 S5: n=7, f=2 fail-stop participants
// (5, 6 never send). The five honest participants must still reach
// Consensus for block 0.
func TestDBFTWithFailStop(t *testing.T) {
	r := Run(Config{N: 7, BatchSize: 3, MaxBlocks: 1, FailStop: []int{5, 6}, Timeout: 10 * time.Second})
	require.False(t, r.TimedOut)
	require.EqualValues(t, 1, r.BlocksProduced)
}

// TestPSyncReachesConsensus exercises the partially-synchronous variant
// across several blocks with every participant honest.
func TestPSyncReachesConsensus(t *testing.T) {
	r := Run(Config{N: 4, BatchSize: 2, MaxBlocks: 3, PSync: true, Timeout: 10 * time.Second})
	require.False(t, r.TimedOut)
	require.EqualValues(t, 3, r.BlocksProduced)
}

// TestAsynchronyWithJitterAndDrops exercises the transport's arbitrary-
// ordering contract (spec.md §4.1) under injected delay and drop,
// supplemented from original_source's network/channel.hpp model
// (SPEC_FULL.md §6).
func TestAsynchronyWithJitterAndDrops(t *testing.T) {
	r := Run(Config{
		N: 4, BatchSize: 2, MaxBlocks: 2,
		JitterMin: time.Millisecond, JitterMax: 5 * time.Millisecond,
		DropRate: 0.1, Seed: 42,
		Timeout: 15 * time.Second,
	})
	require.False(t, r.TimedOut)
	require.EqualValues(t, 2, r.BlocksProduced)
}

func TestRunMatrixAndCSV(t *testing.T) {
	results := RunMatrix([]Config{
		{N: 4, BatchSize: 1, MaxBlocks: 1, Timeout: 5 * time.Second},
		{N: 4, BatchSize: 1, MaxBlocks: 1, PSync: true, Timeout: 5 * time.Second},
	})
	require.Len(t, results, 2)

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, results))
	out := buf.String()
	require.True(t, strings.HasPrefix(out, "run_id,n,f,batch_size,blocks_produced,total_rounds,wall_clock_ms,timed_out\n"))
	require.Equal(t, 3, strings.Count(out, "\n")) // header + 2 rows
}
