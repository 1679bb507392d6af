package chain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/redbelly/dbft-core/pool"
)

func TestMemoryAddBlockRequiresSequentialHeight(t *testing.T) {
	c := NewMemory(nil)
	require.NoError(t, c.AddBlock(Block{BlockID: 0, Txs: []pool.Tx{{ID: "a"}}}))
	require.Error(t, c.AddBlock(Block{BlockID: 2}))
	require.EqualValues(t, 1, c.Height())
}

func TestMemoryConflictsUsesPredicate(t *testing.T) {
	c := NewMemory(func(tx pool.Tx, _ Chain) bool { return tx.ID == "dup" })
	require.True(t, c.Conflicts(pool.Tx{ID: "dup"}))
	require.False(t, c.Conflicts(pool.Tx{ID: "fresh"}))
}

func TestBoltRoundTripsBlocks(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenBolt(filepath.Join(dir, "chain.db"), nil)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.AddBlock(Block{BlockID: 0, Txs: []pool.Tx{{ID: "x", Data: []byte("y")}}}))
	require.EqualValues(t, 1, b.Height())

	got, ok := b.Block(0)
	require.True(t, ok)
	require.Equal(t, "x", got.Txs[0].ID)

	require.Error(t, b.AddBlock(Block{BlockID: 5}))
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.db")
	b, err := OpenBolt(path, nil)
	require.NoError(t, err)
	require.NoError(t, b.AddBlock(Block{BlockID: 0, Txs: []pool.Tx{{ID: "a"}}}))
	require.NoError(t, b.Close())

	reopened, err := OpenBolt(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	require.EqualValues(t, 1, reopened.Height())

	_, err = os.Stat(path)
	require.NoError(t, err)
}
