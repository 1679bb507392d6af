package transport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigAndOptions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "net.toml")
	require.NoError(t, os.WriteFile(path, []byte("drop_rate = 0.2\nseed = 7\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 0.2, cfg.DropRate)
	require.EqualValues(t, 7, cfg.Seed)

	opts := cfg.Options()
	require.Len(t, opts, 2) // seed + drop rate, no jitter configured
}
