package bc

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the PSync round-timer tunables (spec.md §6: "PSync timer
// base/step (default 10 ms + 0.5 ms·(r+1))"), optionally loaded from a
// TOML file via github.com/BurntSushi/toml — the same library key.Group
// uses for on-disk config in the teacher (SPEC_FULL.md §2's "Config
// struct per tunable group" pattern).
type Config struct {
	TimerBase    time.Duration `toml:"timer_base"`
	TimerPerRound time.Duration `toml:"timer_per_round"`
}

// DefaultConfig mirrors NewPSync's hardcoded schedule.
func DefaultConfig() Config {
	return Config{TimerBase: 10 * time.Millisecond, TimerPerRound: 500 * time.Microsecond}
}

// LoadConfig reads a Config from a TOML file at path, falling back to
// DefaultConfig for any field the file leaves zero.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("bc: decode config %s: %w", path, err)
	}
	return cfg, nil
}

// Variant builds the PSync Variant this Config describes.
func (c Config) Variant() PSync {
	return PSync{Base: c.TimerBase, PerRound: c.TimerPerRound}
}
