package transport

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the simulated Network's asynchrony tunables, TOML-loadable
// via github.com/BurntSushi/toml (SPEC_FULL.md §2/§3, same library
// key/group.go uses), so a deployment can describe "network conditions"
// declaratively instead of composing Option values in code.
type Config struct {
	JitterMin time.Duration `toml:"jitter_min"`
	JitterMax time.Duration `toml:"jitter_max"`
	DropRate  float64       `toml:"drop_rate"`
	Seed      int64         `toml:"seed"`
}

// LoadConfig reads a Config from a TOML file at path.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("transport: decode config %s: %w", path, err)
	}
	return cfg, nil
}

// Options converts cfg into the Option values NewNetwork consumes.
func (cfg Config) Options() []Option {
	var opts []Option
	if cfg.Seed != 0 {
		opts = append(opts, WithSeed(cfg.Seed))
	}
	if cfg.JitterMax > cfg.JitterMin {
		opts = append(opts, WithJitter(cfg.JitterMin, cfg.JitterMax))
	}
	if cfg.DropRate > 0 {
		opts = append(opts, WithDropRate(cfg.DropRate))
	}
	return opts
}
