// Package sim is the simulation/reporting harness supplemented from
// original_source/src/simulation (SPEC_FULL.md §6): it drives a matrix of
// independent (n, f, batch_size) runs to completion and writes one CSV row
// per run, plus the end-to-end scenario tests (spec.md §8 S4 and S5, and
// PSync, jitter/drop and CSV runs) that
// exercise transport.Network, core/dbft and core/node together. None of
// this is part of the core's safety/liveness surface (spec.md §1): it is
// the external harness the core is exercised through.
package sim

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	clock "github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/redbelly/dbft-core/chain"
	"github.com/redbelly/dbft-core/core/bc"
	"github.com/redbelly/dbft-core/core/node"
	"github.com/redbelly/dbft-core/log"
	"github.com/redbelly/dbft-core/metrics"
	"github.com/redbelly/dbft-core/pool"
	"github.com/redbelly/dbft-core/transport"
)

// Config is one simulation run's tunables: n, batch_size, max_blocks, a
// PSync switch (which uses NewPSync's default timer schedule), fail-stop
// ids, network asynchrony and a timeout. TOML-loadable via
// github.com/BurntSushi/toml (SPEC_FULL.md §2/§3), mirroring key/group.go's
// struct-tag-driven TOML marshaling.
type Config struct {
	N         int           `toml:"n"`
	BatchSize int           `toml:"batch_size"`
	MaxBlocks uint64        `toml:"max_blocks"`
	PSync     bool          `toml:"psync"`
	FailStop  []int         `toml:"fail_stop"`
	JitterMin time.Duration `toml:"jitter_min"`
	JitterMax time.Duration `toml:"jitter_max"`
	DropRate  float64       `toml:"drop_rate"`
	Seed      int64         `toml:"seed"`
	Timeout   time.Duration `toml:"timeout"`
}

// F returns the Byzantine tolerance for this run's group size (spec.md
// §3: f = floor((n-1)/3)).
func (c Config) F() int { return (c.N - 1) / 3 }

// Result is one completed run's CSV row (SPEC_FULL.md §6: "n, f,
// batch_size, blocks produced, total rounds, wall-clock").
type Result struct {
	RunID          string
	N              int
	F              int
	BatchSize      int
	BlocksProduced uint64
	TotalRounds    uint64
	WallClock      time.Duration
	TimedOut       bool
}

func failStopSet(ids []int) map[int]bool {
	m := make(map[int]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// Run drives a single simulation to completion (or Config.Timeout) and
// returns its Result. Grounded on tests/run_simulation.cpp's "drive a full
// multi-node run to decision" shape.
func Run(cfg Config) Result {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	runID := uuid.New().String()
	l := log.DefaultLogger().Named("sim").With("run", runID)

	clk := clock.NewRealClock()
	var opts []transport.Option
	if cfg.Seed != 0 {
		opts = append(opts, transport.WithSeed(cfg.Seed))
	}
	if cfg.JitterMax > cfg.JitterMin {
		opts = append(opts, transport.WithJitter(cfg.JitterMin, cfg.JitterMax))
	}
	if cfg.DropRate > 0 {
		opts = append(opts, transport.WithDropRate(cfg.DropRate))
	}
	net := transport.NewNetwork(cfg.N, clk, opts...)
	defer net.StopAll()

	var variant bc.Variant = bc.Async{}
	if cfg.PSync {
		variant = bc.NewPSync()
	}

	skip := failStopSet(cfg.FailStop)

	_, roundsBefore := metrics.HistogramCount(metrics.BCRounds)

	nodeCfg := node.Config{N: cfg.N, BatchSize: cfg.BatchSize, MaxBlocks: cfg.MaxBlocks, Variant: variant}
	var honest []*node.Node
	var chains []chain.Chain
	for i := 0; i < cfg.N; i++ {
		if skip[i] {
			continue
		}
		p := pool.NewMemory(cfg.BatchSize)
		for b := uint64(0); b < cfg.MaxBlocks; b++ {
			for j := 0; j < cfg.BatchSize; j++ {
				p.Submit(pool.Tx{ID: fmt.Sprintf("n%d-b%d-tx%d", i, b, j)})
			}
		}
		c := chain.NewMemory(nil)
		n := node.New(i, nodeCfg, net.Transport(i), p, c, l)
		honest = append(honest, n)
		chains = append(chains, c)
	}

	// Starting every participant is an independent operation (each only
	// touches its own pool/chain/transport), so fan it out with errgroup
	// (SPEC_FULL.md §3) rather than a hand-rolled sync.WaitGroup loop, and
	// surface the first proposal failure instead of only logging it.
	start := time.Now()
	var g errgroup.Group
	for _, n := range honest {
		n := n
		g.Go(func() error { return n.Start() })
	}
	if err := g.Wait(); err != nil {
		l.Warnw("one or more nodes failed to start", "err", err)
	}

	deadline := time.After(cfg.Timeout)
	timedOut := false
waitLoop:
	for _, n := range honest {
		select {
		case <-n.Done():
		case <-deadline:
			timedOut = true
			break waitLoop
		}
	}

	minHeight := cfg.MaxBlocks
	for _, c := range chains {
		if h := c.Height(); h < minHeight {
			minHeight = h
		}
	}

	_, roundsAfter := metrics.HistogramCount(metrics.BCRounds)

	return Result{
		RunID:          runID,
		N:              cfg.N,
		F:              cfg.F(),
		BatchSize:      cfg.BatchSize,
		BlocksProduced: minHeight,
		TotalRounds:    uint64(roundsAfter - roundsBefore),
		WallClock:      time.Since(start),
		TimedOut:       timedOut,
	}
}

// RunMatrix runs every cfg in cfgs sequentially (so each run's metrics
// delta in Result.TotalRounds is attributable to it alone) and returns
// one Result per run, in order.
func RunMatrix(cfgs []Config) []Result {
	results := make([]Result, 0, len(cfgs))
	for _, cfg := range cfgs {
		results = append(results, Run(cfg))
	}
	return results
}
