package transport

import (
	"math/rand"
	"sync"
	"time"

	clock "github.com/jonboulle/clockwork"

	"github.com/redbelly/dbft-core/common"
	"github.com/redbelly/dbft-core/log"
)

// maxQueueSize bounds every participant's inbound delivery queue, per
// spec.md §5's "must be a bounded MPSC queue" requirement. Overflow is
// fatal, not flow-controlled (spec.md §5, §7).
const maxQueueSize = 4096

// Network is an in-process simulation of the transport contract across a
// fixed set of n participants: one goroutine per participant serializes
// message delivery and timer callbacks onto that participant's handler,
// exactly the single-logical-execution-context model of spec.md §5.
// Grounded on core/broadcast.go's dispatcher/sender pattern (one worker per
// destination) and beacon/ticker.go's clockwork-backed timers.
type Network struct {
	mu    sync.Mutex
	nodes []*simTransport
	clock clock.Clock
	opts  options
}

type options struct {
	jitterMin, jitterMax time.Duration
	dropRate             float64
	rng                  *rand.Rand
}

// Option configures the asynchrony the simulated Network injects between
// participants (spec.md §9 design notes: the core must tolerate arbitrary
// ordering and duplication; these knobs let tests exercise that instead of
// assuming a synchronous fabric). Grounded on original_source's
// network/channel.hpp per-link delay/drop model.
type Option func(*options)

// WithJitter delays every delivered message by a random duration in
// [min, max).
func WithJitter(minD, maxD time.Duration) Option {
	return func(o *options) { o.jitterMin, o.jitterMax = minD, maxD }
}

// WithDropRate drops a delivered message with probability p in [0, 1).
// Never applied to a participant's own loopback delivery, and never used
// to manufacture a liveness violation — only to exercise the "arbitrary
// ordering, eventual delivery" contract under partial asynchrony.
func WithDropRate(p float64) Option {
	return func(o *options) { o.dropRate = p }
}

// WithSeed fixes the jitter/drop RNG for reproducible test runs.
func WithSeed(seed int64) Option {
	return func(o *options) { o.rng = rand.New(rand.NewSource(seed)) }
}

// NewNetwork creates a Network of n participants (ids 0..n-1) backed by
// clk. Use a clockwork.FakeClock in tests to control PSync timers
// deterministically.
func NewNetwork(n int, clk clock.Clock, opts ...Option) *Network {
	o := options{rng: rand.New(rand.NewSource(1))}
	for _, opt := range opts {
		opt(&o)
	}
	net := &Network{clock: clk, opts: o}
	net.nodes = make([]*simTransport, n)
	for i := 0; i < n; i++ {
		net.nodes[i] = newSimTransport(i, net)
		go net.nodes[i].run()
	}
	return net
}

// Transport returns the Transport façade for participant id.
func (net *Network) Transport(id int) Transport {
	return net.nodes[id]
}

// StopAll stops every participant's transport.
func (net *Network) StopAll() {
	for _, n := range net.nodes {
		n.Stop()
	}
}

func (net *Network) n() int { return len(net.nodes) }

// deliver applies jitter/drop and hands msg to destination's inbox. Broadcast
// and Send run it on a fresh goroutine per message, never inline, so a slow
// or full destination never blocks the sender.
func (net *Network) deliver(to int, msg common.Message) {
	o := net.opts
	if o.dropRate > 0 {
		net.mu.Lock()
		drop := o.rng.Float64() < o.dropRate
		net.mu.Unlock()
		if drop {
			return
		}
	}
	if o.jitterMax > o.jitterMin {
		net.mu.Lock()
		d := o.jitterMin + time.Duration(o.rng.Int63n(int64(o.jitterMax-o.jitterMin)))
		net.mu.Unlock()
		net.clock.Sleep(d)
	}
	net.nodes[to].enqueue(msg)
}

// timerTask is an armed PSync callback re-entering the owning
// participant's serialized loop once its delay elapses.
type timerTask struct {
	seq     uint64
	fn      func()
	cancels *bool
}

type simTransport struct {
	id  int
	net *Network
	l   log.Logger

	handlerMu sync.Mutex
	handler   func(common.Message)

	inbox   chan common.Message
	timers  chan timerTask
	stop    chan struct{}
	stopped sync.Once
	fatal   chan error

	timerSeq uint64
}

func newSimTransport(id int, net *Network) *simTransport {
	return &simTransport{
		id:     id,
		net:    net,
		l:      log.DefaultLogger().Named("transport").With("id", id),
		inbox:  make(chan common.Message, maxQueueSize),
		timers: make(chan timerTask, maxQueueSize),
		stop:   make(chan struct{}),
		fatal:  make(chan error, 1),
	}
}

func (s *simTransport) Fatal() <-chan error { return s.fatal }

func (s *simTransport) enqueue(msg common.Message) {
	select {
	case s.inbox <- msg:
	default:
		// spec.md §5/§7: transport overflow is fatal, no backpressure.
		s.l.Error("transport overflow, aborting node")
		select {
		case s.fatal <- common.ErrTransportOverflow:
		default:
		}
		s.Stop()
	}
}

func (s *simTransport) Broadcast(msg common.Message) {
	msg.From = s.id
	for _, i := range rand.Perm(s.net.n()) {
		if i == s.id {
			continue
		}
		go s.net.deliver(i, msg)
	}
}

func (s *simTransport) Send(to int, msg common.Message) {
	msg.From = s.id
	if to == s.id {
		return
	}
	go s.net.deliver(to, msg)
}

func (s *simTransport) RegisterHandler(fn func(common.Message)) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handler = fn
}

func (s *simTransport) SetTimer(d time.Duration, fn func()) Cancel {
	s.timerSeq++
	seq := s.timerSeq
	cancelled := new(bool)
	go func() {
		s.net.clock.Sleep(d)
		select {
		case s.timers <- timerTask{seq: seq, fn: fn, cancels: cancelled}:
		case <-s.stop:
		}
	}()
	return func() { *cancelled = true }
}

func (s *simTransport) Stop() {
	s.stopped.Do(func() { close(s.stop) })
}

// run is the single goroutine that owns this participant's state
// machines: every inbound message and every fired timer is handled here,
// one at a time, so the core never needs its own locking (spec.md §5).
func (s *simTransport) run() {
	for {
		select {
		case msg := <-s.inbox:
			s.dispatch(msg)
		case t := <-s.timers:
			if !*t.cancels {
				t.fn()
			}
		case <-s.stop:
			return
		}
	}
}

func (s *simTransport) dispatch(msg common.Message) {
	s.handlerMu.Lock()
	h := s.handler
	s.handlerMu.Unlock()
	if h != nil {
		h(msg)
	}
}
