// Package transport is the façade the consensus core sends and receives
// messages through (spec.md §4.1, §6). The core never talks to a socket or
// a peer directly; it only knows this interface, so the same consensus
// code runs unchanged against the in-process simulation in this package or
// against a real networked implementation.
package transport

import (
	"time"

	"github.com/redbelly/dbft-core/common"
)

// Cancel stops a previously armed timer. Calling it after the timer has
// already fired is a no-op. An alias onto common.Cancel so every core
// package that arms timers through this interface can name the return
// type directly without an adapter.
type Cancel = common.Cancel

// Transport is the contract the core consumes (spec.md §6). Delivery is
// at-least-once with arbitrary ordering across distinct senders; the
// handler is invoked serially for a given participant (spec.md §5).
type Transport interface {
	// Broadcast sends msg to every other participant. msg.From is
	// stamped with this transport's own id, never the caller's.
	Broadcast(msg common.Message)
	// Send delivers msg to a single participant.
	Send(to int, msg common.Message)
	// RegisterHandler installs the single handler invoked for every
	// message this participant receives. Only one handler may be
	// registered; registering a second replaces the first.
	RegisterHandler(fn func(common.Message))
	// SetTimer arms fn to run after d, re-entering the same serialized
	// per-participant execution context as message delivery. The
	// returned Cancel is a best-effort no-op after firing.
	SetTimer(d time.Duration, fn func()) Cancel
	// Fatal reports the transport's queue overflow (spec.md §5/§7): a
	// bounded MPSC queue filling up is a fatal misconfiguration, not a
	// protocol event. The owner (Node orchestrator, or a test) should
	// select on this channel and abort the participant on receipt.
	Fatal() <-chan error
	// Stop closes the transport, draining pending deliveries and
	// cancelling outstanding timers.
	Stop()
}

// ID identifies a participant within a fixed-size group. Participant ids
// are dense integers in [0, n) (spec.md §3).
type ID = int
