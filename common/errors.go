package common

import "errors"

// ErrPoolExhausted is returned by a DBFT instance construction when the
// local transaction pool cannot fill a full batch. The orchestrator must
// prime the pool before starting a block (spec.md §7).
var ErrPoolExhausted = errors.New("dbft: transaction pool exhausted")

// ErrTransportOverflow indicates a sender queue in the transport façade
// overflowed. This is a fatal condition: it means the simulator or
// embedding application is misconfigured, not a protocol-level fault.
var ErrTransportOverflow = errors.New("transport: send queue overflow")

// ErrUnknownBlock is returned when a message references a block_id the
// node orchestrator has neither created nor can create (its chain has
// already advanced past it).
var ErrUnknownBlock = errors.New("node: unknown or already-finalized block")
