package node

import "sync/atomic"

// Stats are counters updated by the loop and readable from any goroutine.
type Stats struct {
	accepted      atomic.Uint64
	acceptErrors  atomic.Uint64
	acceptPauses  atomic.Uint64
	closed        atomic.Uint64
	idleClosed    atomic.Uint64
	bytesIn       atomic.Uint64
	bytesOut      atomic.Uint64
	partialWrites atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats plus the registry sizes.
type StatsSnapshot struct {
	Accepted      uint64
	AcceptErrors  uint64
	AcceptPauses  uint64
	Closed        uint64
	IdleClosed    uint64
	BytesIn       uint64
	BytesOut      uint64
	PartialWrites uint64

	Registered    int // socket entries in the registry: the listener plus open connections
	WriteInterest int // entries currently watched for writability
}

// Open returns the number of connections accepted and not yet closed.
func (s StatsSnapshot) Open() uint64 {
	return s.Accepted - s.Closed
}

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		Accepted:      s.accepted.Load(),
		AcceptErrors:  s.acceptErrors.Load(),
		AcceptPauses:  s.acceptPauses.Load(),
		Closed:        s.closed.Load(),
		IdleClosed:    s.idleClosed.Load(),
		BytesIn:       s.bytesIn.Load(),
		BytesOut:      s.bytesOut.Load(),
		PartialWrites: s.partialWrites.Load(),
	}
}
