package sender

import (
	"sync/atomic"

	"tgpromote/internal/model"
)

// Counts is a point-in-time copy of the counters.
type Counts struct {
	Published int64 `json:"published"`
	Replied   int64 `json:"replied"`
	Joined    int64 `json:"joined"`
	Errors    int64 `json:"errors"`
}

// Stats holds process-wide counters shared by every campaign loop.
type Stats struct {
	published atomic.Int64
	replied   atomic.Int64
	joined    atomic.Int64
	errors    atomic.Int64
}

func (s *Stats) inc(kind model.Kind) {
	switch kind {
	case model.KindPublish:
		s.published.Add(1)
	case model.KindJoin:
		s.joined.Add(1)
	case model.KindPrivateReply, model.KindGroupReply, model.KindRandomReply:
		s.replied.Add(1)
	}
}

// IncError counts a failure that happened outside an executed action,
// e.g. a session that would not connect.
func (s *Stats) IncError() { s.errors.Add(1) }

func (s *Stats) Snapshot() Counts {
	return Counts{
		Published: s.published.Load(),
		Replied:   s.replied.Load(),
		Joined:    s.joined.Load(),
		Errors:    s.errors.Load(),
	}
}

// Reset zeroes every counter. Only the admin "reset stats" action calls it.
func (s *Stats) Reset() {
	s.published.Store(0)
	s.replied.Store(0)
	s.joined.Store(0)
	s.errors.Store(0)
}
