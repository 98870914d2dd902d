package session

import "sync/atomic"

// Stats are the per-session counters named in spec.md §3.
type Stats struct {
	FramesIn       int64
	FramesOut      int64
	BytesIn        int64
	BytesOut       int64
	RequestsServed int64
	Errors         int64
}

type stats struct {
	framesIn       atomic.Int64
	framesOut      atomic.Int64
	bytesIn        atomic.Int64
	bytesOut       atomic.Int64
	requestsServed atomic.Int64
	errors         atomic.Int64
}

func (s *stats) snapshot() Stats {
	return Stats{
		FramesIn:       s.framesIn.Load(),
		FramesOut:      s.framesOut.Load(),
		BytesIn:        s.bytesIn.Load(),
		BytesOut:       s.bytesOut.Load(),
		RequestsServed: s.requestsServed.Load(),
		Errors:         s.errors.Load(),
	}
}
