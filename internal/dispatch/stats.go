package dispatch

import (
	"sync/atomic"
	"time"

	"github.com/mattjoyce/devserv/internal/protocol"
)

type opCounters struct {
	ok    atomic.Int64
	err   atomic.Int64
	again atomic.Int64
	none  atomic.Int64
}

// Stats counts handled requests per operation and outcome. Unknown tags are
// not counted. The map is fixed at construction, so reads need no lock.
type Stats struct {
	startedAt time.Time
	total     atomic.Int64
	lastAt    atomic.Int64
	ops       map[protocol.Type]*opCounters
}

// OpStats is a point-in-time copy of one operation's counters.
type OpStats struct {
	OK    int64 `json:"ok"`
	Err   int64 `json:"err"`
	Again int64 `json:"again"`
	None  int64 `json:"none"`
}

func (o OpStats) Total() int64 {
	return o.OK + o.Err + o.Again + o.None
}

// Snapshot is the JSON shape served by the status API.
type Snapshot struct {
	StartedAt   time.Time          `json:"started_at"`
	Total       int64              `json:"total"`
	LastRequest *time.Time         `json:"last_request,omitempty"`
	Ops         map[string]OpStats `json:"ops"`
}

func newStats() *Stats {
	s := &Stats{
		startedAt: time.Now().UTC(),
		ops:       make(map[protocol.Type]*opCounters, len(protocol.RequestTypes)),
	}
	for _, t := range protocol.RequestTypes {
		s.ops[t] = &opCounters{}
	}
	return s
}

func (s *Stats) record(t protocol.Type, outcome Outcome) {
	c, ok := s.ops[t]
	if !ok {
		return
	}
	switch outcome {
	case OutcomeOK:
		c.ok.Add(1)
	case OutcomeErr:
		c.err.Add(1)
	case OutcomeAgain:
		c.again.Add(1)
	default:
		c.none.Add(1)
	}
	s.total.Add(1)
	s.lastAt.Store(time.Now().UTC().UnixNano())
}

// Op returns the counters for a single operation.
func (s *Stats) Op(t protocol.Type) OpStats {
	c, ok := s.ops[t]
	if !ok {
		return OpStats{}
	}
	return OpStats{
		OK:    c.ok.Load(),
		Err:   c.err.Load(),
		Again: c.again.Load(),
		None:  c.none.Load(),
	}
}

func (s *Stats) Total() int64 {
	return s.total.Load()
}

func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		StartedAt: s.startedAt,
		Total:     s.total.Load(),
		Ops:       make(map[string]OpStats, len(s.ops)),
	}
	if ns := s.lastAt.Load(); ns != 0 {
		at := time.Unix(0, ns).UTC()
		snap.LastRequest = &at
	}
	for t := range s.ops {
		snap.Ops[t.String()] = s.Op(t)
	}
	return snap
}
