package worker

import "sync/atomic"

// Stats counts what the worker has done since start. Safe for concurrent use.
type Stats struct {
	received     atomic.Int64
	dropped      atomic.Int64
	inFlight     atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	reportErrors atomic.Int64
	ackErrors    atomic.Int64
	panics       atomic.Int64
}

type StatsSnapshot struct {
	Received     int64 `json:"received"`
	Dropped      int64 `json:"dropped"`
	InFlight     int64 `json:"in_flight"`
	Succeeded    int64 `json:"succeeded"`
	Failed       int64 `json:"failed"`
	ReportErrors int64 `json:"report_errors"`
	AckErrors    int64 `json:"ack_errors"`
	Panics       int64 `json:"panics"`
}

func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Received:     s.received.Load(),
		Dropped:      s.dropped.Load(),
		InFlight:     s.inFlight.Load(),
		Succeeded:    s.succeeded.Load(),
		Failed:       s.failed.Load(),
		ReportErrors: s.reportErrors.Load(),
		AckErrors:    s.ackErrors.Load(),
		Panics:       s.panics.Load(),
	}
}
