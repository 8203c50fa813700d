package pipeline

import "sync/atomic"

// Status is the per-envelope outcome of one ingest pass.
type Status string

const (
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusDLQ      Status = "dlq"
)

// IngestResult reports what happened to a single envelope. Results carry
// their envelope's signal_id so batch callers can correlate by content as
// well as by position.
type IngestResult struct {
	SignalID     string   `json:"signal_id"`
	Status       Status   `json:"status"`
	ErrorCode    string   `json:"error_code,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
	DLQID        string   `json:"dlq_id,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

// Stats aggregates pipeline throughput counters. Safe for concurrent use;
// read by the maintenance tick for periodic logging.
type Stats struct {
	accepted atomic.Int64
	rejected atomic.Int64
	dlq      atomic.Int64
}

func (s *Stats) observe(st Status) {
	switch st {
	case StatusAccepted:
		s.accepted.Add(1)
	case StatusRejected:
		s.rejected.Add(1)
	case StatusDLQ:
		s.dlq.Add(1)
	}
}

// Snapshot returns the counters since process start.
func (s *Stats) Snapshot() (accepted, rejected, dlq int64) {
	return s.accepted.Load(), s.rejected.Load(), s.dlq.Load()
}
