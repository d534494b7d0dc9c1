package engine

import (
	"sync/atomic"

	"github.com/rendis/tradegate/pkg/schema"
)

// ExecutionStats counts session outcomes since the process started.
type ExecutionStats struct {
	TotalRequests int64 `json:"total_requests"`
	Successful    int64 `json:"successful"`
	Failed        int64 `json:"failed"`
	Approved      int64 `json:"approved"`
	Rejected      int64 `json:"rejected"`
	Timeouts      int64 `json:"timeouts"`
}

type statsCounter struct {
	total      atomic.Int64
	successful atomic.Int64
	failed     atomic.Int64
	approved   atomic.Int64
	rejected   atomic.Int64
	timeouts   atomic.Int64
}

func (c *statsCounter) verdict(d schema.ApprovalDecision, source schema.ApprovalSource) {
	switch {
	case source == schema.SourceTimeout:
		c.timeouts.Add(1)
	case d.Approved:
		c.approved.Add(1)
	default:
		c.rejected.Add(1)
	}
}

func (c *statsCounter) snapshot() ExecutionStats {
	return ExecutionStats{
		TotalRequests: c.total.Load(),
		Successful:    c.successful.Load(),
		Failed:        c.failed.Load(),
		Approved:      c.approved.Load(),
		Rejected:      c.rejected.Load(),
		Timeouts:      c.timeouts.Load(),
	}
}
