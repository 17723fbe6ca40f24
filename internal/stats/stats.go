package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// Counters is the statistics set shared by every connection handler within
// one worker process. Each field is updated independently with atomic
// operations, so a Snapshot is consistent per field but not across fields;
// callers that sum fields accept that relaxation.
type Counters struct {
	active        atomic.Int64
	total         atomic.Int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	errors        atomic.Int64
}

// ConnectionStarted records a newly accepted connection. The total counter
// is bumped before the active counter so active never exceeds total.
func (c *Counters) ConnectionStarted() {
	c.total.Add(1)
	c.active.Add(1)
}

// ConnectionEnded records that a connection finished, on any exit path.
func (c *Counters) ConnectionEnded() {
	c.active.Add(-1)
}

// ConnectionFailed records an error-driven connection exit.
func (c *Counters) ConnectionFailed() {
	c.errors.Add(1)
}

// AddBytesSent adds n to the client-to-upstream byte count.
func (c *Counters) AddBytesSent(n int64) {
	c.bytesSent.Add(n)
}

// AddBytesReceived adds n to the upstream-to-client byte count.
func (c *Counters) AddBytesReceived(n int64) {
	c.bytesReceived.Add(n)
}

// Snapshot reads every counter. See the type comment for consistency.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		ActiveConnections: c.active.Load(),
		TotalConnections:  c.total.Load(),
		BytesSent:         c.bytesSent.Load(),
		BytesReceived:     c.bytesReceived.Load(),
		Errors:            c.errors.Load(),
	}
}

// Snapshot is a point-in-time read of one worker's counters. It is what
// travels over the stats pipe to the supervisor.
type Snapshot struct {
	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	BytesSent         int64 `json:"bytes_sent"`
	BytesReceived     int64 `json:"bytes_received"`
	Errors            int64 `json:"errors"`
}

// Add returns the field-wise sum of s and o.
func (s Snapshot) Add(o Snapshot) Snapshot {
	return Snapshot{
		ActiveConnections: s.ActiveConnections + o.ActiveConnections,
		TotalConnections:  s.TotalConnections + o.TotalConnections,
		BytesSent:         s.BytesSent + o.BytesSent,
		BytesReceived:     s.BytesReceived + o.BytesReceived,
		Errors:            s.Errors + o.Errors,
	}
}

// Reporter periodically writes JSON-encoded snapshots of a Counters to a
// writer, one snapshot per line.
type Reporter struct {
	counters *Counters
	enc      *json.Encoder
	interval time.Duration
}

func NewReporter(counters *Counters, w io.Writer, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Reporter{
		counters: counters,
		enc:      json.NewEncoder(w),
		interval: interval,
	}
}

// Run emits a snapshot every interval until ctx is canceled, then emits one
// final snapshot and returns. A write failure means the reader went away
// and ends the run.
func (r *Reporter) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return r.Flush()
		case <-t.C:
			if err := r.Flush(); err != nil {
				return err
			}
		}
	}
}

// Flush writes one snapshot line immediately.
func (r *Reporter) Flush() error {
	if err := r.enc.Encode(r.counters.Snapshot()); err != nil {
		return fmt.Errorf("write stats snapshot: %w", err)
	}
	return nil
}
