package metrics

import (
	"sync/atomic"
	"time"
)

// CacheOutcome describes what the response cache did for a request.
type CacheOutcome int

const (
	// CacheNone means no cache lookup happened (caching disabled, a
	// non-cacheable method, or a tunnel).
	CacheNone CacheOutcome = iota
	CacheHit
	CacheMiss
)

// Result is the outcome of one completed connection.
type Result struct {
	Cache   CacheOutcome
	Failed  bool
	Elapsed time.Duration
}

// Collector aggregates proxy traffic counters. All methods are safe for
// concurrent use and never block.
type Collector struct {
	requests     atomic.Int64
	cacheHits    atomic.Int64
	cacheMisses  atomic.Int64
	errors       atomic.Int64
	responseNano atomic.Int64
	responses    atomic.Int64

	activeConns atomic.Int64
	bytesIn     atomic.Int64
	bytesOut    atomic.Int64
}

// NewCollector returns a zeroed Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Record accounts for one completed connection. It must be called exactly
// once per connection, after success or failure is known.
func (c *Collector) Record(r Result) {
	c.requests.Add(1)
	switch r.Cache {
	case CacheHit:
		c.cacheHits.Add(1)
	case CacheMiss:
		c.cacheMisses.Add(1)
	}
	if r.Failed {
		c.errors.Add(1)
	}
	if r.Elapsed < 0 {
		r.Elapsed = 0
	}
	c.responseNano.Add(int64(r.Elapsed))
	c.responses.Add(1)
}

// ConnOpened increments the active connection gauge.
func (c *Collector) ConnOpened() {
	c.activeConns.Add(1)
}

// ConnClosed decrements the active connection gauge.
func (c *Collector) ConnClosed() {
	c.activeConns.Add(-1)
}

// AddBytesIn accounts for bytes received from clients.
func (c *Collector) AddBytesIn(n int64) {
	c.bytesIn.Add(n)
}

// AddBytesOut accounts for bytes sent to clients.
func (c *Collector) AddBytesOut(n int64) {
	c.bytesOut.Add(n)
}

// Snapshot returns a copy of all counter values. Counters are read
// individually, so a snapshot taken under load is only eventually
// consistent across fields.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		TotalRequests:     c.requests.Load(),
		CacheHits:         c.cacheHits.Load(),
		CacheMisses:       c.cacheMisses.Load(),
		Errors:            c.errors.Load(),
		ResponseTimeSum:   time.Duration(c.responseNano.Load()),
		ResponseCount:     c.responses.Load(),
		ActiveConnections: c.activeConns.Load(),
		BytesIn:           c.bytesIn.Load(),
		BytesOut:          c.bytesOut.Load(),
	}
}

// Snapshot is a point-in-time copy of the collector's counters.
type Snapshot struct {
	TotalRequests     int64         `json:"total_requests"`
	CacheHits         int64         `json:"cache_hits"`
	CacheMisses       int64         `json:"cache_misses"`
	Errors            int64         `json:"errors"`
	ResponseTimeSum   time.Duration `json:"response_time_sum"`
	ResponseCount     int64         `json:"response_count"`
	ActiveConnections int64         `json:"active_connections"`
	BytesIn           int64         `json:"bytes_in"`
	BytesOut          int64         `json:"bytes_out"`
}

// AverageResponseTime returns ResponseTimeSum / ResponseCount, or zero if
// nothing has been recorded yet.
func (s Snapshot) AverageResponseTime() time.Duration {
	if s.ResponseCount == 0 {
		return 0
	}
	return s.ResponseTimeSum / time.Duration(s.ResponseCount)
}
