// Package metrics counts link traffic for one ECU connection. Counters are
// written by the connection's worker and read lock-free by anyone.
package metrics

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// LatencyAlpha is the weight of the newest sample in the latency EWMA.
const LatencyAlpha = 0.2

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	ConnectionID    string    `json:"connectionId"`
	Since           time.Time `json:"since"`
	PacketsSent     uint64    `json:"packetsSent"`
	PacketsReceived uint64    `json:"packetsReceived"`
	BytesSent       uint64    `json:"bytesSent"`
	BytesReceived   uint64    `json:"bytesReceived"`
	Errors          uint64    `json:"errors"`
	Retries         uint64    `json:"retries"`
	Fallbacks       uint64    `json:"fallbacks"`
	Timeouts        uint64    `json:"timeouts"`
	SkippedPolls    uint64    `json:"skippedPolls"`
	LatencyMs       float64   `json:"latencyMs"`
}

// Collector accumulates counters. The zero value is ready to use but has no
// connection id until Reset.
type Collector struct {
	id    atomic.String
	since atomic.Time

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	errors          atomic.Uint64
	retries         atomic.Uint64
	fallbacks       atomic.Uint64
	timeouts        atomic.Uint64
	skippedPolls    atomic.Uint64

	latency atomic.Float64
	samples atomic.Uint64
}

// New returns a reset collector.
func New() *Collector {
	c := &Collector{}
	c.Reset()
	return c
}

// Reset zeroes every counter and starts a new connection id, which it
// returns.
func (c *Collector) Reset() string {
	for _, v := range []*atomic.Uint64{
		&c.packetsSent, &c.packetsReceived, &c.bytesSent, &c.bytesReceived,
		&c.errors, &c.retries, &c.fallbacks, &c.timeouts, &c.skippedPolls, &c.samples,
	} {
		v.Store(0)
	}
	c.latency.Store(0)
	c.since.Store(time.Now())

	id := uuid.NewString()
	c.id.Store(id)
	return id
}

func (c *Collector) Sent(n int) {
	c.packetsSent.Inc()
	c.bytesSent.Add(uint64(n))
}

// Received records a response of n bytes that took rtt from the end of the
// write.
func (c *Collector) Received(n int, rtt time.Duration) {
	c.packetsReceived.Inc()
	c.bytesReceived.Add(uint64(n))

	ms := float64(rtt) / float64(time.Millisecond)
	if c.samples.Inc() == 1 {
		c.latency.Store(ms)
		return
	}
	prev := c.latency.Load()
	c.latency.Store(LatencyAlpha*ms + (1-LatencyAlpha)*prev)
}

func (c *Collector) Errored()     { c.errors.Inc() }
func (c *Collector) Retry()       { c.retries.Inc() }
func (c *Collector) Fallback()    { c.fallbacks.Inc() }
func (c *Collector) Timeout()     { c.timeouts.Inc() }
func (c *Collector) SkippedPoll() { c.skippedPolls.Inc() }

// Snapshot copies the current counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		ConnectionID:    c.id.Load(),
		Since:           c.since.Load(),
		PacketsSent:     c.packetsSent.Load(),
		PacketsReceived: c.packetsReceived.Load(),
		BytesSent:       c.bytesSent.Load(),
		BytesReceived:   c.bytesReceived.Load(),
		Errors:          c.errors.Load(),
		Retries:         c.retries.Load(),
		Fallbacks:       c.fallbacks.Load(),
		Timeouts:        c.timeouts.Load(),
		SkippedPolls:    c.skippedPolls.Load(),
		LatencyMs:       c.latency.Load(),
	}
}
