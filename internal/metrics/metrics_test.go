package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCollector(t *testing.T) {
	c := New()
	first := c.Snapshot().ConnectionID
	assert.NotEmpty(t, first)

	c.Sent(2)
	c.Received(130, 10*time.Millisecond)
	c.Received(130, 20*time.Millisecond)
	c.Retry()
	c.Timeout()
	c.Errored()
	c.Fallback()
	c.SkippedPoll()

	s := c.Snapshot()
	assert.Equal(t, uint64(1), s.PacketsSent)
	assert.Equal(t, uint64(2), s.BytesSent)
	assert.Equal(t, uint64(2), s.PacketsReceived)
	assert.Equal(t, uint64(260), s.BytesReceived)
	assert.Equal(t, uint64(1), s.Retries)
	assert.Equal(t, uint64(1), s.Timeouts)
	assert.Equal(t, uint64(1), s.Errors)
	assert.Equal(t, uint64(1), s.Fallbacks)
	assert.Equal(t, uint64(1), s.SkippedPolls)
	// 0.2*20 + 0.8*10
	assert.InDelta(t, 12.0, s.LatencyMs, 1e-9)

	id := c.Reset()
	assert.NotEqual(t, first, id)
	s = c.Snapshot()
	assert.Equal(t, id, s.ConnectionID)
	assert.Zero(t, s.PacketsReceived)
	assert.Zero(t, s.LatencyMs)
}
