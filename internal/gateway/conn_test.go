package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peakdocs/collab/internal/hub"
)

// newIdleConn builds a wsConn without a socket or write pump so the queue
// bookkeeping can be driven directly.
func newIdleConn(watermark int) *wsConn {
	return &wsConn{
		id:        "test",
		watermark: watermark,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func TestEnqueueTracksWatermark(t *testing.T) {
	c := newIdleConn(2)

	c.enqueue([]byte{1})
	c.enqueue([]byte{2})
	c.mu.Lock()
	assert.True(t, c.overSince.IsZero(), "at the watermark is not over it")
	c.mu.Unlock()

	c.enqueue([]byte{3})
	c.mu.Lock()
	assert.False(t, c.overSince.IsZero())
	c.mu.Unlock()

	assert.False(t, c.checkStalled(), "grace period has not elapsed")
	select {
	case <-c.done:
		t.Fatal("connection closed before the grace period")
	default:
	}
}

func TestStalledConsumerClosedWithoutNewFrames(t *testing.T) {
	c := newIdleConn(1)
	c.enqueue([]byte{1})
	c.enqueue([]byte{2})

	c.mu.Lock()
	require.False(t, c.overSince.IsZero())
	c.overSince = time.Now().Add(-slowConsumerGrace)
	c.mu.Unlock()

	// The write pump's ping tick runs the same check, so a consumer that
	// stalls and then receives no further frames is still dropped.
	require.True(t, c.checkStalled())
	select {
	case <-c.done:
	default:
		t.Fatal("stalled connection was not closed")
	}
	assert.Equal(t, hub.CloseServerError, c.closeCode)
	assert.Equal(t, "slow consumer", c.closeReason)
}

func TestDrainedQueueResetsStallClock(t *testing.T) {
	c := newIdleConn(1)
	c.enqueue([]byte{1})
	c.enqueue([]byte{2})

	c.mu.Lock()
	c.queue = nil
	c.overSince = time.Time{} // what flush does when the queue drains
	c.mu.Unlock()

	assert.False(t, c.checkStalled())
	select {
	case <-c.done:
		t.Fatal("recovered connection must stay open")
	default:
	}
}
