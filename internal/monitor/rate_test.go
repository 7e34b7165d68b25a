package monitor

import (
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
)

func TestRateMonitor_Window(t *testing.T) {
	start := time.Unix(1700000000, 0)
	c := clock.NewTestClock(start)
	m := NewRateMonitor(c)

	m.Record(10)
	c.SetTime(start.Add(time.Second))
	m.Record(5)
	assert.InDelta(t, 3.0, m.Rate(), 0.001)

	c.SetTime(start.Add(4 * time.Second))
	assert.InDelta(t, 3.0, m.Rate(), 0.001)

	// the first bucket falls out of the window
	c.SetTime(start.Add(5 * time.Second))
	assert.InDelta(t, 1.0, m.Rate(), 0.001)

	c.SetTime(start.Add(time.Minute))
	assert.Zero(t, m.Rate())
}
