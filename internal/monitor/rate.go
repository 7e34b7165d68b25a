package monitor

import (
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

const windowSeconds = 5

// RateMonitor implements a 5s sliding window of per-second buckets for
// events/sec reporting.
type RateMonitor struct {
	clock      clock.Clock
	buckets    [windowSeconds]int
	currentPos int
	lastTick   time.Time
	mu         sync.Mutex
}

func NewRateMonitor(c clock.Clock) *RateMonitor {
	if c == nil {
		c = clock.NewDefaultClock()
	}
	return &RateMonitor{clock: c, lastTick: c.Now()}
}

// Record adds count events to the current second.
func (m *RateMonitor) Record(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance(m.clock.Now())
	m.buckets[m.currentPos] += count
}

func (m *RateMonitor) advance(now time.Time) {
	elapsed := int(now.Sub(m.lastTick) / time.Second)
	if elapsed < 1 {
		return
	}
	if elapsed >= windowSeconds {
		for i := range m.buckets {
			m.buckets[i] = 0
		}
		m.currentPos = 0
	} else {
		for i := 0; i < elapsed; i++ {
			m.currentPos = (m.currentPos + 1) % windowSeconds
			m.buckets[m.currentPos] = 0
		}
	}
	m.lastTick = m.lastTick.Add(time.Duration(elapsed) * time.Second)
}

// Rate returns the average events/sec over the window.
func (m *RateMonitor) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance(m.clock.Now())

	sum := 0
	for _, b := range m.buckets {
		sum += b
	}
	return float64(sum) / windowSeconds
}
