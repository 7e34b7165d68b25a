package limiter

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// 日志采样默认值: 每秒 1 条, 允许 5 条突发
const (
	DefaultSampleRPS   = 1
	DefaultSampleBurst = 5
)

// Sampler throttles repetitive log lines on hot paths. Events that are not
// allowed are counted so the next allowed line can report how many were
// suppressed.
type Sampler struct {
	limiter    *rate.Limiter
	suppressed atomic.Uint64
}

// NewSampler returns a sampler allowing rps events per second with burst.
// Non-positive values fall back to the defaults.
func NewSampler(rps float64, burst int) *Sampler {
	if rps <= 0 {
		rps = DefaultSampleRPS
	}
	if burst <= 0 {
		burst = DefaultSampleBurst
	}
	return &Sampler{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Allow never blocks. When it returns true, suppressed is the number of
// events dropped since the previous allowed one.
func (s *Sampler) Allow() (ok bool, suppressed uint64) {
	if !s.limiter.Allow() {
		s.suppressed.Add(1)
		return false, 0
	}
	return true, s.suppressed.Swap(0)
}

// Suppressed returns the pending suppressed count without resetting it.
func (s *Sampler) Suppressed() uint64 {
	return s.suppressed.Load()
}
