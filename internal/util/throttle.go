package util

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Throttle runs a logging action at most once per interval and reports how
// many calls were suppressed in between. It is safe for concurrent use.
type Throttle struct {
	s          rate.Sometimes
	suppressed atomic.Int64
}

// NewThrottle creates a throttle that fires on the first call and then at
// most once per interval.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{s: rate.Sometimes{First: 1, Interval: interval}}
}

// Do calls fn with the number of calls suppressed since the last run.
func (t *Throttle) Do(fn func(suppressed int64)) {
	ran := false
	t.s.Do(func() {
		ran = true
		fn(t.suppressed.Swap(0))
	})
	if !ran {
		t.suppressed.Add(1)
	}
}
