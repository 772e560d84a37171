package breaker

import "time"

// bucket holds one second of traffic.
type bucket struct {
	sec      int64
	total    int64
	failures int64
	outcomes int64
}

// window is a ring of per-second buckets keyed by unix second. Buckets are reset lazily when
// their slot is reused, so no rotation goroutine is needed.
type window struct {
	buckets []bucket
}

func newWindow(size time.Duration) *window {
	n := int(size / time.Second)
	if n < 1 {
		n = 1
	}
	return &window{buckets: make([]bucket, n)}
}

func (w *window) slot(now time.Time) *bucket {
	sec := now.Unix()
	b := &w.buckets[int(sec%int64(len(w.buckets)))]
	if b.sec != sec {
		*b = bucket{sec: sec}
	}
	return b
}

func (w *window) arrival(now time.Time) { w.slot(now).total++ }

func (w *window) outcome(now time.Time, failed bool) {
	b := w.slot(now)
	b.outcomes++
	if failed {
		b.failures++
	}
}

// stats sums buckets inside the window ending at now.
func (w *window) stats(now time.Time) (rate float64, outcomes, failures int64) {
	sec := now.Unix()
	span := int64(len(w.buckets))
	var total int64
	for _, b := range w.buckets {
		if b.sec > sec-span && b.sec <= sec {
			total += b.total
			outcomes += b.outcomes
			failures += b.failures
		}
	}
	return float64(total) / float64(span), outcomes, failures
}

func (w *window) reset() {
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
}
