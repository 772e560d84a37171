package qos

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BizLimiter caps how fast each business may open new alerts.
type BizLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[int64]*rate.Limiter
}

// NewBizLimiter returns nil when perSecond is not positive, which disables limiting.
func NewBizLimiter(perSecond float64, burst int) *BizLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &BizLimiter{limit: rate.Limit(perSecond), burst: burst, limiters: map[int64]*rate.Limiter{}}
}

func (l *BizLimiter) get(bizID int64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[bizID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[bizID] = lim
	}
	return lim
}

// AllowAt reports whether bizID may open one more alert at t.
func (l *BizLimiter) AllowAt(bizID int64, t time.Time) bool {
	if l == nil {
		return true
	}
	return l.get(bizID).AllowN(t, 1)
}
