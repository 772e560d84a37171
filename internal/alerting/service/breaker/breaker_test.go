package breaker

import (
	"testing"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/selfmon"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time            { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(opts Options, m *selfmon.Metrics) (*Breaker, *clock) {
	c := &clock{t: time.Unix(1_000_000, 0)}
	b := New("bk_monitor:system.cpu_summary", opts, m)
	b.now = c.now
	return b, c
}

var rateOpts = Options{Window: 5 * time.Second, MaxRate: 10, DwellOpen: 2 * time.Second, CoolDown: 10 * time.Second, Probes: 2}

func burst(b *Breaker, n int) (passed int) {
	for i := 0; i < n; i++ {
		if b.Allow() {
			passed++
		}
	}
	return passed
}

func TestBreakerOpensAfterDwell(t *testing.T) {
	m := selfmon.NewMetrics()
	b, c := newTestBreaker(rateOpts, m)

	// 10x the rate limit over the window
	assert.Equal(t, 500, burst(b, 500))
	assert.Equal(t, Closed, b.State(), "dwell not yet reached")

	c.advance(time.Second)
	burst(b, 500)
	c.advance(time.Second)
	burst(b, 1)
	assert.Equal(t, Open, b.State())

	assert.False(t, b.Allow())
	assert.Greater(t, testutil.ToFloat64(m.Drops.WithLabelValues("breaker", ReasonOpen)), 0.0)
	assert.Equal(t, float64(Open), testutil.ToFloat64(m.BreakerState.WithLabelValues("bk_monitor:system.cpu_summary")))
}

func TestBreakerShortSpikeDoesNotOpen(t *testing.T) {
	b, c := newTestBreaker(rateOpts, nil)
	burst(b, 500)
	c.advance(6 * time.Second)
	burst(b, 1)
	c.advance(2 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, Closed, b.State())
}

func tripped(t *testing.T) (*Breaker, *clock) {
	b, c := newTestBreaker(rateOpts, nil)
	burst(b, 500)
	c.advance(2 * time.Second)
	burst(b, 1)
	require.Equal(t, Open, b.State())
	return b, c
}

func TestBreakerHalfOpenCloses(t *testing.T) {
	b, c := tripped(t)
	c.advance(10 * time.Second)
	assert.Equal(t, HalfOpen, b.State())

	assert.True(t, b.Allow())
	assert.True(t, b.Allow())
	assert.False(t, b.Allow(), "only K probes pass")

	b.Record(false)
	assert.Equal(t, HalfOpen, b.State())
	b.Record(false)
	assert.Equal(t, Closed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, c := tripped(t)
	c.advance(10 * time.Second)
	require.True(t, b.Allow())
	b.Record(true)
	assert.Equal(t, Open, b.State())

	c.advance(5 * time.Second)
	assert.Equal(t, Open, b.State(), "cool down restarts")
}

func TestBreakerErrorRatio(t *testing.T) {
	b, c := newTestBreaker(Options{Window: 10 * time.Second, MaxErrorRatio: 0.5, MinRequests: 4, CoolDown: time.Second}, nil)
	for i := 0; i < 3; i++ {
		require.True(t, b.Allow())
		b.Record(true)
	}
	assert.Equal(t, Closed, b.State(), "below min requests")

	require.True(t, b.Allow())
	b.Record(true)
	assert.Equal(t, Open, b.State())

	c.advance(time.Second)
	assert.Equal(t, HalfOpen, b.State())
}

func TestSetPerSource(t *testing.T) {
	s := NewSet(rateOpts, nil)
	c := &clock{t: time.Unix(1_000_000, 0)}
	s.now = c.now

	a := s.Get("a")
	assert.Same(t, a, s.Get("a"))
	burst(a, 500)
	c.advance(2 * time.Second)
	burst(a, 1)

	assert.True(t, s.Get("b").Allow(), "other sources unaffected")
	states := s.States()
	assert.Equal(t, Open, states["a"])
	assert.Equal(t, Closed, states["b"])
}
