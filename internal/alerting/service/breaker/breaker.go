// Package breaker sheds detector input per access source when traffic or failures spike.
package breaker

import (
	"sync"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/selfmon"
	"github.com/rs/zerolog/log"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ReasonOpen is the drop reason recorded for shed input.
const ReasonOpen = "breaker_open"

type Options struct {
	Window        time.Duration
	MaxRate       float64 // arrivals per second
	MaxErrorRatio float64
	MinRequests   int64
	DwellOpen     time.Duration
	CoolDown      time.Duration
	Probes        int
}

func (o *Options) defaults() {
	if o.Window <= 0 {
		o.Window = 10 * time.Second
	}
	if o.CoolDown <= 0 {
		o.CoolDown = 30 * time.Second
	}
	if o.Probes <= 0 {
		o.Probes = 3
	}
	if o.MinRequests <= 0 {
		o.MinRequests = 20
	}
}

// Breaker guards one source. It never blocks: Allow answers immediately.
type Breaker struct {
	mu      sync.Mutex
	source  string
	opts    Options
	win     *window
	state   State
	since   time.Time // when the trip condition started holding, zero when it does not
	opened  time.Time
	issued  int // probes let through in half-open
	passed  int // consecutive successful probes
	metrics *selfmon.Metrics
	now     func() time.Time
}

func New(source string, opts Options, m *selfmon.Metrics) *Breaker {
	opts.defaults()
	return &Breaker{source: source, opts: opts, win: newWindow(opts.Window), metrics: m, now: time.Now}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.now())
	return b.state
}

// Allow records an arrival and reports whether it may pass. Rejections are counted as drops.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.win.arrival(now)
	b.advance(now)

	ok := true
	switch b.state {
	case Open:
		ok = false
	case HalfOpen:
		if rate, _, _ := b.win.stats(now); b.opts.MaxRate > 0 && rate > b.opts.MaxRate {
			b.trip(now, "rate still above limit while probing")
			ok = false
		} else if b.issued >= b.opts.Probes {
			ok = false
		} else {
			b.issued++
		}
	}
	if !ok {
		b.metrics.Drop("breaker", ReasonOpen)
	}
	b.publish(now)
	return ok
}

// Record reports the outcome of work that passed Allow.
func (b *Breaker) Record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.win.outcome(now, failed)

	if b.state == HalfOpen {
		if failed {
			b.trip(now, "probe failed")
		} else {
			b.passed++
			if b.passed >= b.opts.Probes {
				b.close(now)
			}
		}
		b.publish(now)
		return
	}
	b.advance(now)
	b.publish(now)
}

// advance applies time-driven transitions. Caller holds mu.
func (b *Breaker) advance(now time.Time) {
	switch b.state {
	case Closed:
		if !b.overLimit(now) {
			b.since = time.Time{}
			return
		}
		if b.since.IsZero() {
			b.since = now
		}
		if now.Sub(b.since) >= b.opts.DwellOpen {
			b.trip(now, "limit exceeded")
		}
	case Open:
		if now.Sub(b.opened) >= b.opts.CoolDown {
			b.state = HalfOpen
			b.issued, b.passed = 0, 0
			log.Info().Str("stage", "breaker").Str("source", b.source).Msg("circuit half-open, probing")
		}
	}
}

func (b *Breaker) overLimit(now time.Time) bool {
	rate, outcomes, failures := b.win.stats(now)
	if b.opts.MaxRate > 0 && rate > b.opts.MaxRate {
		return true
	}
	if b.opts.MaxErrorRatio > 0 && outcomes >= b.opts.MinRequests {
		return float64(failures)/float64(outcomes) > b.opts.MaxErrorRatio
	}
	return false
}

func (b *Breaker) trip(now time.Time, why string) {
	b.state = Open
	b.opened = now
	b.since = time.Time{}
	b.issued, b.passed = 0, 0
	log.Warn().Str("stage", "breaker").Str("source", b.source).Str("reason", why).Msg("circuit opened")
}

func (b *Breaker) close(now time.Time) {
	b.state = Closed
	b.since = time.Time{}
	b.issued, b.passed = 0, 0
	b.win.reset()
	log.Info().Str("stage", "breaker").Str("source", b.source).Time("at", now).Msg("circuit closed")
}

func (b *Breaker) publish(now time.Time) {
	rate, _, _ := b.win.stats(now)
	b.metrics.SetBreaker(b.source, int(b.state), rate)
}

// Set holds one breaker per source, created on first use.
type Set struct {
	mu       sync.Mutex
	opts     Options
	metrics  *selfmon.Metrics
	breakers map[string]*Breaker
	now      func() time.Time
}

func NewSet(opts Options, m *selfmon.Metrics) *Set {
	return &Set{opts: opts, metrics: m, breakers: map[string]*Breaker{}, now: time.Now}
}

func (s *Set) Get(source string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[source]
	if !ok {
		b = New(source, s.opts, s.metrics)
		b.now = s.now
		s.breakers[source] = b
	}
	return b
}

// States reports every known breaker state, for the health endpoint.
func (s *Set) States() map[string]State {
	s.mu.Lock()
	list := make(map[string]*Breaker, len(s.breakers))
	for k, v := range s.breakers {
		list[k] = v
	}
	s.mu.Unlock()
	out := make(map[string]State, len(list))
	for k, b := range list {
		out[k] = b.State()
	}
	return out
}
