package selfmon

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/rs/zerolog/log"
)

// Probe checks one external dependency.
type Probe func(ctx context.Context) error

// Pinger is satisfied by the store, broker and database handles.
type Pinger interface {
	Ping(ctx context.Context) error
}

func PingProbe(p Pinger) Probe { return p.Ping }

// PrometheusProbe asks the query backend for its build info.
func PrometheusProbe(api v1.API) Probe {
	return func(ctx context.Context) error {
		_, err := api.Buildinfo(ctx)
		return err
	}
}

// Freshness is implemented by the strategy cache.
type Freshness interface {
	Ready() bool
	Stale() bool
	LoadedAt() time.Time
}

type namedProbe struct {
	name  string
	probe Probe
}

// Health aggregates dependency probes, stage heartbeats and strategy freshness.
type Health struct {
	mu       sync.RWMutex
	probes   []namedProbe
	stages   map[string]time.Duration
	fresh    Freshness
	breakers func() map[string]string

	metrics *Metrics
	started time.Time
	timeout time.Duration
	now     func() time.Time
}

func NewHealth(m *Metrics) *Health {
	return &Health{
		stages:  map[string]time.Duration{},
		metrics: m,
		started: time.Now(),
		timeout: 2 * time.Second,
		now:     time.Now,
	}
}

func (h *Health) AddProbe(name string, p Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, namedProbe{name: name, probe: p})
}

// ExpectStage reports the stage unhealthy when it has not beaten for maxAge.
func (h *Health) ExpectStage(stage string, maxAge time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stages[stage] = maxAge
}

func (h *Health) WatchStrategies(f Freshness) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fresh = f
}

// WatchBreakers reports breaker states; an open breaker is informational only.
func (h *Health) WatchBreakers(f func() map[string]string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.breakers = f
}

type ComponentStatus struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type Report struct {
	Healthy    bool                       `json:"healthy"`
	Components map[string]ComponentStatus `json:"components"`
	Breakers   map[string]string          `json:"breakers,omitempty"`
}

// Check runs every probe concurrently, bounded by the probe timeout.
func (h *Health) Check(ctx context.Context) Report {
	h.mu.RLock()
	probes := append([]namedProbe(nil), h.probes...)
	stages := make(map[string]time.Duration, len(h.stages))
	for k, v := range h.stages {
		stages[k] = v
	}
	fresh, breakers := h.fresh, h.breakers
	h.mu.RUnlock()

	rep := Report{Healthy: true, Components: map[string]ComponentStatus{}}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range probes {
		wg.Add(1)
		go func(p namedProbe) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			st := ComponentStatus{OK: true}
			if err := p.probe(pctx); err != nil {
				st = ComponentStatus{OK: false, Error: err.Error()}
			}
			mu.Lock()
			rep.Components[p.name] = st
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	now := h.now()
	names := make([]string, 0, len(stages))
	for name := range stages {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		last := h.metrics.LastBeat(name)
		since := last
		if since.IsZero() {
			since = h.started
		}
		st := ComponentStatus{OK: now.Sub(since) <= stages[name]}
		if !last.IsZero() {
			st.Detail = "last heartbeat " + last.UTC().Format(time.RFC3339)
		}
		if !st.OK {
			st.Error = "no heartbeat for " + now.Sub(since).Truncate(time.Second).String()
		}
		rep.Components["stage:"+name] = st
	}

	if fresh != nil {
		st := ComponentStatus{OK: fresh.Ready() && !fresh.Stale()}
		if fresh.Ready() {
			st.Detail = "loaded at " + fresh.LoadedAt().UTC().Format(time.RFC3339)
		}
		if !fresh.Ready() {
			st.Error = "strategy cache not loaded"
		} else if fresh.Stale() {
			st.Error = "strategy snapshot is stale"
		}
		rep.Components["strategy_cache"] = st
	}
	if breakers != nil {
		rep.Breakers = breakers()
	}

	for _, st := range rep.Components {
		if !st.OK {
			rep.Healthy = false
		}
	}
	return rep
}

// RegisterRoutes mounts /healthz and /metrics. auth guards /metrics only.
func RegisterRoutes(r *gin.Engine, h *Health, m *Metrics, auth gin.HandlerFunc) {
	r.GET("/healthz", h.Handle)
	if m == nil {
		return
	}
	if auth != nil {
		r.GET("/metrics", auth, gin.WrapH(m.Handler()))
		return
	}
	r.GET("/metrics", gin.WrapH(m.Handler()))
}

func (h *Health) Handle(c *gin.Context) {
	rep := h.Check(c.Request.Context())
	if !rep.Healthy {
		log.Warn().Interface("components", rep.Components).Msg("health check failed")
		c.JSON(http.StatusServiceUnavailable, rep)
		return
	}
	c.JSON(http.StatusOK, rep)
}
