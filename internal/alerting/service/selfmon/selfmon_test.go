package selfmon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/broker"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFreshness struct {
	ready, stale bool
}

func (f fakeFreshness) Ready() bool         { return f.ready }
func (f fakeFreshness) Stale() bool         { return f.stale }
func (f fakeFreshness) LoadedAt() time.Time { return time.Unix(1700000000, 0) }

func serve(t *testing.T, h *Health, m *Metrics, path string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, h, m, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthy(t *testing.T) {
	m := NewMetrics()
	h := NewHealth(m)
	h.AddProbe("redis", func(context.Context) error { return nil })
	h.ExpectStage("manager", time.Minute)
	h.WatchStrategies(fakeFreshness{ready: true})
	h.WatchBreakers(func() map[string]string { return map[string]string{"bk_monitor:cpu": "open"} })
	m.Beat("manager")

	w := serve(t, h, m, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	var rep Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	assert.True(t, rep.Healthy)
	assert.True(t, rep.Components["stage:manager"].OK)
	assert.Equal(t, "open", rep.Breakers["bk_monitor:cpu"], "open breaker is reported but not unhealthy")
}

func TestUnhealthy(t *testing.T) {
	cases := []struct {
		name      string
		setup     func(h *Health, m *Metrics)
		component string
	}{
		{"probe fails", func(h *Health, _ *Metrics) {
			h.AddProbe("kafka", func(context.Context) error { return errors.New("dial tcp: refused") })
		}, "kafka"},
		{"stale strategies", func(h *Health, _ *Metrics) {
			h.WatchStrategies(fakeFreshness{ready: true, stale: true})
		}, "strategy_cache"},
		{"strategies not loaded", func(h *Health, _ *Metrics) {
			h.WatchStrategies(fakeFreshness{})
		}, "strategy_cache"},
		{"stage silent", func(h *Health, m *Metrics) {
			h.ExpectStage("detect", time.Minute)
			h.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		}, "stage:detect"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMetrics()
			h := NewHealth(m)
			tc.setup(h, m)
			w := serve(t, h, m, "/healthz")
			assert.Equal(t, http.StatusServiceUnavailable, w.Code)
			var rep Report
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
			assert.False(t, rep.Healthy)
			assert.False(t, rep.Components[tc.component].OK)
			assert.NotEmpty(t, rep.Components[tc.component].Error)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := NewMetrics()
	m.ObserveQuery("bk_monitor", "time_series", "system.cpu_summary", "success", "alarm_backends", 120*time.Millisecond)
	m.Drop("detect", "breaker_open")
	m.Processed("enrich")

	w := serve(t, NewHealth(m), m, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "bkmonitor_datasource_query_count"))
	assert.True(t, strings.Contains(body, `reason="breaker_open"`))
	assert.True(t, strings.Contains(body, `bkmonitor_stage_heartbeat_timestamp_seconds{stage="enrich"}`))
	assert.False(t, m.LastBeat("enrich").IsZero())
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Processed("x")
	m.Drop("x", "y")
	m.SelfAlarm("x", "y")
	assert.True(t, m.LastBeat("x").IsZero())
}

func TestAlarmerPublishes(t *testing.T) {
	b := broker.NewMemoryBroker()
	m := NewMetrics()
	a := NewAlarmer(b, m)
	a.Raise(context.Background(), model.SelfAlarm{Component: "manager", Kind: "state_violation",
		Fingerprint: "fp1", AlertID: 7, Message: "CLOSED -> ABNORMAL"})

	msg, ok := b.TryReceive(model.TopicSelfAlarms)
	require.True(t, ok)
	assert.Equal(t, "fp1", msg.Key)
	var got model.SelfAlarm
	require.NoError(t, msg.Decode(&got))
	assert.Equal(t, "state_violation", got.Kind)
	assert.NotZero(t, got.At)
}
