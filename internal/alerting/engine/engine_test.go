package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/broker"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/breaker"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/selfmon"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/strategy"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/store"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/config"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource []*model.Strategy

func (s staticSource) Pull(context.Context, int64) (*strategy.Batch, error) {
	return &strategy.Batch{Strategies: s, Full: true, Cursor: 1}, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	ac := &cfg.Alerting
	ac.Engine = config.EngineConfig{Workers: 2, RetryAttempts: 2, RetryBase: "1ms", RetryMax: "5ms"}
	ac.Strategy = config.StrategyConfig{RefreshInterval: "1h", FullRefreshCron: "@hourly", MaxStaleness: "24h", LeaseTTL: "5s"}
	ac.Manager = config.ManagerConfig{Interval: "1h", Batch: 100, Workers: 2, CloseWindow: "1h", LockTTL: "1s"}
	ac.Builder = config.BuilderConfig{LockTTL: "1s", EventDedupeTTL: "1h"}
	ac.QoS = config.QoSConfig{AlertsPerSecond: 1000, Burst: 1000}
	ac.Detect = config.DetectConfig{BufferSize: 10, Retention: "1h"}
	return cfg
}

type harness struct {
	eng    *Engine
	store  *store.MemoryStore
	broker *broker.MemoryBroker
}

func newHarness(t *testing.T, tune ...func(*config.Config)) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	br := broker.NewMemoryBroker()
	src := staticSource{{ID: 1, BkBizID: 2, Name: "CPU usage", Scenario: "os", Labels: []string{"host"}}}
	cfg := testConfig()
	for _, fn := range tune {
		fn(cfg)
	}
	eng, err := New(cfg, &Infra{Store: st, Locker: store.NewMemoryLocker(), Broker: br, Strategies: src},
		selfmon.NewMetrics())
	require.NoError(t, err)
	require.NoError(t, eng.Strategies.FullRefresh(context.Background()))
	return &harness{eng: eng, store: st, broker: br}
}

func (h *harness) send(t *testing.T, events ...*model.Event) {
	t.Helper()
	for _, e := range events {
		require.NoError(t, broker.PublishJSON(context.Background(), h.broker, model.TopicEventsRaw, e.EventID, e))
	}
}

// drain pushes everything queued on the input topics through the enrich and build stages.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, s := range h.eng.stages {
		for {
			msg, ok := h.broker.TryReceive(s.Topic)
			if !ok {
				break
			}
			require.NoError(t, s.Process(ctx, msg))
		}
	}
}

func (h *harness) changes(t *testing.T) []model.ChangeRecord {
	t.Helper()
	var out []model.ChangeRecord
	for {
		msg, ok := h.broker.TryReceive(model.TopicAlertsChanges)
		if !ok {
			return out
		}
		var rec model.ChangeRecord
		require.NoError(t, msg.Decode(&rec))
		out = append(out, rec)
	}
}

func (h *harness) open(t *testing.T) []*model.Alert {
	t.Helper()
	alerts, err := h.store.ListOpen(context.Background(), 0)
	require.NoError(t, err)
	return alerts
}

func thirdParty(id string, at int64, status model.Status) *model.Event {
	return &model.Event{EventID: id, BkBizID: 2, AlertName: "disk full", Severity: model.SeverityWarning,
		Time: at, Status: status, Dimensions: map[string]string{"ip": "10.0.0.1", "mount": "/data"}}
}

func TestEventsMergeIntoOneAlert(t *testing.T) {
	h := newHarness(t)
	first := thirdParty("e1", 1000, "")
	h.send(t, first, thirdParty("e2", 1060, ""), first)
	h.drain(t)

	alerts := h.open(t)
	require.Len(t, alerts, 1, "one abnormal alert per fingerprint")
	a := alerts[0]
	assert.Equal(t, model.StatusAbnormal, a.Status)
	assert.Equal(t, int64(1000), a.BeginTime)
	assert.Equal(t, int64(1060), a.LatestTime)
	assert.Equal(t, "e2", a.TopEventID)
	assert.LessOrEqual(t, a.CreateTime, a.BeginTime)
	assert.LessOrEqual(t, a.BeginTime, a.LatestTime)

	dims := map[string]string{}
	for _, d := range a.Dimensions {
		dims[d.Key] = d.Value
	}
	assert.Equal(t, "10.0.0.1", dims["bk_target_ip"], "aliased dimension")

	recs := h.changes(t)
	require.Len(t, recs, 1)
	assert.Equal(t, model.StatusAbnormal, recs[0].NewStatus)
}

func TestBreakerShedsWhileOpenAlertsProgress(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Alerting.Breaker = config.BreakerConfig{Window: "1m", MaxRate: 0.01, MinRequests: 1, CoolDown: "1h", Probes: 1}
	})
	ctx := context.Background()

	// opened before the spike, quiet for longer than the close window
	res, err := h.eng.Builder.Build(ctx, thirdParty("before", time.Now().Add(-2*time.Hour).Unix(), ""))
	require.NoError(t, err)
	before := res.Alert

	for i := range 20 {
		h.send(t, thirdParty(fmt.Sprintf("spike-%d", i), time.Now().Unix(), ""))
	}
	h.drain(t)
	assert.Equal(t, breaker.Open, h.eng.Breakers.Get("ingest:"+model.TopicEventsRaw).State())
	shed := testutil.ToFloat64(h.eng.Metrics.Drops.WithLabelValues("breaker", breaker.ReasonOpen))
	assert.Equal(t, 20.0, shed)
	assert.Equal(t, 0, h.broker.Len(model.TopicEventsEnriched))

	require.NoError(t, h.eng.Manager.RunOnce(ctx, nil))
	hist, err := h.store.GetHistory(ctx, before.ID)
	require.NoError(t, err)
	require.NotEmpty(t, hist)
	assert.Equal(t, model.StatusClosed, hist[len(hist)-1].Status, "manager keeps moving open alerts")
	assert.Empty(t, h.open(t))
}

func TestInvalidEventsAreDropped(t *testing.T) {
	h := newHarness(t)
	missingID := thirdParty("", 1000, "")
	unknownStrategy := thirdParty("e9", 1000, "")
	unknownStrategy.StrategyID = model.Int64Ptr(99)
	h.send(t, missingID, unknownStrategy)
	require.NoError(t, h.broker.Publish(context.Background(),
		&broker.Message{Topic: model.TopicEventsRaw, Key: "junk", Value: []byte("{")}))
	h.drain(t)

	assert.Empty(t, h.open(t))
	assert.Equal(t, 0, h.broker.Len(model.TopicEventsEnriched))
}

func TestThirdPartyRecovery(t *testing.T) {
	h := newHarness(t)
	h.send(t, thirdParty("e1", 1000, ""))
	h.drain(t)
	alerts := h.open(t)
	require.Len(t, alerts, 1)
	id := alerts[0].ID

	h.send(t, thirdParty("e2", 1200, model.StatusRecovered))
	h.drain(t)
	assert.Empty(t, h.open(t))

	hist, err := h.store.GetHistory(context.Background(), id)
	require.NoError(t, err)
	require.NotEmpty(t, hist)
	last := hist[len(hist)-1]
	assert.Equal(t, model.StatusRecovered, last.Status)
	require.NotNil(t, last.EndTime)
	assert.Equal(t, int64(1200), *last.EndTime)

	// a new anomaly after the end opens a fresh alert
	h.send(t, thirdParty("e3", 1300, ""))
	h.drain(t)
	alerts = h.open(t)
	require.Len(t, alerts, 1)
	assert.NotEqual(t, id, alerts[0].ID)
}

func TestSeverityOnlyEscalates(t *testing.T) {
	h := newHarness(t)
	sid := model.Int64Ptr(1)
	ev := func(id string, sev model.Severity, at int64) *model.Event {
		return &model.Event{EventID: id, StrategyID: sid, ItemID: 1, BkBizID: 2, Severity: sev, Time: at,
			Value: model.Float64Ptr(95), Dimensions: map[string]string{"ip": "10.0.0.2"}}
	}
	h.send(t, ev("s1", model.SeverityRemind, 1000), ev("s2", model.SeverityFatal, 1060), ev("s3", model.SeverityWarning, 1120))
	h.drain(t)

	alerts := h.open(t)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.SeverityFatal, alerts[0].Severity)
	assert.Equal(t, "CPU usage", alerts[0].AlertName)
	assert.Equal(t, "os", alerts[0].Category)
}

func TestOperatorAPI(t *testing.T) {
	h := newHarness(t)
	h.send(t, thirdParty("e1", time.Now().Unix(), ""))
	h.drain(t)
	alerts := h.open(t)
	require.Len(t, alerts, 1)
	fp := alerts[0].Fingerprint

	srv := h.eng.APIHandler()
	post := func(path string, body any) *httptest.ResponseRecorder {
		data, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		return w
	}

	w := post("/v1/alerts/"+fp+"/ack", map[string]string{"operator": "admin"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = post("/v1/alerts/"+fp+"/ack", map[string]string{"operator": "other"})
	require.Equal(t, http.StatusOK, w.Code)
	var a model.Alert
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &a))
	assert.True(t, a.IsAck)
	assert.Equal(t, "admin", a.AckOperator, "ack happens once")

	w = post("/v1/alerts/"+fp+"/close", map[string]string{"operator": "admin", "reason": "handled"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &a))
	assert.Equal(t, model.StatusClosed, a.Status)
	assert.Empty(t, h.open(t))

	w = post("/v1/alerts/"+fp+"/ack", map[string]string{"operator": "admin"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)
	srv := h.eng.HealthHandler()

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var report selfmon.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.True(t, report.Healthy)
	assert.Contains(t, report.Components, "strategy_cache")
	assert.Contains(t, report.Components, "stage:manager")

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRunProcessesUntilCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.eng.Run(ctx) }()

	h.send(t, thirdParty("e1", time.Now().Unix(), ""))
	assert.Eventually(t, func() bool {
		alerts, err := h.store.ListOpen(context.Background(), 0)
		return err == nil && len(alerts) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestNewRequiresCoreInfra(t *testing.T) {
	_, err := New(testConfig(), &Infra{Store: store.NewMemoryStore()}, nil)
	require.Error(t, err)
	assert.Equal(t, model.KindFatalConfig, model.KindOf(err))
}

func TestIngestThroughAPI(t *testing.T) {
	h := newHarness(t)
	body, _ := json.Marshal(map[string]any{"events": []*model.Event{thirdParty("e1", 1000, "")}})
	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.eng.APIHandler().ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	h.drain(t)
	require.Len(t, h.open(t), 1)
}
