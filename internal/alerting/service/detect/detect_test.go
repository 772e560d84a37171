package detect

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/broker"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/breaker"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/datasource"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/selfmon"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/store"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/config"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type strategyList []*model.Strategy

func (s strategyList) All() []*model.Strategy { return s }

type fakeQuerier struct {
	series datasource.Series
	err    error
	calls  int
}

func (f *fakeQuerier) Query(_ context.Context, _ *model.QueryConfig, _ datasource.TimeRange, ref model.ItemRef) (datasource.Series, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(datasource.Series, len(f.series))
	for i, p := range f.series {
		p.ItemRef = ref
		p.RecordID = model.NewRecordID(ref, p.Dimensions, p.Timestamp)
		out[i] = p
	}
	return out, nil
}

func thresholdStrategy() *model.Strategy {
	return &model.Strategy{
		ID: 1, BkBizID: 2, Name: "CPU usage", Scenario: "os",
		Items: []model.Item{{
			ID: 11,
			QueryConfigs: []model.QueryConfig{{DataSourceLabel: model.DataSourceBkMonitor, DataTypeLabel: model.DataTypeTimeSeries,
				ResultTable: "system.cpu_summary", MetricField: "usage", MetricID: "bk_monitor.system.cpu_summary.usage",
				AggInterval: 60}},
			Algorithms: []model.Algorithm{{Type: model.AlgorithmThreshold, Level: model.SeverityWarning,
				Threshold: [][]model.ThresholdCondition{{{Method: "gt", Threshold: 90}}}}},
		}},
		Trigger: model.Trigger{Count: 3, CheckWindow: 3},
	}
}

func points(dims map[string]string, start int64, values ...float64) datasource.Series {
	out := datasource.Series{}
	for i, v := range values {
		out = append(out, model.DataPoint{Value: v, Timestamp: start + int64(i)*60, Dimensions: dims})
	}
	return out
}

func newTestDetector(d Deps) *Detector {
	if d.Publisher == nil {
		d.Publisher = broker.NewMemoryBroker()
	}
	return New(d, Options{Window: 5})
}

func TestThresholdTriggersAfterCount(t *testing.T) {
	det := newTestDetector(Deps{})
	st := thresholdStrategy()
	h1 := map[string]string{"host": "h1"}

	events, err := det.DetectPoints(st, &st.Items[0], points(h1, 0, 92, 95, 97))
	require.NoError(t, err)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, int64(120), e.Time)
	assert.Equal(t, int64(0), e.FirstAnomalyTime)
	assert.Equal(t, model.SeverityWarning, e.Severity)
	assert.Equal(t, DirectionCeil, e.Tags[model.TagDirection])
	assert.Equal(t, int64(1), *e.StrategyID)
	assert.Equal(t, "bk_monitor.system.cpu_summary.usage", e.MetricID)
	assert.Equal(t, 97.0, *e.Value)

	// quiet points never fire
	events, err = det.DetectPoints(st, &st.Items[0], points(h1, 180, 80, 80, 80))
	require.NoError(t, err)
	assert.Empty(t, events)
	recs := det.Results().Last(SeriesKey(model.ItemRef{StrategyID: 1, ItemID: 11}, "host=h1"), 0)
	assert.Len(t, recs, 6)
}

func TestDetectNeverGoesBackwards(t *testing.T) {
	m := selfmon.NewMetrics()
	det := newTestDetector(Deps{Metrics: m})
	st := thresholdStrategy()
	st.Trigger = model.Trigger{Count: 1, CheckWindow: 1}
	h1 := map[string]string{"host": "h1"}

	_, err := det.DetectPoints(st, &st.Items[0], points(h1, 120, 50))
	require.NoError(t, err)
	events, err := det.DetectPoints(st, &st.Items[0], points(h1, 60, 99))
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Drops.WithLabelValues(stage, ReasonOutOfOrder)))
}

func TestRingRatioCeil(t *testing.T) {
	det := newTestDetector(Deps{})
	ceil := 50.0
	st := thresholdStrategy()
	st.Trigger = model.Trigger{Count: 1, CheckWindow: 1}
	st.Items[0].Algorithms = []model.Algorithm{{Type: model.AlgorithmSimpleRingRatio, Level: model.SeverityFatal, Ceil: &ceil}}

	events, err := det.DetectPoints(st, &st.Items[0], points(map[string]string{"host": "h1"}, 0, 100, 160))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, DirectionCeil, events[0].Tags[model.TagDirection])
	assert.Equal(t, int64(60), events[0].Time)
	assert.Equal(t, model.SeverityFatal, events[0].Severity)
}

func TestAlgorithms(t *testing.T) {
	floor := 30.0
	rr, err := NewAlgorithm(model.Algorithm{Type: model.AlgorithmSimpleRingRatio, Level: 2, Floor: &floor}, 60)
	require.NoError(t, err)
	assert.Equal(t, []int64{60}, rr.HistoryOffsets())

	hist := func(v float64) History {
		return func(offset int64) (float64, bool) { return v, offset == 60 }
	}
	an, ok := rr.Detect(model.DataPoint{Value: 60}, hist(100))
	assert.True(t, ok)
	assert.Equal(t, DirectionFloor, an.Direction)
	_, ok = rr.Detect(model.DataPoint{Value: 90}, hist(100))
	assert.False(t, ok)
	_, ok = rr.Detect(model.DataPoint{Value: 90}, hist(0))
	assert.False(t, ok, "zero baseline")

	th, err := NewAlgorithm(model.Algorithm{Type: model.AlgorithmThreshold, Level: 1, Threshold: [][]model.ThresholdCondition{
		{{Method: "gte", Threshold: 10}, {Method: "lt", Threshold: 20}},
		{{Method: "lte", Threshold: 0}},
	}}, 60)
	require.NoError(t, err)
	cases := []struct {
		v   float64
		hit bool
		dir string
	}{
		{15, true, DirectionCeil}, {20, false, ""}, {5, false, ""}, {-1, true, DirectionFloor},
	}
	for _, c := range cases {
		t.Run(fmt.Sprint(c.v), func(t *testing.T) {
			an, ok := th.Detect(model.DataPoint{Value: c.v}, nil)
			assert.Equal(t, c.hit, ok)
			if ok {
				assert.Equal(t, c.dir, an.Direction)
			}
		})
	}

	_, err = NewAlgorithm(model.Algorithm{Type: "Prophet"}, 60)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
	_, err = NewAlgorithm(model.Algorithm{Type: model.AlgorithmThreshold, Threshold: [][]model.ThresholdCondition{{{Method: "approx"}}}}, 60)
	assert.Error(t, err)
}

func TestMostSevereAlgorithmWins(t *testing.T) {
	det := newTestDetector(Deps{})
	st := thresholdStrategy()
	st.Trigger = model.Trigger{Count: 1, CheckWindow: 1}
	st.Items[0].Algorithms = append(st.Items[0].Algorithms, model.Algorithm{Type: model.AlgorithmThreshold,
		Level: model.SeverityFatal, Threshold: [][]model.ThresholdCondition{{{Method: "gt", Threshold: 95}}}})

	events, err := det.DetectPoints(st, &st.Items[0], points(map[string]string{"host": "h1"}, 0, 92, 99))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.SeverityWarning, events[0].Severity)
	assert.Equal(t, model.SeverityFatal, events[1].Severity)
}

func TestCheckTrigger(t *testing.T) {
	rec := func(ts int64, bad bool) Record { return Record{Timestamp: ts, Anomaly: bad} }
	cases := []struct {
		name   string
		window []Record
		want   bool
		first  int64
	}{
		{"enough", []Record{rec(0, true), rec(60, false), rec(120, true), rec(180, true)}, true, 0},
		{"too few", []Record{rec(0, false), rec(60, false), rec(120, true), rec(180, true)}, false, 120},
		{"current quiet", []Record{rec(0, true), rec(60, true), rec(120, true), rec(180, false)}, false, 0},
		{"empty", nil, false, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			first, ok := checkTrigger(c.window, model.Trigger{Count: 3, CheckWindow: 4})
			assert.Equal(t, c.want, ok)
			if ok {
				assert.Equal(t, c.first, first)
			}
		})
	}
}

func TestCheckResults(t *testing.T) {
	c := NewCheckResults(3, time.Hour)
	ref := model.ItemRef{StrategyID: 1, ItemID: 1}
	dims := map[string]string{"host": "h1"}
	for i := int64(1); i <= 5; i++ {
		assert.True(t, c.Add(ref, dims, Record{Timestamp: i * 60, Value: float64(i)}))
	}
	assert.False(t, c.Add(ref, dims, Record{Timestamp: 300}), "same timestamp rejected")

	key := SeriesKey(ref, "host=h1")
	recs := c.Last(key, 0)
	require.Len(t, recs, 3, "bounded by size")
	assert.Equal(t, int64(180), recs[0].Timestamp)
	v, ok := c.ValueAt(key, 240)
	assert.True(t, ok)
	assert.Equal(t, 4.0, v)
	_, ok = c.ValueAt(key, 60)
	assert.False(t, ok, "evicted")
	assert.Equal(t, []map[string]string{dims}, c.SeriesOf(ref))

	assert.Equal(t, 0, c.Cleanup(time.Unix(300, 0).Add(30*time.Minute)))
	assert.Equal(t, 1, c.Cleanup(time.Unix(300, 0).Add(2*time.Hour)))
	assert.Equal(t, 0, c.Len())
}

func nodataStrategy() *model.Strategy {
	st := thresholdStrategy()
	st.NoData = model.NoData{Enabled: true, Continuous: 2, Level: model.SeverityRemind}
	st.Items[0].Target = []map[string]string{{"service": "s1"}}
	return st
}

func TestNoDataFiresAfterContinuousIntervals(t *testing.T) {
	q := &fakeQuerier{}
	br := broker.NewMemoryBroker()
	det := newTestDetector(Deps{Querier: q, Publisher: br})
	st := nodataStrategy()
	now := time.Unix(6000, 0)
	det.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		events, err := det.detectItem(context.Background(), st, &st.Items[0])
		require.NoError(t, err)
		assert.Empty(t, events, "run %d", i)
		now = now.Add(time.Minute)
	}
	events, err := det.detectItem(context.Background(), st, &st.Items[0])
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].IsNoData())
	assert.Equal(t, map[string]string{"service": "s1"}, events[0].Dimensions)
	assert.Equal(t, model.SeverityRemind, events[0].Severity)
}

func TestNoDataSuppressedOutOfRange(t *testing.T) {
	targets := NewStaticTargets()
	targets.Set("service", "s1", 0)
	det := newTestDetector(Deps{Querier: &fakeQuerier{}, Ranges: ActiveTargetFilter{Counter: targets}})
	st := nodataStrategy()
	now := time.Unix(6000, 0)
	det.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		events, err := det.detectItem(context.Background(), st, &st.Items[0])
		require.NoError(t, err)
		assert.Empty(t, events)
		now = now.Add(time.Minute)
	}
}

func TestNoDataClearedByData(t *testing.T) {
	q := &fakeQuerier{}
	det := newTestDetector(Deps{Querier: q})
	st := nodataStrategy()
	now := time.Unix(6000, 0)
	det.now = func() time.Time { return now }

	_, err := det.detectItem(context.Background(), st, &st.Items[0])
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	q.series = points(map[string]string{"service": "s1", "host": "h1"}, 6060, 10)
	events, err := det.detectItem(context.Background(), st, &st.Items[0])
	require.NoError(t, err)
	assert.Empty(t, events, "data arrived for the target")
}

func TestCleanupForgetsVanishedNoDataSeries(t *testing.T) {
	det := newTestDetector(Deps{Querier: &fakeQuerier{}})
	st := nodataStrategy()
	now := time.Unix(6000, 0)
	det.now = func() time.Time { return now }

	_, err := det.detectItem(context.Background(), st, &st.Items[0])
	require.NoError(t, err)
	require.Len(t, det.missing, 1)

	det.Cleanup(now.Add(30 * time.Minute))
	assert.Len(t, det.missing, 1, "still expected within retention")

	// the target was dropped from the strategy and is never checked again
	det.Cleanup(now.Add(25 * time.Hour))
	assert.Empty(t, det.missing)
}

func TestRunOncePublishesAndHonorsBreakerRules(t *testing.T) {
	br := broker.NewMemoryBroker()
	q := &fakeQuerier{series: points(map[string]string{"host": "h1"}, 0, 92, 95, 97)}
	st := thresholdStrategy()
	other := thresholdStrategy()
	other.ID = 2
	other.Labels = []string{"noisy"}
	dyn := config.NewDynamicStore(config.DynamicConfig{BreakerRules: []config.BreakerRule{{Labels: []string{"noisy"}}}})
	m := selfmon.NewMetrics()
	det := newTestDetector(Deps{Strategies: strategyList{st, other}, Querier: q, Publisher: br, Dynamic: dyn, Metrics: m,
		Filter: datasource.NewDuplicateFilter(store.NewMemoryStore())})

	det.RunOnce(context.Background(), nil)
	assert.Equal(t, 1, q.calls)
	assert.Equal(t, 1, br.Len(model.TopicEventsRaw))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Drops.WithLabelValues(stage, ReasonStrategyBreaker)))

	msg, ok := br.TryReceive(model.TopicEventsRaw)
	require.True(t, ok)
	var e model.Event
	require.NoError(t, msg.Decode(&e))
	assert.Equal(t, msg.Key, e.EventID)

	// the same points again are filtered as duplicates
	det.RunOnce(context.Background(), nil)
	assert.Equal(t, 0, br.Len(model.TopicEventsRaw))
}

func TestQueryFailureCountsAsBreakerFailure(t *testing.T) {
	set := breaker.NewSet(breaker.Options{MaxErrorRatio: 0.5, MinRequests: 1, CoolDown: time.Hour}, nil)
	q := &fakeQuerier{err: model.BackendUnavailable(fmt.Errorf("timeout"))}
	det := newTestDetector(Deps{Querier: q, Breakers: set})
	st := thresholdStrategy()
	_, err := det.detectItem(context.Background(), st, &st.Items[0])
	require.Error(t, err)
	assert.Equal(t, breaker.Open, set.Get("bk_monitor:system.cpu_summary").State())
}

func TestBreakerShedsInput(t *testing.T) {
	m := selfmon.NewMetrics()
	set := breaker.NewSet(breaker.Options{Window: time.Second, MaxRate: 2, CoolDown: time.Hour}, m)
	det := newTestDetector(Deps{Breakers: set})
	st := thresholdStrategy()
	st.Trigger = model.Trigger{Count: 1, CheckWindow: 1}

	values := make([]float64, 30)
	for i := range values {
		values[i] = 99
	}
	events, err := det.DetectPoints(st, &st.Items[0], points(map[string]string{"host": "h1"}, 0, values...))
	require.NoError(t, err)
	assert.Less(t, len(events), 30)
	assert.Equal(t, breaker.Open, set.Get("bk_monitor:system.cpu_summary").State())
	shed := testutil.ToFloat64(m.Drops.WithLabelValues("breaker", breaker.ReasonOpen))
	assert.Positive(t, shed)
	assert.LessOrEqual(t, shed, float64(30-len(events)))
}

func TestCompositeDetection(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.PutOpen(ctx, &model.Alert{ID: 1, Fingerprint: "a", StrategyID: model.Int64Ptr(10), BkBizID: 2,
		Status: model.StatusAbnormal, Severity: 2}))
	require.NoError(t, st.PutOpen(ctx, &model.Alert{ID: 2, Fingerprint: "b", StrategyID: model.Int64Ptr(11), BkBizID: 2,
		Status: model.StatusAbnormal, Severity: 2}))

	comp := &model.Strategy{ID: 99, BkBizID: 2, Name: "composite", Items: []model.Item{{
		ID: 1, Expression: "A && (B || C) && !D",
		QueryConfigs: []model.QueryConfig{
			{Alias: "A", DataTypeLabel: model.DataTypeAlert, StrategyID: 10},
			{Alias: "B", DataTypeLabel: model.DataTypeAlert, StrategyID: 11},
			{Alias: "C", DataTypeLabel: model.DataTypeAlert, StrategyID: 12},
			{Alias: "D", DataTypeLabel: model.DataTypeAlert, StrategyID: 13},
		},
		Algorithms: []model.Algorithm{{Level: model.SeverityFatal}},
	}}}
	det := newTestDetector(Deps{Alerts: st})
	events, err := det.detectComposite(ctx, comp, &comp.Items[0])
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.SeverityFatal, events[0].Severity)

	require.NoError(t, st.PutOpen(ctx, &model.Alert{ID: 3, Fingerprint: "d", StrategyID: model.Int64Ptr(13), BkBizID: 2,
		Status: model.StatusAbnormal, Severity: 2}))
	events, err = det.detectComposite(ctx, comp, &comp.Items[0])
	require.NoError(t, err)
	assert.Empty(t, events)
}
