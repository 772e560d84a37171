// Package detect turns query results into anomaly events.
package detect

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/broker"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/breaker"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/datasource"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/selfmon"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/config"
	"github.com/panjf2000/ants/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const stage = "detect"

// Drop reasons counted by the detector.
const (
	ReasonStrategyBreaker = "strategy_breaker"
	ReasonOutOfOrder      = "out_of_order"
)

type StrategySource interface {
	All() []*model.Strategy
}

type Querier interface {
	Query(ctx context.Context, qc *model.QueryConfig, r datasource.TimeRange, ref model.ItemRef) (datasource.Series, error)
}

type PointFilter interface {
	Filter(ctx context.Context, s datasource.Series, interval int64) datasource.Series
}

// AlertIndex lists open alerts for composite evaluation.
type AlertIndex interface {
	ListOpen(ctx context.Context, limit int) ([]*model.Alert, error)
}

type Options struct {
	Interval    time.Duration
	Window      int
	Workers     int
	CleanupCron string
}

type Detector struct {
	strategies StrategySource
	querier    Querier
	filter     PointFilter
	results    *CheckResults
	breakers   *breaker.Set
	ranges     DimensionRangeFilter
	dynamic    *config.DynamicStore
	alerts     AlertIndex
	pub        broker.Publisher
	metrics    *selfmon.Metrics
	opts       Options
	now        func() time.Time

	mu sync.Mutex
	// nodata series never seen, keyed by series key
	missing map[string]missingSeries
}

type missingSeries struct {
	since   int64 // first check that found it missing
	checked int64 // last check that expected it
}

// Deps groups the collaborators of a Detector. Filter, Ranges, Dynamic and Alerts are optional.
type Deps struct {
	Strategies StrategySource
	Querier    Querier
	Filter     PointFilter
	Results    *CheckResults
	Breakers   *breaker.Set
	Ranges     DimensionRangeFilter
	Dynamic    *config.DynamicStore
	Alerts     AlertIndex
	Publisher  broker.Publisher
	Metrics    *selfmon.Metrics
}

func New(d Deps, opts Options) *Detector {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Window <= 0 {
		opts.Window = 5
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.CleanupCron == "" {
		opts.CleanupCron = "*/10 * * * *"
	}
	if d.Results == nil {
		d.Results = NewCheckResults(0, 0)
	}
	if d.Breakers == nil {
		d.Breakers = breaker.NewSet(breaker.Options{}, d.Metrics)
	}
	return &Detector{
		strategies: d.Strategies, querier: d.Querier, filter: d.Filter, results: d.Results,
		breakers: d.Breakers, ranges: d.Ranges, dynamic: d.Dynamic, alerts: d.Alerts,
		pub: d.Publisher, metrics: d.Metrics, opts: opts, now: time.Now,
		missing: map[string]missingSeries{},
	}
}

func (d *Detector) Results() *CheckResults { return d.results }

// Cleanup drops expired check results and nodata tracking for series no longer expected.
func (d *Detector) Cleanup(now time.Time) {
	n := d.results.Cleanup(now)
	cutoff := now.Add(-d.results.Retention()).Unix()
	d.mu.Lock()
	pruned := 0
	for k, m := range d.missing {
		if m.checked < cutoff {
			delete(d.missing, k)
			pruned++
		}
	}
	d.mu.Unlock()
	log.Debug().Str("stage", stage).Int("removed", n).Int("nodata_pruned", pruned).Msg("check results cleaned")
}

// StartScheduler runs a detection pass every interval and the check result cleanup on cron.
func (d *Detector) StartScheduler(ctx context.Context) error {
	pool, err := ants.NewPool(d.opts.Workers)
	if err != nil {
		return fmt.Errorf("create detect pool: %w", err)
	}
	defer pool.Release()

	c := cron.New()
	if _, err := c.AddFunc(d.opts.CleanupCron, func() { d.Cleanup(d.now()) }); err != nil {
		return fmt.Errorf("invalid detect cleanup cron %q: %w", d.opts.CleanupCron, err)
	}
	c.Start()
	defer c.Stop()

	t := time.NewTicker(d.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			d.RunOnce(ctx, pool)
		}
	}
}

// RunOnce detects every enabled strategy, one pool task per strategy, and waits for them.
func (d *Detector) RunOnce(ctx context.Context, pool *ants.Pool) {
	var wg sync.WaitGroup
	for _, st := range d.strategies.All() {
		if st.Disabled {
			continue
		}
		if d.broken(st) {
			d.metrics.Drop(stage, ReasonStrategyBreaker)
			continue
		}
		st := st
		wg.Add(1)
		task := func() {
			defer wg.Done()
			d.detectStrategy(ctx, st)
		}
		if pool == nil {
			task()
			continue
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			log.Error().Err(err).Str("stage", stage).Int64("strategy_id", st.ID).Msg("submit detect task failed")
		}
	}
	wg.Wait()
	d.metrics.Processed(stage)
}

// broken applies the strategy-level circuit breaking rules of the dynamic config.
func (d *Detector) broken(st *model.Strategy) bool {
	if d.dynamic == nil {
		return false
	}
	for _, rule := range d.dynamic.Get().BreakerRules {
		for _, id := range rule.StrategyIDs {
			if id == st.ID {
				return true
			}
		}
		for _, biz := range rule.BkBizIDs {
			if biz == st.BkBizID {
				return true
			}
		}
		for _, l := range rule.Labels {
			if st.HasLabel(l) {
				return true
			}
		}
	}
	return false
}

func (d *Detector) detectStrategy(ctx context.Context, st *model.Strategy) {
	for i := range st.Items {
		item := &st.Items[i]
		var events []*model.Event
		var err error
		if item.IsComposite() {
			events, err = d.detectComposite(ctx, st, item)
		} else {
			events, err = d.detectItem(ctx, st, item)
		}
		if err != nil {
			kind := model.KindOf(err)
			d.metrics.StageError(stage, kind.String())
			ev := log.Warn()
			if model.Is(err, model.ErrInvalidQuery) {
				ev = log.Error()
			}
			ev.Err(err).Str("stage", stage).Int64("strategy_id", st.ID).Int64("item_id", item.ID).
				Str("kind", kind.String()).Msg("detect item failed")
			continue
		}
		d.publish(ctx, events)
	}
}

func (d *Detector) publish(ctx context.Context, events []*model.Event) {
	for _, e := range events {
		if err := broker.PublishJSON(ctx, d.pub, model.TopicEventsRaw, e.EventID, e); err != nil {
			d.metrics.StageError(stage, model.KindOf(err).String())
			log.Error().Err(err).Str("stage", stage).Str("event_id", e.EventID).Msg("publish anomaly event failed")
		}
	}
}

func (d *Detector) detectItem(ctx context.Context, st *model.Strategy, item *model.Item) ([]*model.Event, error) {
	qc := item.PrimaryQuery()
	if qc == nil {
		return nil, model.Invalidf("item %d has no query config", item.ID)
	}
	interval := qc.AggInterval
	if interval <= 0 {
		interval = 60
	}
	end := d.now().Unix() / interval * interval
	r := datasource.TimeRange{Start: end - int64(d.opts.Window)*interval, End: end}
	ref := model.ItemRef{StrategyID: st.ID, ItemID: item.ID}

	series, err := d.querier.Query(ctx, qc, r, ref)
	if err != nil {
		d.breakers.Get(sourceOf(qc)).Record(true)
		return nil, err
	}
	if d.filter != nil {
		series = d.filter.Filter(ctx, series, interval)
	}
	events, err := d.DetectPoints(st, item, series)
	if err != nil {
		return nil, err
	}
	if st.NoData.Enabled {
		events = append(events, d.detectNoData(ctx, st, item, series, end, interval)...)
	}
	return events, nil
}

func sourceOf(qc *model.QueryConfig) string { return qc.DataSourceLabel + ":" + qc.Table() }

// DetectPoints runs the item algorithms over points in timestamp order and returns the events
// whose trigger condition is met.
func (d *Detector) DetectPoints(st *model.Strategy, item *model.Item, points datasource.Series) ([]*model.Event, error) {
	qc := item.PrimaryQuery()
	interval := int64(60)
	if qc != nil && qc.AggInterval > 0 {
		interval = qc.AggInterval
	}
	algos, err := buildItemAlgorithms(item, interval)
	if err != nil {
		return nil, err
	}
	source := "unknown"
	if qc != nil {
		source = sourceOf(qc)
	}
	br := d.breakers.Get(source)
	trig := st.TriggerConfig()
	ref := model.ItemRef{StrategyID: st.ID, ItemID: item.ID}

	var events []*model.Event
	for p := range points.All() {
		if !br.Allow() {
			continue
		}
		dimKey := model.CanonicalKey(p.Dimensions)
		key := SeriesKey(ref, dimKey)
		history := func(offset int64) (float64, bool) { return d.results.ValueAt(key, p.Timestamp-offset) }

		an, bad := algos.Detect(p, history)
		if !d.results.Add(ref, p.Dimensions, Record{Timestamp: p.Timestamp, Value: p.Value, Anomaly: bad, Level: an.Level}) {
			d.metrics.Drop(stage, ReasonOutOfOrder)
			br.Record(false)
			continue
		}
		br.Record(false)
		if !bad {
			continue
		}
		first, fire := checkTrigger(d.results.Last(key, trig.CheckWindow), trig)
		if !fire {
			continue
		}
		e := d.newEvent(st, item, p.Dimensions, p.Timestamp, an.Level, "anomaly")
		e.FirstAnomalyTime = first
		e.Value = model.Float64Ptr(p.Value)
		e.Tags[model.TagDirection] = an.Direction
		e.Description = an.Message
		events = append(events, e)
	}
	return events, nil
}

func (d *Detector) newEvent(st *model.Strategy, item *model.Item, dims map[string]string, ts int64,
	level model.Severity, kind string) *model.Event {
	ref := model.ItemRef{StrategyID: st.ID, ItemID: item.ID}
	cp := make(map[string]string, len(dims))
	for k, v := range dims {
		cp[k] = v
	}
	metricID := item.MetricID
	if metricID == "" {
		if qc := item.PrimaryQuery(); qc != nil {
			metricID = qc.MetricID
		}
	}
	if !level.Valid() {
		level = model.SeverityWarning
	}
	return &model.Event{
		EventID:    eventID(ref, model.CanonicalKey(dims), ts, level, kind),
		StrategyID: model.Int64Ptr(st.ID),
		ItemID:     item.ID,
		BkBizID:    st.BkBizID,
		AlertName:  st.Name,
		Status:     model.StatusAbnormal,
		Severity:   level,
		Time:       ts,
		Dimensions: cp,
		Tags:       map[string]string{model.ExtraDimensionKey: model.CanonicalKey(dims)},
		MetricID:   metricID,
		Category:   st.Scenario,
	}
}

// detectNoData reports expected dimension sets missing for st.NoData.Continuous intervals.
// Expected sets are the ones seen before plus the item targets, projected onto the nodata
// dimensions.
func (d *Detector) detectNoData(ctx context.Context, st *model.Strategy, item *model.Item,
	fresh datasource.Series, end, interval int64) []*model.Event {
	ref := model.ItemRef{StrategyID: st.ID, ItemID: item.ID}
	continuous := int64(st.NoData.Continuous)
	if continuous <= 0 {
		continuous = 1
	}

	expected := map[string]map[string]string{}
	addExpected := func(dims map[string]string) {
		p := model.Subset(dims, st.NoData.AggDimension)
		if len(p) > 0 {
			expected[model.CanonicalKey(p)] = p
		}
	}
	for _, dims := range d.results.SeriesOf(ref) {
		addExpected(dims)
	}
	for _, target := range item.Target {
		addExpected(target)
	}

	var events []*model.Event
	for _, key := range model.SortedKeys(expected) {
		dims := expected[key]
		keys := model.SortedKeys(dims)
		present := false
		for p := range fresh.All() {
			if model.CanonicalKey(model.Subset(p.Dimensions, keys)) == key {
				present = true
				break
			}
		}
		trackKey := SeriesKey(ref, key)
		if present {
			d.mu.Lock()
			delete(d.missing, trackKey)
			d.mu.Unlock()
			continue
		}

		since := d.lastSeen(ref, dims, keys)
		if since == 0 {
			d.mu.Lock()
			m, ok := d.missing[trackKey]
			if !ok {
				m.since = end
			}
			m.checked = end
			d.missing[trackKey] = m
			since = m.since
			d.mu.Unlock()
		}
		if end-since < continuous*interval {
			continue
		}
		if d.ranges != nil {
			ok, err := d.ranges.InScope(ctx, st, dims)
			if err != nil {
				log.Warn().Err(err).Str("stage", stage).Int64("strategy_id", st.ID).Msg("dimension range lookup failed")
			}
			if !ok {
				log.Debug().Str("stage", stage).Int64("strategy_id", st.ID).Str("dimensions", key).
					Msg("nodata suppressed, dimension out of range")
				continue
			}
		}
		level := st.NoData.Level
		e := d.newEvent(st, item, dims, end, level, "nodata")
		e.FirstAnomalyTime = since
		e.Tags[model.TagNoData] = "true"
		e.Description = "数据无上报，持续" + strconv.FormatInt((end-since)/interval, 10) + "个周期"
		events = append(events, e)
	}
	return events
}

// lastSeen is the newest timestamp among series matching the projected dims, or 0.
func (d *Detector) lastSeen(ref model.ItemRef, dims map[string]string, keys []string) int64 {
	want := model.CanonicalKey(dims)
	var last int64
	for _, full := range d.results.SeriesOf(ref) {
		if model.CanonicalKey(model.Subset(full, keys)) != want {
			continue
		}
		if ts, ok := d.results.LastTimestamp(SeriesKey(ref, model.CanonicalKey(full))); ok && ts > last {
			last = ts
		}
	}
	return last
}

// detectComposite evaluates the item expression with each alias true when its referenced
// strategy has an abnormal alert open.
func (d *Detector) detectComposite(ctx context.Context, st *model.Strategy, item *model.Item) ([]*model.Event, error) {
	expr, err := ParseExpression(item.Expression)
	if err != nil {
		return nil, fmt.Errorf("item %d: %w", item.ID, err)
	}
	if d.alerts == nil {
		return nil, nil
	}
	open, err := d.alerts.ListOpen(ctx, 0)
	if err != nil {
		return nil, err
	}
	active := map[int64]bool{}
	for _, a := range open {
		if a.IsAbnormal() && a.StrategyID != nil && a.BkBizID == st.BkBizID {
			active[*a.StrategyID] = true
		}
	}
	values := map[string]bool{}
	for _, qc := range item.QueryConfigs {
		values[qc.Alias] = active[qc.StrategyID]
	}
	if !expr.Eval(values) {
		return nil, nil
	}
	level := model.SeverityWarning
	if len(item.Algorithms) > 0 && item.Algorithms[0].Level.Valid() {
		level = item.Algorithms[0].Level
	}
	ts := d.now().Unix()
	e := d.newEvent(st, item, map[string]string{}, ts, level, "composite")
	e.Description = "关联告警满足条件 " + expr.Render()
	return []*model.Event{e}, nil
}
