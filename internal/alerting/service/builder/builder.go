package builder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/broker"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/qos"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/selfmon"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/store"
	"github.com/rs/zerolog/log"
)

const stage = "build"

// Change reasons written to alerts.changes.
const (
	ReasonCreate          = "create"
	ReasonSeverityUpgrade = "severity_upgrade"
	ReasonEventRecovered  = "event_recovered"
	ReasonEventClosed     = "event_closed"
	ReasonQoS             = "qos"
)

// StrategyLookup is the read side of the strategy cache.
type StrategyLookup interface {
	Get(id int64) (*model.Strategy, bool)
}

// ActionDispatcher sends the notification owed when a source ends its own alert.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, a *model.Alert, signal model.ActionSignal, recipients []string, at int64) (bool, error)
}

type Options struct {
	LockTTL time.Duration
}

// Builder turns enriched events into open alerts, one per fingerprint.
type Builder struct {
	store      store.Store
	locker     store.Locker
	strategies StrategyLookup
	pub        broker.Publisher
	actions    ActionDispatcher
	limiter    *qos.BizLimiter
	metrics    *selfmon.Metrics
	opts       Options
	now        func() time.Time
}

func New(st store.Store, locker store.Locker, strategies StrategyLookup, pub broker.Publisher,
	actions ActionDispatcher, limiter *qos.BizLimiter, m *selfmon.Metrics, opts Options) *Builder {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Second
	}
	return &Builder{store: st, locker: locker, strategies: strategies, pub: pub, actions: actions, limiter: limiter,
		metrics: m, opts: opts, now: time.Now}
}

// Result describes what one event did to its alert.
type Result struct {
	Alert   *model.Alert
	Created bool
	Changes []model.ChangeRecord

	ended model.ActionSignal
}

// Build merges the event into its alert under the fingerprint lock and publishes the changes.
// An end event with no open alert is a no-op and returns a nil Alert.
func (b *Builder) Build(ctx context.Context, e *model.Event) (*Result, error) {
	if e.Dropped {
		return &Result{}, nil
	}
	var st *model.Strategy
	if e.StrategyID != nil && b.strategies != nil {
		st, _ = b.strategies.Get(*e.StrategyID)
	}
	escalate := Escalates(e, st)
	fp := Fingerprint(e, escalate)

	res := &Result{}
	err := store.WithLock(ctx, b.locker, store.AlertLockKey(fp), b.opts.LockTTL, func(ctx context.Context) error {
		cur, err := b.store.GetOpen(ctx, fp)
		switch {
		case errors.Is(err, model.ErrNotFound):
			return b.create(ctx, fp, e, st, res)
		case err != nil:
			return err
		}
		return b.merge(ctx, cur, e, escalate, res)
	})
	if err != nil {
		return nil, fmt.Errorf("build alert %s: %w", fp, err)
	}

	for _, rec := range res.Changes {
		if err := broker.PublishJSON(ctx, b.pub, model.TopicAlertsChanges, rec.Fingerprint, rec); err != nil {
			return res, model.Transient(fmt.Errorf("publish change for alert %d: %w", rec.AlertID, err))
		}
	}
	if res.ended != "" && b.actions != nil {
		// marked once per alert, so a retried end event does not notify twice
		if _, err := b.actions.Dispatch(ctx, res.Alert, res.ended, nil, b.now().Unix()); err != nil {
			return res, model.Transient(fmt.Errorf("dispatch %s for alert %d: %w", res.ended, res.Alert.ID, err))
		}
	}
	b.metrics.Processed(stage)
	return res, nil
}

func (b *Builder) create(ctx context.Context, fp string, e *model.Event, st *model.Strategy, res *Result) error {
	if e.EffectiveStatus() != model.StatusAbnormal {
		log.Debug().Str("stage", stage).Str("fingerprint", fp).Str("event_id", e.EventID).
			Msg("end event without open alert ignored")
		return nil
	}
	id, err := b.store.NextAlertID(ctx)
	if err != nil {
		return err
	}
	begin := e.BeginTime()
	a := &model.Alert{
		ID:               id,
		Fingerprint:      fp,
		StrategyID:       e.StrategyID,
		ItemID:           e.ItemID,
		BkBizID:          e.BkBizID,
		AlertName:        e.AlertName,
		Severity:         e.Severity,
		CreateTime:       begin,
		BeginTime:        begin,
		LatestTime:       e.Time,
		FirstAnomalyTime: begin,
		UpdateTime:       b.now().Unix(),
		Status:           model.StatusAbnormal,
		Dimensions:       alertDimensions(e),
		MetricID:         e.MetricID,
		Category:         e.Category,
		TopEventID:       e.EventID,
		IsNoData:         e.IsNoData(),
	}
	dimKey := e.Tags[model.ExtraDimensionKey]
	if dimKey == "" {
		dimKey = model.CanonicalKey(model.NormalizeDimensions(e.Dimensions, nil))
	}
	a.SetExtra(model.ExtraDimensionKey, dimKey)
	if st != nil {
		a.Labels = append([]string(nil), st.Labels...)
	}
	if e.Value != nil {
		a.ValueStats = &model.ValueStats{}
		a.ValueStats.Add(*e.Value)
	}
	if !b.limiter.AllowAt(e.BkBizID, b.now()) {
		a.IsBlocked = true
		a.SetExtra("qos_reason", ReasonQoS)
		b.metrics.Drop(stage, ReasonQoS)
		log.Warn().Str("stage", stage).Int64("bk_biz_id", e.BkBizID).Str("fingerprint", fp).
			Msg("business over alert rate, alert blocked")
	}
	if err := b.store.PutOpen(ctx, a); err != nil {
		return err
	}
	res.Alert = a
	res.Created = true
	res.Changes = append(res.Changes, change(a, "", model.StatusAbnormal, ReasonCreate, b.now()))
	log.Info().Str("stage", stage).Str("fingerprint", fp).Int64("alert_id", id).
		Int("severity", int(a.Severity)).Msg("alert created")
	return nil
}

func (b *Builder) merge(ctx context.Context, a *model.Alert, e *model.Event, escalate bool, res *Result) error {
	now := b.now()
	if e.Time > a.LatestTime {
		a.LatestTime = e.Time
	}
	if e.Value != nil {
		if a.ValueStats == nil {
			a.ValueStats = &model.ValueStats{}
		}
		a.ValueStats.Add(*e.Value)
	}
	a.UpdateTime = now.Unix()
	res.Alert = a

	switch status := e.EffectiveStatus(); status {
	case model.StatusAbnormal:
		a.TopEventID = e.EventID
		a.Recovering = false
		if a.IsThirdParty() && a.NextStatus != "" {
			a.ClearNextStatus()
		}
		if escalate && e.Severity.HigherThan(a.Severity) {
			old := a.Severity
			a.Severity = e.Severity
			a.SetExtra("severity_source", int(old))
			res.Changes = append(res.Changes, change(a, a.Status, a.Status, ReasonSeverityUpgrade, now))
			log.Info().Str("stage", stage).Str("fingerprint", a.Fingerprint).Int64("alert_id", a.ID).
				Int("from", int(old)).Int("to", int(a.Severity)).Msg("alert severity escalated")
		}
		return b.store.PutOpen(ctx, a)
	default:
		// third-party sources end their own alerts
		reason := ReasonEventRecovered
		if status == model.StatusClosed {
			reason = ReasonEventClosed
		}
		if e.RecoverDelay > 0 {
			a.SetNextStatus(status, e.Time+e.RecoverDelay)
			return b.store.PutOpen(ctx, a)
		}
		old := a.Status
		a.SetEnd(status, e.Time)
		a.SettleAck(now.Unix())
		if sig, ok := a.EndSignal(); ok {
			res.ended = sig
		}
		if err := b.store.Archive(ctx, a); err != nil {
			return err
		}
		b.metrics.Transition(string(old), string(status))
		res.Changes = append(res.Changes, change(a, old, status, reason, now))
		return nil
	}
}

func change(a *model.Alert, from, to model.Status, reason string, at time.Time) model.ChangeRecord {
	return model.ChangeRecord{
		AlertID:     a.ID,
		Fingerprint: a.Fingerprint,
		OldStatus:   from,
		NewStatus:   to,
		Reason:      reason,
		At:          at.Unix(),
		Alert:       a.Clone(),
	}
}

func alertDimensions(e *model.Event) []model.AlertDimension {
	dims := model.NormalizeDimensions(e.Dimensions, nil)
	// bk_biz_id is shown with the other dimensions once translated
	if tr, ok := e.Translated["bk_biz_id"]; ok && tr.Value != "" {
		if _, exists := dims["bk_biz_id"]; !exists {
			dims["bk_biz_id"] = tr.Value
		}
	}
	keys := model.SortedKeys(dims)
	out := make([]model.AlertDimension, 0, len(keys))
	for _, k := range keys {
		d := model.AlertDimension{Key: k, Value: dims[k]}
		if tr, ok := e.Translated[k]; ok && tr.Value == d.Value {
			d.DisplayKey = tr.DisplayKey
			d.DisplayValue = tr.DisplayName
		}
		out = append(out, d)
	}
	return out
}
