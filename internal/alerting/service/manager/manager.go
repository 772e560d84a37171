// Package manager runs the periodic state machine over open alerts.
package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/broker"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/qos"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/selfmon"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/store"
	"github.com/panjf2000/ants/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const stage = "manager"

// StrategyLookup is the read side of the strategy cache.
type StrategyLookup interface {
	Get(id int64) (*model.Strategy, bool)
	Ready() bool
}

type ActionDispatcher interface {
	Dispatch(ctx context.Context, a *model.Alert, signal model.ActionSignal, recipients []string, at int64) (bool, error)
}

type Options struct {
	Interval    time.Duration
	Batch       int
	Workers     int
	CloseWindow time.Duration
	LockTTL     time.Duration
	SweepCron   string
}

type Deps struct {
	Store      store.Store
	Locker     store.Locker
	Strategies StrategyLookup
	Results    SeriesReader
	Scopes     *qos.Registry
	Actions    ActionDispatcher
	Publisher  broker.Publisher
	Alarmer    *selfmon.Alarmer
	Metrics    *selfmon.Metrics
	// Checkers overrides DefaultCheckers.
	Checkers *Registry
}

type Manager struct {
	store      store.Store
	locker     store.Locker
	strategies StrategyLookup
	checkers   *Registry
	actions    ActionDispatcher
	pub        broker.Publisher
	alarmer    *selfmon.Alarmer
	metrics    *selfmon.Metrics
	opts       Options
	now        func() time.Time
}

func New(d Deps, opts Options) (*Manager, error) {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Batch <= 0 {
		opts.Batch = 5000
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Second
	}
	if opts.SweepCron == "" {
		opts.SweepCron = "@every 1m"
	}
	reg := d.Checkers
	if reg == nil {
		var err error
		reg, err = NewRegistry(DefaultCheckers(d.Results, d.Scopes, opts.CloseWindow)...)
		if err != nil {
			return nil, err
		}
	}
	return &Manager{
		store: d.Store, locker: d.Locker, strategies: d.Strategies, checkers: reg,
		actions: d.Actions, pub: d.Publisher, alarmer: d.Alarmer, metrics: d.Metrics,
		opts: opts, now: time.Now,
	}, nil
}

// StartScheduler runs a pass every interval and sweeps expired shields and scopes on cron.
func (m *Manager) StartScheduler(ctx context.Context) error {
	pool, err := ants.NewPool(m.opts.Workers)
	if err != nil {
		return fmt.Errorf("create manager pool: %w", err)
	}
	defer pool.Release()

	c := cron.New()
	if _, err := c.AddFunc(m.opts.SweepCron, func() { m.Sweep(ctx) }); err != nil {
		return fmt.Errorf("invalid manager sweep cron %q: %w", m.opts.SweepCron, err)
	}
	c.Start()
	defer c.Stop()

	t := time.NewTicker(m.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := m.RunOnce(ctx, pool); err != nil {
				m.metrics.StageError(stage, model.KindOf(err).String())
				log.Error().Err(err).Str("stage", stage).Msg("manager pass failed")
			}
		}
	}
}

// pass is the shared input of one evaluation round.
type pass struct {
	now      int64
	shields  []*model.Shield
	failures *model.FailureCollection
}

func (m *Manager) newPass(ctx context.Context) (*pass, error) {
	shields, err := m.store.ListShields(ctx)
	if err != nil {
		return nil, fmt.Errorf("list shields: %w", err)
	}
	fc, err := qos.Collect(ctx, m.store)
	if err != nil {
		return nil, err
	}
	return &pass{now: m.now().Unix(), shields: shields, failures: fc}, nil
}

// RunOnce checks every open alert once. Failures are isolated per alert. The pass runs under
// a budget of one interval, which also bounds every per-alert lock.
func (m *Manager) RunOnce(ctx context.Context, pool *ants.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.Interval)
	defer cancel()
	fps, err := m.store.OpenFingerprints(ctx, m.opts.Batch)
	if err != nil {
		return fmt.Errorf("list open alerts: %w", err)
	}
	p, err := m.newPass(ctx)
	if err != nil {
		return err
	}
	m.metrics.SetOpenAlerts(len(fps))

	var wg sync.WaitGroup
	for _, fp := range fps {
		fp := fp
		wg.Add(1)
		task := func() {
			defer wg.Done()
			if err := m.process(ctx, fp, p); err != nil {
				m.metrics.StageError(stage, model.KindOf(err).String())
				log.Warn().Err(err).Str("stage", stage).Str("fingerprint", fp).Msg("check alert failed")
			}
		}
		if pool == nil {
			task()
			continue
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			log.Error().Err(err).Str("stage", stage).Str("fingerprint", fp).Msg("submit check task failed")
		}
	}
	wg.Wait()
	m.metrics.Processed(stage)
	return nil
}

func (m *Manager) process(ctx context.Context, fp string, p *pass) error {
	return store.WithLock(ctx, m.locker, store.AlertLockKey(fp), m.opts.LockTTL, func(ctx context.Context) error {
		a, err := m.store.GetOpen(ctx, fp)
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = m.apply(ctx, a, p, nil)
		return err
	})
}

// apply runs the checkers over a, persists it and sends the queued signals. Caller holds the
// fingerprint lock.
func (m *Manager) apply(ctx context.Context, a *model.Alert, p *pass, pre []emit) (*model.Alert, error) {
	orig := a.Clone()
	c := &Check{Alert: a, Now: p.now, Shields: p.shields, Failures: p.failures, signals: pre}
	c.Strategy, c.StrategyDeleted = m.resolve(a)

	for _, ck := range m.checkers.Ordered() {
		if !ck.IsEnabled(a) {
			continue
		}
		before := a.Clone()
		mark := len(c.signals)
		reason := c.reason
		err := runChecker(ctx, ck, c)
		if err == nil && !model.CanTransition(before.Status, a.Status) {
			err = model.StateViolation("checker %s: %s -> %s", ck.Name(), before.Status, a.Status)
		}
		if err != nil {
			*a = *before
			c.signals = c.signals[:mark]
			c.reason = reason
			m.checkerFailed(ctx, ck, a, err)
		}
	}

	// ack runs first, so an alert ended in this pass settles here
	a.SettleAck(p.now)
	m.lifecycleSignals(c, orig)
	if err := a.Validate(); err != nil {
		a.Degraded = true
		m.alarmer.Raise(ctx, model.SelfAlarm{Component: stage, Kind: "invalid_alert", Fingerprint: a.Fingerprint,
			AlertID: a.ID, Message: err.Error(), At: p.now})
	}

	changed := !sameJSON(orig, a)
	if changed {
		a.UpdateTime = p.now
	}
	switch {
	case a.IsEnded():
		if err := m.store.Archive(ctx, a); err != nil {
			return nil, fmt.Errorf("archive alert %d: %w", a.ID, err)
		}
		m.metrics.Transition(string(orig.Status), string(a.Status))
		log.Info().Str("stage", stage).Str("fingerprint", a.Fingerprint).Int64("alert_id", a.ID).
			Str("status", string(a.Status)).Str("reason", c.reason).Msg("alert ended")
	case changed:
		if err := m.store.PutOpen(ctx, a); err != nil {
			return nil, fmt.Errorf("save alert %d: %w", a.ID, err)
		}
	default:
		return a, m.dispatch(ctx, c)
	}

	reason := c.reason
	if orig.Status == a.Status || reason == "" {
		reason = ReasonUpdate
	}
	rec := model.ChangeRecord{AlertID: a.ID, Fingerprint: a.Fingerprint, OldStatus: orig.Status,
		NewStatus: a.Status, Reason: reason, At: p.now, Alert: a.Clone()}
	if err := broker.PublishJSON(ctx, m.pub, model.TopicAlertsChanges, a.Fingerprint, rec); err != nil {
		return a, model.Transient(fmt.Errorf("publish change for alert %d: %w", a.ID, err))
	}
	return a, m.dispatch(ctx, c)
}

func (m *Manager) resolve(a *model.Alert) (*model.Strategy, bool) {
	if a.StrategyID == nil || m.strategies == nil {
		return nil, false
	}
	st, ok := m.strategies.Get(*a.StrategyID)
	if !ok {
		return nil, m.strategies.Ready()
	}
	return st, false
}

func runChecker(ctx context.Context, ck Checker, c *Check) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("checker %s panic: %v", ck.Name(), r)
		}
	}()
	return ck.Check(ctx, c)
}

func (m *Manager) checkerFailed(ctx context.Context, ck Checker, a *model.Alert, err error) {
	m.metrics.CheckerError(ck.Name())
	kind := "checker_failed"
	if model.KindOf(err) == model.KindStateViolation {
		kind = "state_violation"
		a.Degraded = true
	}
	m.alarmer.Raise(ctx, model.SelfAlarm{Component: stage, Kind: kind, Fingerprint: a.Fingerprint,
		AlertID: a.ID, Message: err.Error()})
}

// lifecycleSignals queues the abnormal, no_data, recovered and closed notifications. Shielded
// and blocked alerts stay silent; an alert shielded from the start notifies once unshielded.
func (m *Manager) lifecycleSignals(c *Check, orig *model.Alert) {
	a := c.Alert
	quiet := a.IsShielded || a.IsBlocked
	switch {
	case a.IsEnded() && !orig.IsEnded():
		if sig, ok := a.EndSignal(); ok {
			c.Emit(sig, nil)
		}
	case a.IsAbnormal() && !a.AbnormalNotified && !quiet:
		a.AbnormalNotified = true
		if a.IsNoData {
			c.Emit(model.SignalNoData, nil)
		} else {
			c.Emit(model.SignalAbnormal, nil)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, c *Check) error {
	if m.actions == nil {
		return nil
	}
	var errs []error
	for _, e := range c.signals {
		recipients := e.recipients
		if recipients == nil && c.Strategy != nil {
			recipients = c.Strategy.Recipients(e.signal)
		}
		if _, err := m.actions.Dispatch(ctx, c.Alert, e.signal, recipients, c.Now); err != nil {
			errs = append(errs, fmt.Errorf("dispatch %s: %w", e.signal, err))
		}
	}
	return errors.Join(errs...)
}

// Ack marks the open alert acknowledged and re-evaluates it.
func (m *Manager) Ack(ctx context.Context, fp, operator string) (*model.Alert, error) {
	return m.operate(ctx, fp, func(a *model.Alert, now int64) ([]emit, error) {
		if a.IsAck {
			return nil, nil
		}
		a.IsAck = true
		a.AckOperator = operator
		a.SetExtra("ack_time", now)
		return []emit{{signal: model.SignalAck}}, nil
	})
}

// Close asks for the open alert to be closed and applies it right away.
func (m *Manager) Close(ctx context.Context, fp, operator, reason string) (*model.Alert, error) {
	return m.operate(ctx, fp, func(a *model.Alert, now int64) ([]emit, error) {
		a.CloseRequest = &model.CloseRequest{Operator: operator, Reason: reason, At: now}
		return nil, nil
	})
}

func (m *Manager) operate(ctx context.Context, fp string, fn func(a *model.Alert, now int64) ([]emit, error)) (*model.Alert, error) {
	var out *model.Alert
	err := store.WithLock(ctx, m.locker, store.AlertLockKey(fp), m.opts.LockTTL, func(ctx context.Context) error {
		a, err := m.store.GetOpen(ctx, fp)
		if err != nil {
			return err
		}
		p, err := m.newPass(ctx)
		if err != nil {
			return err
		}
		pre, err := fn(a, p.now)
		if err != nil {
			return err
		}
		out, err = m.apply(ctx, a, p, pre)
		return err
	})
	return out, err
}

// Sweep removes shields and scopes that can no longer become active.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.now().Unix()
	shields, err := m.store.ListShields(ctx)
	if err != nil {
		log.Warn().Err(err).Str("stage", stage).Msg("sweep shields failed")
	}
	for _, s := range shields {
		if !s.Expired(now) {
			continue
		}
		if err := m.store.DeleteShield(ctx, s.ID); err != nil {
			log.Warn().Err(err).Str("stage", stage).Str("shield_id", s.ID).Msg("delete expired shield failed")
		}
	}
	scopes, err := m.store.ListScopes(ctx)
	if err != nil {
		log.Warn().Err(err).Str("stage", stage).Msg("sweep scopes failed")
	}
	for _, s := range scopes {
		if now < s.EndTime() {
			continue
		}
		if err := m.store.DeleteScope(ctx, s.Key()); err != nil {
			log.Warn().Err(err).Str("stage", stage).Str("scope", s.Key().String()).Msg("delete expired scope failed")
		}
	}
}

func sameJSON(x, y *model.Alert) bool {
	a, errA := json.Marshal(x)
	b, errB := json.Marshal(y)
	return errA == nil && errB == nil && bytes.Equal(a, b)
}
