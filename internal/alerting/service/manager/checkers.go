package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/detect"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/qos"
)

// Transition reasons written to alerts.changes.
const (
	ReasonRecovered        = "recovered"
	ReasonRecoverNoData    = "recovered_no_data"
	ReasonManualClose      = "manual_close"
	ReasonStrategyDeleted  = "strategy_deleted"
	ReasonStrategyDisabled = "strategy_disabled"
	ReasonCloseWindow      = "close_window"
	ReasonNextStatus       = "next_status"
	ReasonUpdate           = "update"
	ReasonAck              = "ack"
)

// Extra keys written by checkers.
const (
	ExtraEndDescription = "end_description"
	ExtraQoSScope       = "qos_scope"
)

// AckChecker writes ack_duration once the alert is acked, shielded or no longer abnormal.
type AckChecker struct{}

func (AckChecker) Name() string { return "ack" }

func (AckChecker) IsEnabled(a *model.Alert) bool { return a.AckDuration == nil }

func (AckChecker) Check(_ context.Context, c *Check) error {
	c.Alert.SettleAck(c.Now)
	return nil
}

// ShieldChecker flags alerts covered by an active shield. Shielding suppresses notifications
// only; it does not stop recovery.
type ShieldChecker struct{}

func (ShieldChecker) Name() string { return "shield" }

func (ShieldChecker) IsEnabled(a *model.Alert) bool { return !a.IsEnded() }

func (ShieldChecker) Check(_ context.Context, c *Check) error {
	a := c.Alert
	var ids []string
	for _, s := range c.Shields {
		if s.Match(a, c.Now) {
			ids = append(ids, s.ID)
		}
	}
	was := a.IsShielded
	a.IsShielded = len(ids) > 0
	a.ShieldIDs = ids
	if was && !a.IsShielded && a.IsAbnormal() && a.AbnormalNotified {
		c.Emit(model.SignalUnshielded, nil)
	}
	return nil
}

// SeriesReader is the read side of the detector check results.
type SeriesReader interface {
	Last(key string, n int) []detect.Record
}

// RecoverChecker ends abnormal strategy alerts once detection stays quiet for the recovery
// window. With no detection history it falls back to the time since the last anomaly event.
type RecoverChecker struct {
	Results SeriesReader
}

func (RecoverChecker) Name() string { return "recover" }

func (RecoverChecker) IsEnabled(a *model.Alert) bool { return a.IsAbnormal() && !a.IsThirdParty() }

func (r RecoverChecker) Check(_ context.Context, c *Check) error {
	a, st := c.Alert, c.Strategy
	if st == nil {
		return nil
	}
	interval := itemInterval(st, a.ItemID)
	n := st.RecoveryWindow()
	to := model.StatusRecovered
	if st.Recovery.StatusSetter == model.StatusSetterClose {
		to = model.StatusClosed
	}

	var recs []detect.Record
	if key := a.ExtraString(model.ExtraDimensionKey); key != "" && r.Results != nil && !a.IsNoData {
		ref := model.ItemRef{StrategyID: st.ID, ItemID: a.ItemID}
		recs = r.Results.Last(detect.SeriesKey(ref, key), 0)
	}
	if len(recs) == 0 {
		if c.Now-a.LatestTime >= int64(n)*interval {
			c.End(to, a.LatestTime+interval, ReasonRecoverNoData, "在恢复检测周期内无数据上报，告警已恢复")
		}
		return nil
	}

	quiet := recs[:0:0]
	for _, rec := range recs {
		if rec.Timestamp > a.LatestTime {
			quiet = append(quiet, rec)
		}
	}
	// data stopped after the anomaly; the close checker handles it
	if len(quiet) == 0 {
		setRecovering(a, false)
		return nil
	}

	var start int64
	recovered := false
	switch st.RecoveryMode() {
	case model.RecoveryTotal:
		if len(quiet) >= n {
			window := quiet[len(quiet)-n:]
			bad := 0
			for _, rec := range window {
				if rec.Anomaly {
					bad++
				}
			}
			recovered = bad < st.TriggerConfig().Count
			start = window[0].Timestamp
		}
	default:
		run := 0
		for i := len(quiet) - 1; i >= 0 && !quiet[i].Anomaly; i-- {
			run++
			start = quiet[i].Timestamp
		}
		recovered = run >= n
		if run == 0 {
			setRecovering(a, false)
			return nil
		}
	}
	if !recovered {
		setRecovering(a, true)
		return nil
	}
	setRecovering(a, true)
	last := quiet[len(quiet)-1]
	c.End(to, start, ReasonRecovered,
		fmt.Sprintf("连续 %d 个周期不满足触发条件，告警已恢复，当前值为%s", n, formatValue(last.Value)))
	return nil
}

func setRecovering(a *model.Alert, v bool) {
	a.Recovering = v
	a.SetExtra(model.ExtraRecovering, v)
}

func itemInterval(st *model.Strategy, itemID int64) int64 {
	if item, ok := st.ItemByID(itemID); ok {
		if qc := item.PrimaryQuery(); qc != nil && qc.AggInterval > 0 {
			return qc.AggInterval
		}
	}
	return 60
}

func formatValue(v float64) string { return fmt.Sprintf("%g", v) }

// CloseChecker closes alerts on operator request, when their strategy goes away, or when no
// event arrived within the close window.
type CloseChecker struct {
	CloseWindow time.Duration
}

func (CloseChecker) Name() string { return "close" }

func (CloseChecker) IsEnabled(a *model.Alert) bool { return !a.IsEnded() }

func (cc CloseChecker) Check(_ context.Context, c *Check) error {
	a := c.Alert
	switch {
	case a.CloseRequest != nil:
		c.End(model.StatusClosed, a.CloseRequest.At, ReasonManualClose,
			fmt.Sprintf("告警已被 %s 手动关闭", a.CloseRequest.Operator))
	case c.StrategyDeleted:
		c.End(model.StatusClosed, c.Now, ReasonStrategyDeleted, "策略已删除，告警关闭")
	case c.Strategy != nil && c.Strategy.Disabled:
		c.End(model.StatusClosed, c.Now, ReasonStrategyDisabled, "策略已停用，告警关闭")
	case cc.CloseWindow > 0 && c.Now-a.LatestTime >= int64(cc.CloseWindow/time.Second):
		c.End(model.StatusClosed, c.Now, ReasonCloseWindow,
			fmt.Sprintf("超过 %s 无新事件，告警关闭", cc.CloseWindow))
	}
	return nil
}

// NextStatusChecker applies the status a third-party source scheduled for later.
type NextStatusChecker struct{}

func (NextStatusChecker) Name() string { return "next_status" }

func (NextStatusChecker) IsEnabled(a *model.Alert) bool {
	return a.IsThirdParty() && a.IsAbnormal() && a.NextStatus != "" && a.NextStatusTime != nil
}

func (NextStatusChecker) Check(_ context.Context, c *Check) error {
	a := c.Alert
	if c.Now < *a.NextStatusTime {
		return nil
	}
	c.End(a.NextStatus, *a.NextStatusTime, ReasonNextStatus, "")
	return nil
}

// UpgradeChecker notifies the upgrade user groups each upgrade interval an alert stays
// abnormal and unhandled.
type UpgradeChecker struct{}

func (UpgradeChecker) Name() string { return "upgrade" }

func (UpgradeChecker) IsEnabled(a *model.Alert) bool {
	return a.IsAbnormal() && !a.IsAck && !a.IsShielded && !a.IsBlocked
}

func (UpgradeChecker) Check(_ context.Context, c *Check) error {
	st := c.Strategy
	if st == nil {
		return nil
	}
	up := st.Notice.Upgrade
	if !up.Enabled || up.Interval <= 0 || len(up.UserGroups) == 0 {
		return nil
	}
	a := c.Alert
	last := a.BeginTime
	if a.Upgrade != nil {
		last = a.Upgrade.LastTime
	}
	if c.Now-last < up.Interval*60 {
		return nil
	}
	next := &model.UpgradeState{LastTime: c.Now, GroupIndex: 1}
	if a.Upgrade != nil {
		next.GroupIndex = a.Upgrade.GroupIndex + 1
	}
	a.Upgrade = next
	c.Emit(model.SignalUpgrade, append([]string(nil), up.UserGroups...))
	return nil
}

// QoSChecker blocks alerts that fall inside an active failure scope.
type QoSChecker struct {
	Scopes *qos.Registry
}

func (QoSChecker) Name() string { return "qos" }

func (QoSChecker) IsEnabled(a *model.Alert) bool { return !a.IsEnded() }

func (q QoSChecker) Check(_ context.Context, c *Check) error {
	if q.Scopes == nil || c.Failures == nil {
		return nil
	}
	a := c.Alert
	if s, ok := q.Scopes.Blocking(c.Failures, a, c.Now); ok {
		a.IsBlocked = true
		a.SetExtra(ExtraQoSScope, s.Key().String())
		return nil
	}
	// scope ended; alerts blocked by the creation rate limit stay blocked
	if a.ExtraString(ExtraQoSScope) != "" {
		delete(a.Extra, ExtraQoSScope)
		a.IsBlocked = a.ExtraString("qos_reason") != ""
	}
	return nil
}

// DefaultCheckers returns the checkers in evaluation order.
func DefaultCheckers(results SeriesReader, scopes *qos.Registry, closeWindow time.Duration) []Checker {
	return []Checker{
		AckChecker{},
		ShieldChecker{},
		RecoverChecker{Results: results},
		CloseChecker{CloseWindow: closeWindow},
		NextStatusChecker{},
		UpgradeChecker{},
		QoSChecker{Scopes: scopes},
	}
}
