package model

import (
	"encoding/json"
	"fmt"
)

// AlertDimension keeps the raw key/value with its translated display names.
type AlertDimension struct {
	Key          string `json:"key"`
	Value        string `json:"value"`
	DisplayKey   string `json:"display_key,omitempty"`
	DisplayValue string `json:"display_value,omitempty"`
}

// ValueStats accumulates the values of events merged into an alert.
type ValueStats struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Last  float64 `json:"last"`
}

func (v *ValueStats) Add(x float64) {
	if v.Count == 0 || x < v.Min {
		v.Min = x
	}
	if v.Count == 0 || x > v.Max {
		v.Max = x
	}
	v.Count++
	v.Sum += x
	v.Last = x
}

func (v *ValueStats) Avg() float64 {
	if v.Count == 0 {
		return 0
	}
	return v.Sum / float64(v.Count)
}

// CloseRequest records an operator close waiting for the manager.
type CloseRequest struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason"`
	At       int64  `json:"at"`
}

// UpgradeState tracks notification escalation progress.
type UpgradeState struct {
	LastTime   int64 `json:"last_time"`
	GroupIndex int   `json:"group_index"`
}

// Alert is the managed aggregate of events sharing a fingerprint.
//
// Times are unix seconds. EndTime, AckDuration and NextStatusTime are optional.
type Alert struct {
	ID               int64            `json:"id"`
	Fingerprint      string           `json:"fingerprint"`
	StrategyID       *int64           `json:"strategy_id,omitempty"`
	ItemID           int64            `json:"item_id,omitempty"`
	BkBizID          int64            `json:"bk_biz_id"`
	AlertName        string           `json:"alert_name,omitempty"`
	Severity         Severity         `json:"severity"`
	CreateTime       int64            `json:"create_time"`
	BeginTime        int64            `json:"begin_time"`
	LatestTime       int64            `json:"latest_time"`
	EndTime          *int64           `json:"end_time,omitempty"`
	FirstAnomalyTime int64            `json:"first_anomaly_time,omitempty"`
	UpdateTime       int64            `json:"update_time"`
	Status           Status           `json:"status"`
	IsAck            bool             `json:"is_ack"`
	AckOperator      string           `json:"ack_operator,omitempty"`
	IsShielded       bool             `json:"is_shielded"`
	ShieldIDs        []string         `json:"shield_ids,omitempty"`
	IsHandled        bool             `json:"is_handled"`
	IsBlocked        bool             `json:"is_blocked"`
	AckDuration      *int64           `json:"ack_duration,omitempty"`
	NextStatus       Status           `json:"next_status,omitempty"`
	NextStatusTime   *int64           `json:"next_status_time,omitempty"`
	Dimensions       []AlertDimension `json:"dimensions"`
	Labels           []string         `json:"labels,omitempty"`
	MetricID         string           `json:"metric_id,omitempty"`
	Category         string           `json:"category,omitempty"`
	TopEventID       string           `json:"top_event_id,omitempty"`
	IsNoData         bool             `json:"is_no_data,omitempty"`
	Degraded         bool             `json:"degraded,omitempty"`
	Recovering       bool             `json:"is_recovering,omitempty"`
	AbnormalNotified bool             `json:"abnormal_notified,omitempty"`
	ValueStats       *ValueStats      `json:"value_stats,omitempty"`
	CloseRequest     *CloseRequest    `json:"close_request,omitempty"`
	Upgrade          *UpgradeState    `json:"upgrade,omitempty"`
	Extra            map[string]any   `json:"extra,omitempty"`
}

func (a *Alert) IsAbnormal() bool { return a.Status == StatusAbnormal }

func (a *Alert) IsEnded() bool { return a.Status == StatusRecovered || a.Status == StatusClosed }

func (a *Alert) IsThirdParty() bool { return a.StrategyID == nil }

// DimensionMap returns the raw dimension values keyed by dimension key.
func (a *Alert) DimensionMap() map[string]string {
	out := make(map[string]string, len(a.Dimensions))
	for _, d := range a.Dimensions {
		out[d.Key] = d.Value
	}
	return out
}

// SetEnd moves the alert to a terminal status. end_time is kept when already set and is
// never placed before latest_time.
func (a *Alert) SetEnd(status Status, at int64) {
	a.Status = status
	if a.EndTime == nil {
		if at < a.LatestTime {
			at = a.LatestTime
		}
		a.EndTime = &at
	}
	a.NextStatus = ""
	a.NextStatusTime = nil
	a.Recovering = false
}

// SettleAck writes ack_duration once the alert is acked, shielded or no longer abnormal.
// It is written at most once and measured up to end_time when the alert has ended.
func (a *Alert) SettleAck(now int64) bool {
	if a.AckDuration != nil || (!a.IsAck && !a.IsShielded && a.IsAbnormal()) {
		return false
	}
	end := now
	if a.EndTime != nil {
		end = *a.EndTime
	}
	d := max(end-a.CreateTime, 0)
	a.AckDuration = &d
	return true
}

// EndSignal is the notification owed when the alert has just ended: none when it never
// notified abnormal or is shielded or blocked.
func (a *Alert) EndSignal() (ActionSignal, bool) {
	if !a.IsEnded() || !a.AbnormalNotified || a.IsShielded || a.IsBlocked {
		return "", false
	}
	if a.Status == StatusClosed {
		return SignalClosed, true
	}
	return SignalRecovered, true
}

func (a *Alert) SetNextStatus(status Status, at int64) {
	a.NextStatus = status
	a.NextStatusTime = &at
}

func (a *Alert) ClearNextStatus() {
	a.NextStatus = ""
	a.NextStatusTime = nil
}

func (a *Alert) SetExtra(key string, value any) {
	if a.Extra == nil {
		a.Extra = map[string]any{}
	}
	a.Extra[key] = value
}

// Clone returns a deep copy through JSON, which is also the stored form.
func (a *Alert) Clone() *Alert {
	data, err := json.Marshal(a)
	if err != nil {
		return nil
	}
	var out Alert
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return &out
}

// Validate checks the alert invariants.
func (a *Alert) Validate() error {
	if a.Fingerprint == "" {
		return fmt.Errorf("alert %d: empty fingerprint", a.ID)
	}
	if !a.Severity.Valid() {
		return fmt.Errorf("alert %d: invalid severity %d", a.ID, a.Severity)
	}
	if a.CreateTime > a.BeginTime || a.BeginTime > a.LatestTime {
		return fmt.Errorf("alert %d: time order violated create=%d begin=%d latest=%d",
			a.ID, a.CreateTime, a.BeginTime, a.LatestTime)
	}
	if a.EndTime != nil {
		if !a.IsEnded() {
			return fmt.Errorf("alert %d: end_time set on status %s", a.ID, a.Status)
		}
		if *a.EndTime < a.LatestTime {
			return fmt.Errorf("alert %d: end_time %d before latest_time %d", a.ID, *a.EndTime, a.LatestTime)
		}
	}
	return nil
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusAbnormal:
		return to == StatusRecovered || to == StatusClosed
	case StatusRecovered:
		return to == StatusClosed
	default:
		return false
	}
}

// Extra keys written by the engine.
const (
	// ExtraDimensionKey is the canonical key of the raw event dimensions, used to find the
	// detection series of the alert.
	ExtraDimensionKey = "dimension_key"
	ExtraRecovering   = "is_recovering"
)

// ExtraString returns a string extra value.
func (a *Alert) ExtraString(key string) string {
	if v, ok := a.Extra[key].(string); ok {
		return v
	}
	return ""
}
