package model

// Severity follows the bkmonitor convention: 1 is the most severe level.
type Severity int

const (
	SeverityFatal   Severity = 1
	SeverityWarning Severity = 2
	SeverityRemind  Severity = 3
)

func (s Severity) Valid() bool { return s >= SeverityFatal && s <= SeverityRemind }

// HigherThan reports whether s is more severe than o.
func (s Severity) HigherThan(o Severity) bool { return s < o }

// Status is shared by events and alerts.
type Status string

const (
	StatusAbnormal  Status = "ABNORMAL"
	StatusRecovered Status = "RECOVERED"
	StatusClosed    Status = "CLOSED"
)

// ThirdPartyStrategy is the fingerprint component used when an event carries no strategy.
const ThirdPartyStrategy = "3rd"

// TranslationField carries a raw dimension value beside its readable form.
type TranslationField struct {
	Value       string `json:"value"`
	DisplayName string `json:"display_name,omitempty"`
	DisplayKey  string `json:"display_key,omitempty"`
}

// Event is one raw occurrence reported to the engine. It is mutated only by enrichers.
type Event struct {
	EventID          string                      `json:"event_id" validate:"required"`
	StrategyID       *int64                      `json:"strategy_id,omitempty"`
	ItemID           int64                       `json:"item_id,omitempty"`
	BkBizID          int64                       `json:"bk_biz_id" validate:"required"`
	AlertName        string                      `json:"alert_name,omitempty"`
	Status           Status                      `json:"status,omitempty" validate:"omitempty,oneof=ABNORMAL RECOVERED CLOSED"`
	Severity         Severity                    `json:"severity" validate:"min=1,max=3"`
	Time             int64                       `json:"time" validate:"gt=0"`
	FirstAnomalyTime int64                       `json:"first_anomaly_time,omitempty"`
	Value            *float64                    `json:"value,omitempty"`
	Dimensions       map[string]string           `json:"dimensions"`
	Translated       map[string]TranslationField `json:"dimension_translation,omitempty"`
	Tags             map[string]string           `json:"tags,omitempty"`
	MetricID         string                      `json:"metric_id,omitempty"`
	Category         string                      `json:"category,omitempty"`
	Description      string                      `json:"description,omitempty"`
	// RecoverDelay lets a third-party source ask for a delayed recovery, in seconds.
	RecoverDelay int64  `json:"recover_delay,omitempty"`
	Dropped      bool   `json:"dropped"`
	DropReason   string `json:"drop_reason,omitempty"`
}

// Drop marks the event so downstream enrichers and stages skip it.
func (e *Event) Drop(reason string) {
	e.Dropped = true
	if e.DropReason == "" {
		e.DropReason = reason
	}
}

func (e *Event) IsThirdParty() bool { return e.StrategyID == nil }

// EffectiveStatus defaults an empty status to ABNORMAL.
func (e *Event) EffectiveStatus() Status {
	if e.Status == "" {
		return StatusAbnormal
	}
	return e.Status
}

// BeginTime is the earliest anomaly time known for the event.
func (e *Event) BeginTime() int64 {
	if e.FirstAnomalyTime > 0 && e.FirstAnomalyTime < e.Time {
		return e.FirstAnomalyTime
	}
	return e.Time
}

func (e *Event) IsNoData() bool { return e.Tags[TagNoData] == "true" }

const (
	TagNoData    = "__NO_DATA_DIMENSION__"
	TagDirection = "direction"
)

// Int64Ptr is a small helper for optional ids.
func Int64Ptr(v int64) *int64 { return &v }

func Float64Ptr(v float64) *float64 { return &v }
