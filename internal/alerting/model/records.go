package model

// ActionSignal is the reason a notification or action is triggered.
type ActionSignal string

const (
	SignalManual         ActionSignal = "manual"
	SignalAbnormal       ActionSignal = "abnormal"
	SignalRecovered      ActionSignal = "recovered"
	SignalClosed         ActionSignal = "closed"
	SignalAck            ActionSignal = "ack"
	SignalNoData         ActionSignal = "no_data"
	SignalCollect        ActionSignal = "collect"
	SignalExecute        ActionSignal = "execute"
	SignalExecuteSuccess ActionSignal = "execute_success"
	SignalExecuteFailed  ActionSignal = "execute_failed"
	SignalDemo           ActionSignal = "demo"
	SignalUnshielded     ActionSignal = "unshielded"
	SignalUpgrade        ActionSignal = "upgrade"
)

var allSignals = map[ActionSignal]struct{}{
	SignalManual: {}, SignalAbnormal: {}, SignalRecovered: {}, SignalClosed: {}, SignalAck: {},
	SignalNoData: {}, SignalCollect: {}, SignalExecute: {}, SignalExecuteSuccess: {},
	SignalExecuteFailed: {}, SignalDemo: {}, SignalUnshielded: {}, SignalUpgrade: {},
}

func (s ActionSignal) Valid() bool {
	_, ok := allSignals[s]
	return ok
}

// Broker topics.
const (
	TopicEventsRaw      = "events.raw"
	TopicEventsEnriched = "events.enriched"
	TopicAlertsChanges  = "alerts.changes"
	TopicActionsOut     = "actions.outbound"
	TopicSelfAlarms     = "selfmon.alarms"
)

// ChangeRecord is the change-data-capture entry for an alert state transition.
type ChangeRecord struct {
	AlertID     int64  `json:"alert_id"`
	Fingerprint string `json:"fingerprint"`
	OldStatus   Status `json:"old_status"`
	NewStatus   Status `json:"new_status"`
	Reason      string `json:"reason"`
	At          int64  `json:"at"`
	Alert       *Alert `json:"alert,omitempty"`
}

// ActionTrigger is an outbound notification request.
type ActionTrigger struct {
	AlertID     int64        `json:"alert_id"`
	Fingerprint string       `json:"fingerprint"`
	StrategyID  *int64       `json:"strategy_id,omitempty"`
	BkBizID     int64        `json:"bk_biz_id"`
	Signal      ActionSignal `json:"action_signal"`
	Severity    Severity     `json:"severity"`
	Recipients  []string     `json:"recipients"`
	At          int64        `json:"at"`
}

// SelfAlarm is published on the self-monitoring stream.
type SelfAlarm struct {
	Component   string `json:"component"`
	Kind        string `json:"kind"`
	Fingerprint string `json:"fingerprint,omitempty"`
	AlertID     int64  `json:"alert_id,omitempty"`
	Message     string `json:"message"`
	At          int64  `json:"at"`
}
