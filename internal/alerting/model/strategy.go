package model

import "strconv"

// Data source and type labels used to select a query backend.
const (
	DataSourceBkMonitor   = "bk_monitor"
	DataSourcePrometheus  = "prometheus"
	DataSourceCustom      = "custom"
	DataSourceBkLogSearch = "bk_log_search"
	DataSourceBkFta       = "bk_fta"

	DataTypeTimeSeries = "time_series"
	DataTypeEvent      = "event"
	DataTypeLog        = "log"
	DataTypeAlert      = "alert"
)

// Algorithm types understood by the detector.
const (
	AlgorithmThreshold       = "Threshold"
	AlgorithmSimpleRingRatio = "SimpleRingRatio"
	AlgorithmComposite       = "Composite"
)

// Recovery window modes.
const (
	RecoveryConsecutive = "consecutive"
	RecoveryTotal       = "total"
)

// Recovery status setters.
const (
	StatusSetterRecovery = "recovery"
	StatusSetterClose    = "close"
)

// Strategy is an immutable-per-revision monitoring rule.
type Strategy struct {
	ID         int64    `json:"id" yaml:"id"`
	BkBizID    int64    `json:"bk_biz_id" yaml:"bk_biz_id"`
	Name       string   `json:"name" yaml:"name"`
	Scenario   string   `json:"scenario" yaml:"scenario"`
	Disabled   bool     `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Labels     []string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Items      []Item   `json:"items" yaml:"items"`
	Notice     Notice   `json:"notice" yaml:"notice"`
	Actions    []Action `json:"actions,omitempty" yaml:"actions,omitempty"`
	Trigger    Trigger  `json:"trigger" yaml:"trigger"`
	Recovery   Recovery `json:"recovery" yaml:"recovery"`
	NoData     NoData   `json:"no_data" yaml:"no_data"`
	// DisableEscalation keeps each severity in its own alert instead of escalating one alert.
	DisableEscalation bool  `json:"disable_escalation,omitempty" yaml:"disable_escalation,omitempty"`
	UpdateTime        int64 `json:"update_time,omitempty" yaml:"update_time,omitempty"`
}

// Item is one (query, algorithm list) pair inside a strategy.
type Item struct {
	ID           int64         `json:"id" yaml:"id"`
	Name         string        `json:"name" yaml:"name"`
	MetricID     string        `json:"metric_id,omitempty" yaml:"metric_id,omitempty"`
	QueryConfigs []QueryConfig `json:"query_configs" yaml:"query_configs"`
	Algorithms   []Algorithm   `json:"algorithms" yaml:"algorithms"`
	// Expression combines query config aliases for composite items, e.g. "A && (B || !C)".
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
	// Target lists the dimension sets the item is expected to cover; used by nodata.
	Target []map[string]string `json:"target,omitempty" yaml:"target,omitempty"`
}

// PrimaryQuery returns the first query config, which drives single-query items.
func (it *Item) PrimaryQuery() *QueryConfig {
	if len(it.QueryConfigs) == 0 {
		return nil
	}
	return &it.QueryConfigs[0]
}

// IsComposite reports whether the item evaluates other alerts rather than data points.
func (it *Item) IsComposite() bool {
	if it.Expression == "" {
		return false
	}
	for _, qc := range it.QueryConfigs {
		if qc.DataTypeLabel != DataTypeAlert {
			return false
		}
	}
	return len(it.QueryConfigs) > 0
}

// Condition filters query results by dimension.
type Condition struct {
	Key       string   `json:"key" yaml:"key"`
	Method    string   `json:"method" yaml:"method"`
	Value     []string `json:"value" yaml:"value"`
	Condition string   `json:"condition,omitempty" yaml:"condition,omitempty"`
}

type QueryConfig struct {
	Alias           string      `json:"alias,omitempty" yaml:"alias,omitempty"`
	DataSourceLabel string      `json:"data_source_label" yaml:"data_source_label"`
	DataTypeLabel   string      `json:"data_type_label" yaml:"data_type_label"`
	MetricID        string      `json:"metric_id,omitempty" yaml:"metric_id,omitempty"`
	ResultTable     string      `json:"result_table_id,omitempty" yaml:"result_table_id,omitempty"`
	MetricField     string      `json:"metric_field,omitempty" yaml:"metric_field,omitempty"`
	IndexSetID      int64       `json:"index_set_id,omitempty" yaml:"index_set_id,omitempty"`
	Query           string      `json:"query_string,omitempty" yaml:"query_string,omitempty"`
	AggMethod       string      `json:"agg_method,omitempty" yaml:"agg_method,omitempty"`
	AggInterval     int64       `json:"agg_interval" yaml:"agg_interval"`
	AggDimension    []string    `json:"agg_dimension,omitempty" yaml:"agg_dimension,omitempty"`
	AggCondition    []Condition `json:"agg_condition,omitempty" yaml:"agg_condition,omitempty"`
	Unit            string      `json:"unit,omitempty" yaml:"unit,omitempty"`
	// StrategyID is the referenced strategy for composite (alert) query configs.
	StrategyID int64 `json:"bkmonitor_strategy_id,omitempty" yaml:"bkmonitor_strategy_id,omitempty"`
}

// Table returns the metric label used for query metrics.
func (q *QueryConfig) Table() string {
	switch {
	case q.ResultTable != "":
		return q.ResultTable
	case q.IndexSetID != 0:
		return "index_set_" + strconv.FormatInt(q.IndexSetID, 10)
	default:
		return q.MetricID
	}
}

// ThresholdCondition is a single comparison, e.g. {method: gt, threshold: 90}.
type ThresholdCondition struct {
	Method    string  `json:"method" yaml:"method"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
}

type Algorithm struct {
	Type  string   `json:"type" yaml:"type"`
	Level Severity `json:"level" yaml:"level"`
	// Threshold is a list of OR-groups, each an AND of conditions.
	Threshold [][]ThresholdCondition `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Floor     *float64               `json:"floor,omitempty" yaml:"floor,omitempty"`
	Ceil      *float64               `json:"ceil,omitempty" yaml:"ceil,omitempty"`
}

// Trigger emits an anomaly event when Count anomalies occur within the last CheckWindow points.
type Trigger struct {
	Count       int `json:"count" yaml:"count"`
	CheckWindow int `json:"check_window" yaml:"check_window"`
}

// Recovery decides when an abnormal alert recovers.
type Recovery struct {
	CheckWindow  int    `json:"check_window" yaml:"check_window"`
	Mode         string `json:"mode,omitempty" yaml:"mode,omitempty"`
	StatusSetter string `json:"status_setter,omitempty" yaml:"status_setter,omitempty"`
}

type NoData struct {
	Enabled      bool     `json:"is_enabled" yaml:"is_enabled"`
	Continuous   int      `json:"continuous" yaml:"continuous"`
	Level        Severity `json:"level" yaml:"level"`
	AggDimension []string `json:"agg_dimension,omitempty" yaml:"agg_dimension,omitempty"`
}

type Notice struct {
	UserGroups []string `json:"user_groups,omitempty" yaml:"user_groups,omitempty"`
	Signals    []string `json:"signal,omitempty" yaml:"signal,omitempty"`
	Upgrade    Upgrade  `json:"upgrade_config" yaml:"upgrade_config"`
}

// Upgrade escalates notification to further user groups after Interval minutes.
type Upgrade struct {
	Enabled    bool     `json:"is_enabled" yaml:"is_enabled"`
	Interval   int64    `json:"upgrade_interval" yaml:"upgrade_interval"`
	UserGroups []string `json:"user_groups,omitempty" yaml:"user_groups,omitempty"`
}

type Action struct {
	ConfigID   int64    `json:"config_id" yaml:"config_id"`
	Signals    []string `json:"signal" yaml:"signal"`
	UserGroups []string `json:"user_groups,omitempty" yaml:"user_groups,omitempty"`
}

// ItemByID returns the item with the given id.
func (s *Strategy) ItemByID(id int64) (*Item, bool) {
	for i := range s.Items {
		if s.Items[i].ID == id {
			return &s.Items[i], true
		}
	}
	return nil, false
}

// RecoveryMode returns the configured mode, consecutive by default.
func (s *Strategy) RecoveryMode() string {
	if s.Recovery.Mode == RecoveryTotal {
		return RecoveryTotal
	}
	return RecoveryConsecutive
}

// RecoveryWindow is the number of quiet intervals required, at least one.
func (s *Strategy) RecoveryWindow() int {
	if s.Recovery.CheckWindow <= 0 {
		return 1
	}
	return s.Recovery.CheckWindow
}

// TriggerConfig returns the trigger with defaults applied.
func (s *Strategy) TriggerConfig() Trigger {
	t := s.Trigger
	if t.Count <= 0 {
		t.Count = 1
	}
	if t.CheckWindow < t.Count {
		t.CheckWindow = t.Count
	}
	return t
}

// HasLabel reports whether the strategy carries the label.
func (s *Strategy) HasLabel(label string) bool {
	for _, l := range s.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Recipients collects the user groups interested in a signal.
func (s *Strategy) Recipients(signal ActionSignal) []string {
	seen := map[string]struct{}{}
	out := []string{}
	add := func(groups []string) {
		for _, g := range groups {
			if _, ok := seen[g]; ok {
				continue
			}
			seen[g] = struct{}{}
			out = append(out, g)
		}
	}
	if len(s.Notice.Signals) == 0 || containsString(s.Notice.Signals, string(signal)) {
		add(s.Notice.UserGroups)
	}
	for _, a := range s.Actions {
		if containsString(a.Signals, string(signal)) {
			add(a.UserGroups)
		}
	}
	return out
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
