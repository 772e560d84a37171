package model

import (
	"regexp"
	"strings"
)

// Shield categories.
const (
	ShieldDimension = "dimension"
	ShieldStrategy  = "strategy"
	ShieldAlert     = "alert"
	ShieldScope     = "scope"
)

// DimensionCondition is one predicate in a condition list. Condition "or" starts a new group;
// conditions inside a group are AND-ed.
type DimensionCondition struct {
	Key       string   `json:"key"`
	Method    string   `json:"method"`
	Value     []string `json:"value"`
	Condition string   `json:"condition,omitempty"`
}

// Shield suppresses notifications for matching alerts inside [BeginTime, EndTime).
type Shield struct {
	ID                  string               `json:"id"`
	BkBizID             int64                `json:"bk_biz_id"`
	Category            string               `json:"category"`
	DimensionConditions []DimensionCondition `json:"dimension_conditions,omitempty"`
	StrategyID          int64                `json:"strategy_id,omitempty"`
	Fingerprint         string               `json:"fingerprint,omitempty"`
	BeginTime           int64                `json:"begin_time"`
	EndTime             int64                `json:"end_time"`
	Description         string               `json:"description,omitempty"`
	Auto                bool                 `json:"auto,omitempty"`
}

func (s *Shield) ActiveAt(t int64) bool {
	return t >= s.BeginTime && (s.EndTime == 0 || t < s.EndTime)
}

// Expired reports whether the shield can no longer become active.
func (s *Shield) Expired(t int64) bool { return s.EndTime != 0 && t >= s.EndTime }

// Match reports whether the shield covers the alert at time t.
func (s *Shield) Match(a *Alert, t int64) bool {
	if !s.ActiveAt(t) {
		return false
	}
	if s.BkBizID != 0 && s.BkBizID != a.BkBizID {
		return false
	}
	switch s.Category {
	case ShieldStrategy:
		if a.StrategyID == nil || *a.StrategyID != s.StrategyID {
			return false
		}
		return len(s.DimensionConditions) == 0 || MatchConditions(s.DimensionConditions, a.DimensionMap())
	case ShieldAlert:
		return s.Fingerprint != "" && s.Fingerprint == a.Fingerprint
	default:
		return MatchConditions(s.DimensionConditions, a.DimensionMap())
	}
}

// MatchConditions evaluates an and/or condition list against dimensions.
// An empty list matches nothing.
func MatchConditions(conds []DimensionCondition, dims map[string]string) bool {
	if len(conds) == 0 {
		return false
	}
	groupOK := true
	for i, c := range conds {
		if i > 0 && strings.EqualFold(c.Condition, "or") {
			if groupOK {
				return true
			}
			groupOK = true
		}
		if groupOK && !matchCondition(c, dims) {
			groupOK = false
		}
	}
	return groupOK
}

func matchCondition(c DimensionCondition, dims map[string]string) bool {
	v, ok := dims[c.Key]
	switch strings.ToLower(c.Method) {
	case "", "eq":
		return ok && containsString(c.Value, v)
	case "neq":
		return !ok || !containsString(c.Value, v)
	case "include":
		if !ok {
			return false
		}
		for _, want := range c.Value {
			if strings.Contains(v, want) {
				return true
			}
		}
		return false
	case "exclude":
		for _, want := range c.Value {
			if ok && strings.Contains(v, want) {
				return false
			}
		}
		return true
	case "reg":
		if !ok {
			return false
		}
		for _, pattern := range c.Value {
			re, err := regexp.Compile(pattern)
			if err != nil {
				continue
			}
			if re.MatchString(v) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
