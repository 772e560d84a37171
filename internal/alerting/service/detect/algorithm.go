package detect

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
)

// Directions attached to anomaly events.
const (
	DirectionCeil  = "ceil"
	DirectionFloor = "floor"
)

// Anomaly is a positive algorithm result for one point.
type Anomaly struct {
	Level     model.Severity
	Direction string
	Message   string
}

// History returns the value the series had offset seconds before the point.
type History func(offset int64) (float64, bool)

// Algorithm evaluates a single point.
type Algorithm interface {
	Detect(p model.DataPoint, history History) (Anomaly, bool)
	// HistoryOffsets lists the offsets, in seconds, the algorithm reads through History.
	HistoryOffsets() []int64
}

// NewAlgorithm builds the detector of one configured algorithm.
func NewAlgorithm(cfg model.Algorithm, interval int64) (Algorithm, error) {
	switch cfg.Type {
	case model.AlgorithmThreshold:
		if len(cfg.Threshold) == 0 {
			return nil, model.Invalidf("threshold algorithm without conditions")
		}
		for _, group := range cfg.Threshold {
			for _, c := range group {
				if _, ok := compare[strings.ToLower(c.Method)]; !ok {
					return nil, model.Invalidf("unknown threshold method %q", c.Method)
				}
			}
		}
		return &Threshold{Level: cfg.Level, Groups: cfg.Threshold}, nil
	case model.AlgorithmSimpleRingRatio:
		if cfg.Floor == nil && cfg.Ceil == nil {
			return nil, model.Invalidf("ring ratio algorithm without floor or ceil")
		}
		if interval <= 0 {
			interval = 60
		}
		return &RingRatio{Level: cfg.Level, Floor: cfg.Floor, Ceil: cfg.Ceil, Interval: interval}, nil
	default:
		return nil, model.Invalidf("unsupported algorithm %q", cfg.Type)
	}
}

var compare = map[string]func(v, t float64) bool{
	"gt":  func(v, t float64) bool { return v > t },
	"gte": func(v, t float64) bool { return v >= t },
	"lt":  func(v, t float64) bool { return v < t },
	"lte": func(v, t float64) bool { return v <= t },
	"eq":  func(v, t float64) bool { return v == t },
	"neq": func(v, t float64) bool { return v != t },
}

// Threshold matches when any group has all its conditions true.
type Threshold struct {
	Level  model.Severity
	Groups [][]model.ThresholdCondition
}

func (t *Threshold) HistoryOffsets() []int64 { return nil }

func (t *Threshold) Detect(p model.DataPoint, _ History) (Anomaly, bool) {
	for _, group := range t.Groups {
		if len(group) == 0 {
			continue
		}
		matched := true
		for _, c := range group {
			if !compare[strings.ToLower(c.Method)](p.Value, c.Threshold) {
				matched = false
				break
			}
		}
		if matched {
			return Anomaly{
				Level:     t.Level,
				Direction: thresholdDirection(group[0].Method),
				Message:   describe(group, p.Value),
			}, true
		}
	}
	return Anomaly{}, false
}

func thresholdDirection(method string) string {
	switch strings.ToLower(method) {
	case "lt", "lte":
		return DirectionFloor
	default:
		return DirectionCeil
	}
}

var methodSymbols = map[string]string{"gt": ">", "gte": ">=", "lt": "<", "lte": "<=", "eq": "=", "neq": "!="}

func describe(group []model.ThresholdCondition, v float64) string {
	parts := make([]string, 0, len(group))
	for _, c := range group {
		parts = append(parts, methodSymbols[strings.ToLower(c.Method)]+formatFloat(c.Threshold))
	}
	return fmt.Sprintf("当前值%s满足条件(%s)", formatFloat(v), strings.Join(parts, " and "))
}

// RingRatio compares a point with the point one interval earlier.
type RingRatio struct {
	Level    model.Severity
	Floor    *float64 // percent drop
	Ceil     *float64 // percent rise
	Interval int64
}

func (r *RingRatio) HistoryOffsets() []int64 { return []int64{r.Interval} }

func (r *RingRatio) Detect(p model.DataPoint, history History) (Anomaly, bool) {
	prev, ok := history(r.Interval)
	if !ok || prev == 0 {
		return Anomaly{}, false
	}
	pct := (p.Value - prev) / math.Abs(prev) * 100
	if r.Ceil != nil && pct >= *r.Ceil {
		return Anomaly{Level: r.Level, Direction: DirectionCeil,
			Message: fmt.Sprintf("较前一周期(%s)上升%s%%", formatFloat(prev), formatFloat(pct))}, true
	}
	if r.Floor != nil && -pct >= *r.Floor {
		return Anomaly{Level: r.Level, Direction: DirectionFloor,
			Message: fmt.Sprintf("较前一周期(%s)下降%s%%", formatFloat(prev), formatFloat(-pct))}, true
	}
	return Anomaly{}, false
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// itemAlgorithms evaluates every algorithm of an item and keeps the most severe anomaly.
type itemAlgorithms []Algorithm

func buildItemAlgorithms(item *model.Item, interval int64) (itemAlgorithms, error) {
	out := make(itemAlgorithms, 0, len(item.Algorithms))
	for _, cfg := range item.Algorithms {
		a, err := NewAlgorithm(cfg, interval)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", item.ID, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (as itemAlgorithms) Detect(p model.DataPoint, history History) (Anomaly, bool) {
	var best Anomaly
	found := false
	for _, a := range as {
		an, ok := a.Detect(p, history)
		if ok && (!found || an.Level.HigherThan(best.Level)) {
			best, found = an, true
		}
	}
	return best, found
}
