package datasource

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	promModel "github.com/prometheus/common/model"
	"github.com/rs/zerolog/log"
)

// PrometheusBackend serves time series configs through the Prometheus range query API.
type PrometheusBackend struct {
	api v1.API
}

func NewPrometheusBackend(address string) (*PrometheusBackend, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	return &PrometheusBackend{api: v1.NewAPI(client)}, nil
}

// NewPrometheusBackendWithAPI is used when the caller owns the API client.
func NewPrometheusBackendWithAPI(a v1.API) *PrometheusBackend { return &PrometheusBackend{api: a} }

func (p *PrometheusBackend) Query(ctx context.Context, qc *model.QueryConfig, r TimeRange) (Series, error) {
	query, err := BuildPromQL(qc)
	if err != nil {
		return nil, err
	}
	step := time.Duration(aggInterval(qc)) * time.Second
	result, warnings, err := p.api.QueryRange(ctx, query, v1.Range{
		Start: r.StartTime(),
		End:   r.EndTime().Add(-time.Second),
		Step:  step,
	})
	if err != nil {
		var apiErr *v1.Error
		if errors.As(err, &apiErr) && (apiErr.Type == v1.ErrBadData || apiErr.Type == v1.ErrExec) {
			return nil, model.InvalidQuery(fmt.Errorf("promql %q: %w", query, err))
		}
		return nil, model.BackendUnavailable(fmt.Errorf("failed to query prometheus: %w", err))
	}
	if len(warnings) > 0 {
		log.Debug().Strs("warnings", warnings).Str("query", query).Msg("prometheus warnings")
	}
	matrix, ok := result.(promModel.Matrix)
	if !ok {
		return nil, model.BackendUnavailable(fmt.Errorf("unexpected result type: %T", result))
	}
	return matrixToSeries(matrix), nil
}

func matrixToSeries(matrix promModel.Matrix) Series {
	var out Series
	for _, stream := range matrix {
		dims := make(map[string]string, len(stream.Metric))
		for k, v := range stream.Metric {
			if k == promModel.MetricNameLabel {
				continue
			}
			dims[string(k)] = string(v)
		}
		for _, pair := range stream.Values {
			v := float64(pair.Value)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			out = append(out, model.DataPoint{
				Value:      v,
				Timestamp:  pair.Timestamp.Unix(),
				Dimensions: dims,
			})
		}
	}
	return out
}

var aggMethods = map[string]string{
	"avg": "avg", "mean": "avg", "sum": "sum", "min": "min", "max": "max", "count": "count",
}

// BuildPromQL turns a query config into a range query. A prometheus config with a raw query
// string is passed through.
func BuildPromQL(qc *model.QueryConfig) (string, error) {
	if qc.DataSourceLabel == model.DataSourcePrometheus && strings.TrimSpace(qc.Query) != "" {
		return qc.Query, nil
	}
	metric := metricName(qc)
	if metric == "" {
		return "", model.InvalidQuery(fmt.Errorf("query config without metric"))
	}
	method, ok := aggMethods[strings.ToLower(qc.AggMethod)]
	if !ok {
		if qc.AggMethod != "" {
			return "", model.InvalidQuery(fmt.Errorf("unsupported agg_method %q", qc.AggMethod))
		}
		method = "avg"
	}
	outer := method
	if method == "count" {
		outer = "sum"
	}

	groups, err := matcherGroups(qc.AggCondition)
	if err != nil {
		return "", err
	}
	window := fmt.Sprintf("[%ds]", aggInterval(qc))
	inner := make([]string, 0, len(groups))
	for _, g := range groups {
		sel := metric
		if len(g) > 0 {
			sel += "{" + strings.Join(g, ",") + "}"
		}
		inner = append(inner, fmt.Sprintf("%s_over_time(%s%s)", method, sel, window))
	}

	by := ""
	if len(qc.AggDimension) > 0 {
		dims := append([]string(nil), qc.AggDimension...)
		sort.Strings(dims)
		by = " by (" + strings.Join(dims, ", ") + ")"
	}
	return fmt.Sprintf("%s%s (%s)", outer, by, strings.Join(inner, " or ")), nil
}

// metricName maps bk_monitor tables to their recording rule name, e.g.
// system.cpu_summary + usage -> bkmonitor:system:cpu_summary:usage.
func metricName(qc *model.QueryConfig) string {
	field := strings.TrimSpace(qc.MetricField)
	if qc.ResultTable == "" {
		return field
	}
	if field == "" {
		return ""
	}
	return "bkmonitor:" + strings.ReplaceAll(qc.ResultTable, ".", ":") + ":" + field
}

// matcherGroups splits conditions on "or" and renders each group as label matchers.
func matcherGroups(conds []model.Condition) ([][]string, error) {
	groups := [][]string{{}}
	for i, c := range conds {
		if i > 0 && strings.EqualFold(c.Condition, "or") {
			groups = append(groups, []string{})
		}
		m, err := labelMatcher(c)
		if err != nil {
			return nil, err
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], m)
	}
	return groups, nil
}

func labelMatcher(c model.Condition) (string, error) {
	if c.Key == "" || len(c.Value) == 0 {
		return "", model.InvalidQuery(fmt.Errorf("incomplete condition on %q", c.Key))
	}
	quoted := make([]string, len(c.Value))
	for i, v := range c.Value {
		quoted[i] = regexp.QuoteMeta(v)
	}
	alt := strings.Join(quoted, "|")
	switch strings.ToLower(c.Method) {
	case "", "eq":
		if len(c.Value) == 1 {
			return fmt.Sprintf("%s=%q", c.Key, c.Value[0]), nil
		}
		return fmt.Sprintf("%s=~%q", c.Key, alt), nil
	case "neq":
		if len(c.Value) == 1 {
			return fmt.Sprintf("%s!=%q", c.Key, c.Value[0]), nil
		}
		return fmt.Sprintf("%s!~%q", c.Key, alt), nil
	case "include":
		return fmt.Sprintf("%s=~%q", c.Key, ".*("+alt+").*"), nil
	case "exclude":
		return fmt.Sprintf("%s!~%q", c.Key, ".*("+alt+").*"), nil
	case "reg":
		return fmt.Sprintf("%s=~%q", c.Key, strings.Join(c.Value, "|")), nil
	case "nreg":
		return fmt.Sprintf("%s!~%q", c.Key, strings.Join(c.Value, "|")), nil
	default:
		return "", model.InvalidQuery(fmt.Errorf("unsupported condition method %q", c.Method))
	}
}
