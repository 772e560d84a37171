package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
)

// LogSearchBackend queries the log search service's date histogram API, used for keyword
// counting (log) and log-derived time series.
type LogSearchBackend struct {
	baseURL    string
	httpClient *http.Client
}

func NewLogSearchBackend(baseURL string, timeout time.Duration) *LogSearchBackend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LogSearchBackend{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type logSearchRequest struct {
	IndexSetID  int64             `json:"index_set_id"`
	QueryString string            `json:"query_string"`
	StartTime   int64             `json:"start_time"`
	EndTime     int64             `json:"end_time"`
	Interval    int64             `json:"interval"`
	GroupBy     []string          `json:"group_by,omitempty"`
	Conditions  []model.Condition `json:"conditions,omitempty"`
	Metric      string            `json:"metric,omitempty"`
	Method      string            `json:"method,omitempty"`
}

type logSearchResponse struct {
	Result  bool   `json:"result"`
	Message string `json:"message"`
	Data    struct {
		Series []struct {
			Dimensions map[string]string `json:"dimensions"`
			// Points are [timestamp_seconds, value] pairs.
			Points [][2]float64 `json:"points"`
		} `json:"series"`
	} `json:"data"`
}

func (b *LogSearchBackend) Query(ctx context.Context, qc *model.QueryConfig, r TimeRange) (Series, error) {
	if qc.IndexSetID == 0 {
		return nil, model.InvalidQuery(fmt.Errorf("log query without index_set_id"))
	}
	body := logSearchRequest{
		IndexSetID:  qc.IndexSetID,
		QueryString: qc.Query,
		StartTime:   r.Start,
		EndTime:     r.End,
		Interval:    aggInterval(qc),
		GroupBy:     qc.AggDimension,
		Conditions:  qc.AggCondition,
	}
	if qc.DataTypeLabel == model.DataTypeTimeSeries {
		body.Metric = qc.MetricField
		body.Method = strings.ToLower(qc.AggMethod)
	}
	payload, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/v1/search/date_histogram", bytes.NewReader(payload))
	if err != nil {
		return nil, model.InvalidQuery(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, model.BackendUnavailable(fmt.Errorf("log search request: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, model.InvalidQuery(fmt.Errorf("log search status %d: %s", resp.StatusCode, msg))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, model.BackendUnavailable(fmt.Errorf("log search status %d", resp.StatusCode))
	}

	var out logSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, model.BackendUnavailable(fmt.Errorf("decode log search response: %w", err))
	}
	if !out.Result {
		return nil, model.InvalidQuery(fmt.Errorf("log search: %s", out.Message))
	}
	var series Series
	for _, s := range out.Data.Series {
		for _, p := range s.Points {
			series = append(series, model.DataPoint{
				Value:      p[1],
				Timestamp:  int64(p[0]),
				Dimensions: s.Dimensions,
			})
		}
	}
	return series, nil
}
