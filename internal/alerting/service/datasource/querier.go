package datasource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/selfmon"
	"github.com/rs/zerolog/log"
)

type QuerierOptions struct {
	SlotTimeout time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// App is reported in the query metrics as the caller.
	App string
}

// Querier is the facade the detector uses. It picks the backend, bounds each attempt by the
// slot timeout, retries unavailable backends with exponential backoff and records metrics.
type Querier struct {
	registry *Registry
	opts     QuerierOptions
	metrics  *selfmon.Metrics
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewQuerier(reg *Registry, opts QuerierOptions, m *selfmon.Metrics) *Querier {
	if opts.SlotTimeout <= 0 {
		opts.SlotTimeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 5 * time.Second
	}
	if opts.App == "" {
		opts.App = "alarm_backends"
	}
	return &Querier{registry: reg, opts: opts, metrics: m, sleep: sleepCtx}
}

// Query returns the points of qc within r tagged with ref.
func (q *Querier) Query(ctx context.Context, qc *model.QueryConfig, r TimeRange, ref model.ItemRef) (Series, error) {
	backend, ok := q.registry.Lookup(qc.DataSourceLabel, qc.DataTypeLabel)
	if !ok {
		return nil, model.InvalidQuery(fmt.Errorf("no backend for %s/%s", qc.DataSourceLabel, qc.DataTypeLabel))
	}

	var lastErr error
	for attempt := 0; attempt < q.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := q.sleep(ctx, q.backoff(attempt)); err != nil {
				return nil, model.Transient(err)
			}
		}
		series, err := q.once(ctx, backend, qc, r)
		if err == nil {
			for i := range series {
				series[i].ItemRef = ref
				series[i].RecordID = model.NewRecordID(ref, series[i].Dimensions, series[i].Timestamp)
				if series[i].Unit == "" {
					series[i].Unit = qc.Unit
				}
			}
			sortSeries(series)
			return series, nil
		}
		lastErr = err
		if model.Is(err, model.ErrInvalidQuery) || ctx.Err() != nil {
			break
		}
		log.Warn().Err(err).Str("stage", "datasource").Str("table", qc.Table()).
			Int("attempt", attempt+1).Msg("query failed, retrying")
	}
	return nil, lastErr
}

func (q *Querier) once(ctx context.Context, b Backend, qc *model.QueryConfig, r TimeRange) (Series, error) {
	slotCtx, cancel := context.WithTimeout(ctx, q.opts.SlotTimeout)
	defer cancel()
	start := time.Now()
	series, err := b.Query(slotCtx, qc, r)
	status := "success"
	switch {
	case err == nil:
	case model.Is(err, model.ErrInvalidQuery):
		status = "invalid_query"
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(slotCtx.Err(), context.DeadlineExceeded):
		status = "timeout"
		err = model.BackendUnavailable(err)
	default:
		status = "unavailable"
		if !model.Is(err, model.ErrBackendUnavailable) {
			err = model.BackendUnavailable(err)
		}
	}
	q.metrics.ObserveQuery(qc.DataSourceLabel, qc.DataTypeLabel, qc.Table(), status, q.opts.App, time.Since(start))
	return series, err
}

// backoff is base*2^(attempt-1) capped at MaxDelay.
func (q *Querier) backoff(attempt int) time.Duration {
	d := q.opts.BaseDelay << (attempt - 1)
	if d <= 0 || d > q.opts.MaxDelay {
		return q.opts.MaxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
