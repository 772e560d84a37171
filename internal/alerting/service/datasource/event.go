package datasource

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/database"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
)

// EventBackend counts custom and system events stored in PostgreSQL per aggregation interval.
//
// Expected table:
//
//	event_records(time BIGINT, bk_biz_id BIGINT, table_id TEXT, event_name TEXT, dimensions JSONB)
type EventBackend struct {
	DB    *database.Database
	Table string
}

func NewEventBackend(db *database.Database) *EventBackend {
	return &EventBackend{DB: db, Table: "event_records"}
}

type eventRow struct {
	Bucket     int64
	Dimensions map[string]string
	Count      float64
}

func (b *EventBackend) buildQuery(qc *model.QueryConfig, r TimeRange) (string, []any, error) {
	interval := aggInterval(qc)
	bucket := fmt.Sprintf("(time / %d) * %d", interval, interval)
	builder := squirrel.
		Select(bucket+" AS bucket", "dimensions::text", "COUNT(*)").
		From(b.Table).
		Where(squirrel.Eq{"table_id": qc.ResultTable}).
		Where(squirrel.GtOrEq{"time": r.Start}).
		Where(squirrel.Lt{"time": r.End})
	if qc.MetricField != "" {
		builder = builder.Where(squirrel.Eq{"event_name": qc.MetricField})
	}
	return builder.
		GroupBy("bucket", "dimensions::text").
		OrderBy("bucket").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
}

func (b *EventBackend) Query(ctx context.Context, qc *model.QueryConfig, r TimeRange) (Series, error) {
	if qc.ResultTable == "" {
		return nil, model.InvalidQuery(fmt.Errorf("event query without result_table_id"))
	}
	query, args, err := b.buildQuery(qc, r)
	if err != nil {
		return nil, model.InvalidQuery(fmt.Errorf("failed to build query: %w", err))
	}
	rows, err := b.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.BackendUnavailable(fmt.Errorf("query events: %w", err))
	}
	defer rows.Close()

	var raw []eventRow
	for rows.Next() {
		var (
			row      eventRow
			dimsJSON string
		)
		if err := rows.Scan(&row.Bucket, &dimsJSON, &row.Count); err != nil {
			return nil, model.BackendUnavailable(fmt.Errorf("scan event row: %w", err))
		}
		row.Dimensions = map[string]string{}
		_ = json.Unmarshal([]byte(dimsJSON), &row.Dimensions)
		raw = append(raw, row)
	}
	if err := rows.Err(); err != nil {
		return nil, model.BackendUnavailable(fmt.Errorf("iterate event rows: %w", err))
	}
	return aggregateEvents(raw, qc), nil
}

// aggregateEvents applies dimension filters, projects rows onto agg_dimension and sums counts
// of rows that collapse into the same (bucket, dimensions).
func aggregateEvents(rows []eventRow, qc *model.QueryConfig) Series {
	conds := toDimensionConditions(qc.AggCondition)
	type key struct {
		bucket int64
		dims   string
	}
	sums := map[key]*model.DataPoint{}
	order := []key{}
	for _, row := range rows {
		if len(conds) > 0 && !model.MatchConditions(conds, row.Dimensions) {
			continue
		}
		dims := model.Subset(row.Dimensions, qc.AggDimension)
		k := key{bucket: row.Bucket, dims: model.CanonicalKey(dims)}
		p, ok := sums[k]
		if !ok {
			p = &model.DataPoint{Timestamp: row.Bucket, Dimensions: dims}
			sums[k] = p
			order = append(order, k)
		}
		p.Value += row.Count
	}
	out := make(Series, 0, len(order))
	for _, k := range order {
		out = append(out, *sums[k])
	}
	sortSeries(out)
	return out
}
