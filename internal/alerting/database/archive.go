package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ArchivePool writes alert snapshots to the alert_history table.
type ArchivePool struct {
	Pool *pgxpool.Pool
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS alert_history (
	alert_id     BIGINT PRIMARY KEY,
	fingerprint  TEXT NOT NULL,
	strategy_id  BIGINT,
	bk_biz_id    BIGINT NOT NULL,
	severity     SMALLINT NOT NULL,
	status       TEXT NOT NULL,
	begin_time   BIGINT NOT NULL,
	latest_time  BIGINT NOT NULL,
	end_time     BIGINT,
	snapshot     JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// NewArchivePool connects with a postgres:// url and ensures the table exists.
func NewArchivePool(ctx context.Context, url string) (*ArchivePool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, archiveSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create alert_history: %w", err)
	}
	return &ArchivePool{Pool: pool}, nil
}

// UpsertAlert stores the latest snapshot of an alert keyed by its id.
func (p *ArchivePool) UpsertAlert(ctx context.Context, a *model.Alert) error {
	snapshot, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert %d: %w", a.ID, err)
	}
	const q = `
		INSERT INTO alert_history (
			alert_id, fingerprint, strategy_id, bk_biz_id, severity, status,
			begin_time, latest_time, end_time, snapshot
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (alert_id) DO UPDATE SET
			severity = EXCLUDED.severity,
			status = EXCLUDED.status,
			latest_time = EXCLUDED.latest_time,
			end_time = COALESCE(alert_history.end_time, EXCLUDED.end_time),
			snapshot = EXCLUDED.snapshot,
			updated_at = NOW()
	`
	_, err = p.Pool.Exec(ctx, q, a.ID, a.Fingerprint, a.StrategyID, a.BkBizID, int(a.Severity),
		string(a.Status), a.BeginTime, a.LatestTime, a.EndTime, snapshot)
	if err != nil {
		return fmt.Errorf("upsert alert %d: %w", a.ID, err)
	}
	return nil
}

func (p *ArchivePool) Ping(ctx context.Context) error { return p.Pool.Ping(ctx) }

func (p *ArchivePool) Close() { p.Pool.Close() }
