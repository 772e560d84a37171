package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Masterminds/squirrel"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/database"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"gopkg.in/yaml.v3"
)

// Batch is one pull from a strategy source.
type Batch struct {
	Strategies []*model.Strategy
	// Deleted lists ids removed since the cursor. Full batches replace everything instead.
	Deleted []int64
	Full    bool
	// Cursor is the highest update_time seen, used for the next incremental pull.
	Cursor int64
}

// Source pulls strategies. since == 0 asks for a full load.
type Source interface {
	Pull(ctx context.Context, since int64) (*Batch, error)
}

// PgSource reads alarm_strategy rows whose config column holds the strategy JSON.
type PgSource struct {
	DB    *database.Database
	Table string
}

func NewPgSource(db *database.Database) *PgSource { return &PgSource{DB: db, Table: "alarm_strategy"} }

func (s *PgSource) buildQuery(since int64) (string, []any, error) {
	builder := squirrel.
		Select("id", "config", "is_deleted", "update_time").
		From(s.Table)
	if since > 0 {
		builder = builder.Where(squirrel.Gt{"update_time": since})
	} else {
		builder = builder.Where(squirrel.Eq{"is_deleted": false})
	}
	return builder.OrderBy("update_time").PlaceholderFormat(squirrel.Dollar).ToSql()
}

func (s *PgSource) Pull(ctx context.Context, since int64) (*Batch, error) {
	query, args, err := s.buildQuery(since)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.Transient(fmt.Errorf("query strategies: %w", err))
	}
	defer rows.Close()

	batch := &Batch{Full: since == 0, Cursor: since}
	for rows.Next() {
		var (
			id         int64
			raw        string
			deleted    bool
			updateTime int64
		)
		if err := rows.Scan(&id, &raw, &deleted, &updateTime); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		if updateTime > batch.Cursor {
			batch.Cursor = updateTime
		}
		if deleted {
			batch.Deleted = append(batch.Deleted, id)
			continue
		}
		var st model.Strategy
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			// one broken row must not block the rest
			continue
		}
		st.ID = id
		st.UpdateTime = updateTime
		batch.Strategies = append(batch.Strategies, &st)
	}
	return batch, rows.Err()
}

// FileSource loads a yaml list of strategies. Every pull is a full load.
type FileSource struct {
	Path string
}

type strategyFile struct {
	Strategies []*model.Strategy `yaml:"strategies"`
}

func (s *FileSource) Pull(_ context.Context, _ int64) (*Batch, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read strategy file %s: %w", s.Path, err)
	}
	return ParseStrategies(data)
}

// ParseStrategies decodes a strategies yaml document.
func ParseStrategies(data []byte) (*Batch, error) {
	var f strategyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, model.Invalid(fmt.Errorf("parse strategies: %w", err))
	}
	batch := &Batch{Full: true}
	for _, st := range f.Strategies {
		if st == nil || st.ID == 0 {
			continue
		}
		if st.UpdateTime > batch.Cursor {
			batch.Cursor = st.UpdateTime
		}
		batch.Strategies = append(batch.Strategies, st)
	}
	return batch, nil
}
