package datasource

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
)

// TimeRange is a half-open [Start, End) window in unix seconds.
type TimeRange struct {
	Start int64
	End   int64
}

func (r TimeRange) StartTime() time.Time { return time.Unix(r.Start, 0) }
func (r TimeRange) EndTime() time.Time   { return time.Unix(r.End, 0) }

// Series is the result of one query, ordered by timestamp ascending.
type Series []model.DataPoint

// All yields the points in order. The sequence can be ranged over any number of times.
func (s Series) All() iter.Seq[model.DataPoint] {
	return func(yield func(model.DataPoint) bool) {
		for _, p := range s {
			if !yield(p) {
				return
			}
		}
	}
}

// Backend queries one kind of storage. Implementations return errors marked with
// model.BackendUnavailable or model.InvalidQuery; an empty result is not an error.
type Backend interface {
	Query(ctx context.Context, qc *model.QueryConfig, r TimeRange) (Series, error)
}

// Key selects a backend by data source and data type labels.
type Key struct {
	DataSource string
	DataType   string
}

// Registry maps label pairs to backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[Key]Backend
}

func NewRegistry() *Registry { return &Registry{backends: map[Key]Backend{}} }

func (r *Registry) Register(source, dtype string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[Key{DataSource: source, DataType: dtype}] = b
}

func (r *Registry) Lookup(source, dtype string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[Key{DataSource: source, DataType: dtype}]
	return b, ok
}

func sortSeries(s Series) {
	sort.SliceStable(s, func(i, j int) bool { return s[i].Timestamp < s[j].Timestamp })
}

// aggInterval returns the query step in seconds, 60 when unset.
func aggInterval(qc *model.QueryConfig) int64 {
	if qc.AggInterval <= 0 {
		return 60
	}
	return qc.AggInterval
}

// toDimensionConditions adapts query filters to the shared condition matcher.
func toDimensionConditions(conds []model.Condition) []model.DimensionCondition {
	out := make([]model.DimensionCondition, len(conds))
	for i, c := range conds {
		out[i] = model.DimensionCondition{Key: c.Key, Method: c.Method, Value: c.Value, Condition: c.Condition}
	}
	return out
}
