package datasource

import (
	"context"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/store"
)

// DuplicateFilter drops points whose record id was already handed to the detector. Marks live
// for ten aggregation intervals.
type DuplicateFilter struct {
	Store store.Store
}

func NewDuplicateFilter(s store.Store) *DuplicateFilter { return &DuplicateFilter{Store: s} }

// Filter returns the unseen points. Points are kept when the store fails.
func (f *DuplicateFilter) Filter(ctx context.Context, s Series, interval int64) Series {
	if f == nil || f.Store == nil {
		return s
	}
	if interval <= 0 {
		interval = 60
	}
	ttl := time.Duration(interval*10) * time.Second
	out := s[:0:0]
	for _, p := range s {
		first, err := f.Store.MarkOnce(ctx, "access/point/"+p.RecordID, ttl)
		if err != nil || first {
			out = append(out, p)
		}
	}
	return out
}
