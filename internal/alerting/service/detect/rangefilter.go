package detect

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/redis/go-redis/v9"
)

// DimensionRangeFilter decides whether a dimension set still has live targets behind it.
// Nodata is not reported for sets outside the range.
type DimensionRangeFilter interface {
	InScope(ctx context.Context, st *model.Strategy, dims map[string]string) (bool, error)
}

// TargetCounter reports how many active targets sit behind one dimension value.
// known is false when the counter has no opinion about the pair.
type TargetCounter interface {
	ActiveTargets(ctx context.Context, key, value string) (n int, known bool, err error)
}

// ActiveTargetFilter puts a dimension set out of range when any of its values is known to
// have no active target.
type ActiveTargetFilter struct {
	Counter TargetCounter
}

func (f ActiveTargetFilter) InScope(ctx context.Context, _ *model.Strategy, dims map[string]string) (bool, error) {
	for _, k := range model.SortedKeys(dims) {
		n, known, err := f.Counter.ActiveTargets(ctx, k, dims[k])
		if err != nil {
			return true, err
		}
		if known && n == 0 {
			return false, nil
		}
	}
	return true, nil
}

// StaticTargets is an in-memory TargetCounter keyed by "key=value".
type StaticTargets struct {
	mu     sync.RWMutex
	counts map[string]int
}

func NewStaticTargets() *StaticTargets { return &StaticTargets{counts: map[string]int{}} }

func (s *StaticTargets) Set(key, value string, n int) {
	s.mu.Lock()
	s.counts[key+"="+value] = n
	s.mu.Unlock()
}

func (s *StaticTargets) ActiveTargets(_ context.Context, key, value string) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.counts[key+"="+value]
	return n, ok, nil
}

// RedisTargets reads the hash {prefix}meta:targets with fields "key=value" -> active count,
// kept up to date by the cmdb sync job.
type RedisTargets struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisTargets(rdb *redis.Client, prefix string) *RedisTargets {
	return &RedisTargets{rdb: rdb, prefix: prefix}
}

func (r *RedisTargets) ActiveTargets(ctx context.Context, key, value string) (int, bool, error) {
	raw, err := r.rdb.HGet(ctx, r.prefix+"meta:targets", key+"="+value).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, model.Transient(fmt.Errorf("hget targets %s=%s: %w", key, value, err))
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, nil
	}
	return n, true, nil
}
