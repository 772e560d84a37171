package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultLeaseTTL = 5 * time.Second

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// RedisLocker hands out SET NX leases owned by a random token.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisLocker(rdb *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{rdb: rdb, prefix: prefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	lease := &redisLease{rdb: l.rdb, key: l.prefix + key, token: uuid.New().String(), ttl: ttl}
	ok, err := l.rdb.SetNX(ctx, lease.key, lease.token, ttl).Result()
	if err != nil {
		return nil, model.Transient(fmt.Errorf("failed to acquire lease %s: %w", key, err))
	}
	if !ok {
		return nil, ErrLocked
	}
	return lease, nil
}

type redisLease struct {
	rdb   *redis.Client
	key   string
	token string
	ttl   time.Duration
}

func (l *redisLease) Key() string   { return l.key }
func (l *redisLease) Token() string { return l.token }

func (l *redisLease) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return model.Transient(fmt.Errorf("failed to refresh lease %s: %w", l.key, err))
	}
	if n == 0 {
		return model.ErrLeaseNotHeld
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Int64()
	if err != nil {
		return model.Transient(fmt.Errorf("failed to release lease %s: %w", l.key, err))
	}
	if n == 0 {
		return model.ErrLeaseNotHeld
	}
	return nil
}

// MemoryLocker is the in-process Locker used by tests and memory mode.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memHold
	clock func() time.Time
}

type memHold struct {
	token  string
	expiry time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: map[string]memHold{}, clock: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if h, ok := l.held[key]; ok && now.Before(h.expiry) {
		return nil, ErrLocked
	}
	token := uuid.New().String()
	l.held[key] = memHold{token: token, expiry: now.Add(ttl)}
	return &memLease{l: l, key: key, token: token, ttl: ttl}, nil
}

type memLease struct {
	l     *MemoryLocker
	key   string
	token string
	ttl   time.Duration
}

func (m *memLease) Key() string   { return m.key }
func (m *memLease) Token() string { return m.token }

func (m *memLease) Refresh(context.Context) error {
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	h, ok := m.l.held[m.key]
	now := m.l.clock()
	if !ok || h.token != m.token || !now.Before(h.expiry) {
		return model.ErrLeaseNotHeld
	}
	h.expiry = now.Add(m.ttl)
	m.l.held[m.key] = h
	return nil
}

func (m *memLease) Release(context.Context) error {
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	h, ok := m.l.held[m.key]
	if !ok || h.token != m.token {
		return model.ErrLeaseNotHeld
	}
	delete(m.l.held, m.key)
	return nil
}
