package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/config"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient constructs a redis client from app config.
func NewRedisClient(c *config.RedisConfig) *redis.Client {
	if c == nil {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})
}

// RedisStore implements Store on a single redis node. Every key carries the configured prefix.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) Client() *redis.Client { return s.rdb }

func (s *RedisStore) k(parts ...string) string {
	key := s.prefix
	for i, p := range parts {
		if i > 0 {
			key += "/"
		}
		key += p
	}
	return key
}

func (s *RedisStore) openKey(fp string) string { return s.k("alert", fp) }
func (s *RedisStore) openIndex() string        { return s.k("alert", "open") }
func (s *RedisStore) histKey(id int64) string {
	return s.k("alert", "hist", strconv.FormatInt(id, 10))
}

func (s *RedisStore) GetOpen(ctx context.Context, fp string) (*model.Alert, error) {
	data, err := s.rdb.Get(ctx, s.openKey(fp)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, model.Transient(fmt.Errorf("get alert %s: %w", fp, err))
	}
	var a model.Alert
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode alert %s: %w", fp, err)
	}
	return &a, nil
}

func (s *RedisStore) PutOpen(ctx context.Context, a *model.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert %d: %w", a.ID, err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.openKey(a.Fingerprint), data, 0)
		pipe.ZAdd(ctx, s.openIndex(), redis.Z{Score: float64(a.ID), Member: a.Fingerprint})
		return nil
	})
	if err != nil {
		return model.Transient(fmt.Errorf("put alert %d: %w", a.ID, err))
	}
	return nil
}

func (s *RedisStore) OpenFingerprints(ctx context.Context, limit int) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	fps, err := s.rdb.ZRange(ctx, s.openIndex(), 0, stop).Result()
	if err != nil {
		return nil, model.Transient(fmt.Errorf("list open alerts: %w", err))
	}
	return fps, nil
}

func (s *RedisStore) ListOpen(ctx context.Context, limit int) ([]*model.Alert, error) {
	fps, err := s.OpenFingerprints(ctx, limit)
	if err != nil || len(fps) == 0 {
		return nil, err
	}
	keys := make([]string, len(fps))
	for i, fp := range fps {
		keys[i] = s.openKey(fp)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, model.Transient(fmt.Errorf("mget open alerts: %w", err))
	}
	out := make([]*model.Alert, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var a model.Alert
		if err := json.Unmarshal([]byte(str), &a); err != nil {
			continue
		}
		out = append(out, &a)
	}
	return out, nil
}

// archiveScript removes the open entry only when it still holds the archived alert id.
var archiveScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
  local obj = cjson.decode(v)
  if obj.id == tonumber(ARGV[1]) then
    redis.call('DEL', KEYS[1])
    redis.call('ZREM', KEYS[2], ARGV[2])
  end
end
redis.call('RPUSH', KEYS[3], ARGV[3])
return 1
`)

func (s *RedisStore) Archive(ctx context.Context, a *model.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert %d: %w", a.ID, err)
	}
	keys := []string{s.openKey(a.Fingerprint), s.openIndex(), s.histKey(a.ID)}
	if err := archiveScript.Run(ctx, s.rdb, keys, a.ID, a.Fingerprint, data).Err(); err != nil {
		return model.Transient(fmt.Errorf("archive alert %d: %w", a.ID, err))
	}
	return nil
}

func (s *RedisStore) AppendHistory(ctx context.Context, a *model.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert %d: %w", a.ID, err)
	}
	if err := s.rdb.RPush(ctx, s.histKey(a.ID), data).Err(); err != nil {
		return model.Transient(fmt.Errorf("append history %d: %w", a.ID, err))
	}
	return nil
}

func (s *RedisStore) GetHistory(ctx context.Context, id int64) ([]*model.Alert, error) {
	vals, err := s.rdb.LRange(ctx, s.histKey(id), 0, -1).Result()
	if err != nil {
		return nil, model.Transient(fmt.Errorf("get history %d: %w", id, err))
	}
	out := make([]*model.Alert, 0, len(vals))
	for _, v := range vals {
		var a model.Alert
		if err := json.Unmarshal([]byte(v), &a); err != nil {
			return nil, fmt.Errorf("decode history %d: %w", id, err)
		}
		out = append(out, &a)
	}
	return out, nil
}

func (s *RedisStore) NextAlertID(ctx context.Context) (int64, error) {
	id, err := s.rdb.Incr(ctx, s.k("alert", "seq")).Result()
	if err != nil {
		return 0, model.Transient(fmt.Errorf("next alert id: %w", err))
	}
	return id, nil
}

func (s *RedisStore) PutShield(ctx context.Context, sh *model.Shield) error {
	data, err := json.Marshal(sh)
	if err != nil {
		return fmt.Errorf("encode shield %s: %w", sh.ID, err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.k("shield", sh.ID), data, 0)
		pipe.SAdd(ctx, s.k("shield", "index"), sh.ID)
		return nil
	})
	if err != nil {
		return model.Transient(fmt.Errorf("put shield %s: %w", sh.ID, err))
	}
	return nil
}

func (s *RedisStore) DeleteShield(ctx context.Context, id string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.k("shield", id))
		pipe.SRem(ctx, s.k("shield", "index"), id)
		return nil
	})
	if err != nil {
		return model.Transient(fmt.Errorf("delete shield %s: %w", id, err))
	}
	return nil
}

func (s *RedisStore) ListShields(ctx context.Context) ([]*model.Shield, error) {
	ids, err := s.rdb.SMembers(ctx, s.k("shield", "index")).Result()
	if err != nil {
		return nil, model.Transient(fmt.Errorf("list shields: %w", err))
	}
	out := []*model.Shield{}
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.k("shield", id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, model.Transient(fmt.Errorf("mget shields: %w", err))
	}
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var sh model.Shield
		if json.Unmarshal([]byte(str), &sh) == nil {
			out = append(out, &sh)
		}
	}
	return out, nil
}

func (s *RedisStore) PutScope(ctx context.Context, sc *model.Scope) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("encode scope %s: %w", sc.Key(), err)
	}
	key := s.k(scopeKey(sc.Key()))
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		pipe.ExpireAt(ctx, key, time.Unix(sc.EndTime(), 0))
		pipe.SAdd(ctx, s.k("qos", "scope", "index"), key)
		return nil
	})
	if err != nil {
		return model.Transient(fmt.Errorf("put scope %s: %w", sc.Key(), err))
	}
	return nil
}

func (s *RedisStore) DeleteScope(ctx context.Context, sk model.ScopeKey) error {
	key := s.k(scopeKey(sk))
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.SRem(ctx, s.k("qos", "scope", "index"), key)
		return nil
	})
	if err != nil {
		return model.Transient(fmt.Errorf("delete scope %s: %w", sk, err))
	}
	return nil
}

func (s *RedisStore) ListScopes(ctx context.Context) ([]*model.Scope, error) {
	index := s.k("qos", "scope", "index")
	keys, err := s.rdb.SMembers(ctx, index).Result()
	if err != nil {
		return nil, model.Transient(fmt.Errorf("list scopes: %w", err))
	}
	out := []*model.Scope{}
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, model.Transient(fmt.Errorf("mget scopes: %w", err))
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// expired, drop from index
			s.rdb.SRem(ctx, index, keys[i])
			continue
		}
		var sc model.Scope
		if json.Unmarshal([]byte(str), &sc) == nil {
			out = append(out, &sc)
		}
	}
	return out, nil
}

func (s *RedisStore) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.k(key), 1, ttl).Result()
	if err != nil {
		return false, model.Transient(fmt.Errorf("mark %s: %w", key, err))
	}
	return ok, nil
}

func (s *RedisStore) Marked(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.k(key)).Result()
	if err != nil {
		return false, model.Transient(fmt.Errorf("check mark %s: %w", key, err))
	}
	return n > 0, nil
}

func (s *RedisStore) GetBlob(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, s.k(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, model.Transient(fmt.Errorf("get %s: %w", key, err))
	}
	return data, nil
}

func (s *RedisStore) PutBlob(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, s.k(key), data, ttl).Err(); err != nil {
		return model.Transient(fmt.Errorf("put %s: %w", key, err))
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }
