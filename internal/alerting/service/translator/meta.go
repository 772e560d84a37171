package translator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// HostInfo is the cmdb view of a host used for display names.
type HostInfo struct {
	Hostname string `json:"bk_host_name"`
	OS       string `json:"bk_os_name,omitempty"`
	CloudID  int64  `json:"bk_cloud_id,omitempty"`
}

// MetaProvider resolves metadata used by translators. A miss returns ok=false with a nil error.
type MetaProvider interface {
	BizName(ctx context.Context, bizID int64) (string, bool, error)
	Host(ctx context.Context, ip string) (HostInfo, bool, error)
	APMLabel(ctx context.Context, key string) (string, bool, error)
	ClusterName(ctx context.Context, clusterID string) (string, bool, error)
}

// RedisMeta reads metadata hashes maintained by the cmdb sync job.
type RedisMeta struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisMeta(rdb *redis.Client, prefix string) *RedisMeta {
	if prefix == "" {
		prefix = "bkmonitor:"
	}
	return &RedisMeta{rdb: rdb, prefix: prefix}
}

func (m *RedisMeta) hget(ctx context.Context, hash, field string) (string, bool, error) {
	v, err := m.rdb.HGet(ctx, m.prefix+"meta:"+hash, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hget meta:%s %s: %w", hash, field, err)
	}
	return v, true, nil
}

func (m *RedisMeta) BizName(ctx context.Context, bizID int64) (string, bool, error) {
	return m.hget(ctx, "biz", strconv.FormatInt(bizID, 10))
}

func (m *RedisMeta) Host(ctx context.Context, ip string) (HostInfo, bool, error) {
	raw, ok, err := m.hget(ctx, "host", ip)
	if err != nil || !ok {
		return HostInfo{}, ok, err
	}
	var h HostInfo
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return HostInfo{}, false, fmt.Errorf("decode host %s: %w", ip, err)
	}
	return h, true, nil
}

func (m *RedisMeta) APMLabel(ctx context.Context, key string) (string, bool, error) {
	return m.hget(ctx, "apm", key)
}

func (m *RedisMeta) ClusterName(ctx context.Context, clusterID string) (string, bool, error) {
	return m.hget(ctx, "k8s", clusterID)
}

// StaticMeta is an in-memory provider, used in tests and file-based deployments.
type StaticMeta struct {
	mu       sync.RWMutex
	Biz      map[int64]string
	Hosts    map[string]HostInfo
	APM      map[string]string
	Clusters map[string]string
}

func NewStaticMeta() *StaticMeta {
	return &StaticMeta{
		Biz:      map[int64]string{},
		Hosts:    map[string]HostInfo{},
		APM:      map[string]string{},
		Clusters: map[string]string{},
	}
}

func (m *StaticMeta) SetBiz(id int64, name string) {
	m.mu.Lock()
	m.Biz[id] = name
	m.mu.Unlock()
}

func (m *StaticMeta) SetHost(ip string, h HostInfo) {
	m.mu.Lock()
	m.Hosts[ip] = h
	m.mu.Unlock()
}

func (m *StaticMeta) BizName(_ context.Context, bizID int64) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.Biz[bizID]
	return v, ok, nil
}

func (m *StaticMeta) Host(_ context.Context, ip string) (HostInfo, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.Hosts[ip]
	return v, ok, nil
}

func (m *StaticMeta) APMLabel(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.APM[key]
	return v, ok, nil
}

func (m *StaticMeta) ClusterName(_ context.Context, clusterID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.Clusters[clusterID]
	return v, ok, nil
}
