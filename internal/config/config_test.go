package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("MANAGER_WORKERS", "4")
	t.Setenv("BREAKER_MAX_RATE", "12.5")

	cfg, err := LoadFrom("")
	require.NoError(t, err)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 4, cfg.Alerting.Manager.Workers)
	assert.Equal(t, 12.5, cfg.Alerting.Breaker.MaxRate)
	assert.Equal(t, "kafka", cfg.Broker.Mode)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	content := `
broker:
  mode: memory
alerting:
  strategy:
    source: file
    file: /etc/bkmonitor/strategies.yaml
  manager:
    interval: 30s
dynamic:
  bizWhitelist: [2, 3]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Broker.Mode)
	assert.Equal(t, "file", cfg.Alerting.Strategy.Source)
	assert.Equal(t, "30s", cfg.Alerting.Manager.Interval)
	assert.Equal(t, []int64{2, 3}, cfg.Dynamic.BizWhitelist)
	// untouched keys keep env defaults
	assert.Equal(t, "24h", cfg.Alerting.Strategy.MaxStaleness)
	assert.Equal(t, path, cfg.File())
	assert.NoError(t, cfg.Validate())
}

func TestValidateFatal(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no redis", func(c *Config) { c.Redis.Addr = "" }},
		{"kafka without brokers", func(c *Config) { c.Broker.Mode = "kafka"; c.Broker.Brokers = " , " }},
		{"unknown broker", func(c *Config) { c.Broker.Mode = "nats" }},
		{"file source without file", func(c *Config) { c.Alerting.Strategy.Source = "file"; c.Alerting.Strategy.File = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadFrom("")
			require.NoError(t, err)
			tc.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, model.KindFatalConfig, model.KindOf(err))
		})
	}
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, ParseDuration("", 5*time.Second))
	assert.Equal(t, 5*time.Second, ParseDuration("bogus", 5*time.Second))
	assert.Equal(t, time.Minute, ParseDuration("1m", 5*time.Second))
}

func TestDynamicStoreBizAllowed(t *testing.T) {
	s := NewDynamicStore(DynamicConfig{})
	assert.True(t, s.BizAllowed(9), "empty whitelist allows all")
	s.Set(DynamicConfig{BizWhitelist: []int64{2}})
	assert.True(t, s.BizAllowed(2))
	assert.False(t, s.BizAllowed(9))
}
