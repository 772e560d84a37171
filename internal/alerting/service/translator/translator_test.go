package translator

import (
	"context"
	"errors"
	"testing"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMeta() *StaticMeta {
	m := NewStaticMeta()
	m.SetBiz(2, "蓝鲸")
	m.SetHost("10.0.0.1", HostInfo{Hostname: "h1"})
	m.APM["db.system"] = "数据库类型"
	m.Clusters["BCS-K8S-00001"] = "prod"
	return m
}

func allTranslators(t *testing.T, meta MetaProvider) *Registry {
	r, err := NewRegistry([]string{"biz", "host", "kubernetes", "apm", "corefile"}, meta)
	require.NoError(t, err)
	return r
}

func TestRegistryTranslates(t *testing.T) {
	r := allTranslators(t, testMeta())
	in := FromDimensions(map[string]string{
		"bk_biz_id":       "2",
		"bk_target_ip":    "10.0.0.1",
		"bcs_cluster_id":  "BCS-K8S-00001",
		"service_name":    "api",
		"tags.db.system":  "mysql",
		"executable_path": "/usr/bin/app",
		"signal":          "11",
		"unknown":         "x",
	}, nil)

	out := r.Run(context.Background(), nil, in)
	assert.Equal(t, "[2] 蓝鲸", out["bk_biz_id"].DisplayName)
	assert.Equal(t, "业务", out["bk_biz_id"].DisplayKey)
	assert.Equal(t, "10.0.0.1(h1)", out["bk_target_ip"].DisplayName)
	assert.Equal(t, "BCS-K8S-00001(prod)", out["bcs_cluster_id"].DisplayName)
	assert.Equal(t, "服务", out["service_name"].DisplayKey)
	assert.Equal(t, "数据库类型", out["tags.db.system"].DisplayKey)
	assert.Equal(t, "进程路径", out["executable_path"].DisplayKey)
	assert.Equal(t, "SIGSEGV", out["signal"].DisplayName)
	assert.Equal(t, model.TranslationField{Value: "x"}, out["unknown"])

	assert.Empty(t, in["bk_biz_id"].DisplayName, "input untouched")
	for k, f := range out {
		assert.Equal(t, in[k].Value, f.Value, "raw value of %s kept", k)
	}
}

func TestTranslatorsIdempotent(t *testing.T) {
	meta := testMeta()
	dims := map[string]string{"bk_biz_id": "2", "ip": "10.0.0.1", "signal": "6", "bcs_cluster_id": "BCS-K8S-00001"}
	for name, build := range Builders(meta) {
		t.Run(name, func(t *testing.T) {
			tr := build()
			once := tr.Translate(context.Background(), nil, FromDimensions(dims, nil))
			twice := tr.Translate(context.Background(), nil, once)
			assert.Equal(t, once, twice)
		})
	}

	r := allTranslators(t, meta)
	once := r.Run(context.Background(), nil, FromDimensions(dims, nil))
	assert.Equal(t, once, r.Run(context.Background(), nil, once))
}

func TestTranslatorKeepsPriorDisplayName(t *testing.T) {
	in := Fields{"bk_biz_id": {Value: "2", DisplayName: "custom"}}
	out := (&BizTranslator{Meta: testMeta()}).Translate(context.Background(), nil, in)
	assert.Equal(t, "custom", out["bk_biz_id"].DisplayName)
}

func TestFromDimensionsReusesMatchingTranslation(t *testing.T) {
	prev := map[string]model.TranslationField{
		"host": {Value: "h1", DisplayName: "web-1"},
		"ip":   {Value: "10.0.0.9", DisplayName: "stale"},
	}
	out := FromDimensions(map[string]string{"host": "h1", "ip": "10.0.0.1"}, prev)
	assert.Equal(t, "web-1", out["host"].DisplayName)
	assert.Empty(t, out["ip"].DisplayName, "value changed, translation dropped")
}

type failingMeta struct{ StaticMeta }

func (*failingMeta) BizName(context.Context, int64) (string, bool, error) {
	return "", false, errors.New("redis down")
}

type panicTranslator struct{}

func (panicTranslator) Name() string { return "boom" }
func (panicTranslator) Translate(context.Context, *model.Strategy, Fields) Fields {
	panic("nil map")
}

func TestRegistrySurvivesFailures(t *testing.T) {
	r := &Registry{}
	r.Register(&BizTranslator{Meta: &failingMeta{}})
	r.Register(panicTranslator{})
	r.Register(CorefileTranslator{})
	out := r.Run(context.Background(), nil, FromDimensions(map[string]string{"bk_biz_id": "2", "signal": "11"}, nil))
	assert.Empty(t, out["bk_biz_id"].DisplayName)
	assert.Equal(t, "SIGSEGV", out["signal"].DisplayName, "later translators still run")
	assert.Equal(t, []string{"biz", "boom", "corefile"}, r.Names())
}

func TestNewRegistryUnknown(t *testing.T) {
	_, err := NewRegistry([]string{"biz", "cmdb2"}, NewStaticMeta())
	require.Error(t, err)
	assert.Equal(t, model.KindFatalConfig, model.KindOf(err))
}

func TestRedisMeta(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}
	defer rdb.Close()

	prefix := "test:translator:"
	defer rdb.Del(ctx, prefix+"meta:biz", prefix+"meta:host")
	require.NoError(t, rdb.HSet(ctx, prefix+"meta:biz", "2", "蓝鲸").Err())
	require.NoError(t, rdb.HSet(ctx, prefix+"meta:host", "10.0.0.1", `{"bk_host_name":"h1"}`).Err())

	m := NewRedisMeta(rdb, prefix)
	name, ok, err := m.BizName(ctx, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "蓝鲸", name)

	_, ok, err = m.BizName(ctx, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	h, ok, err := m.Host(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "h1", h.Hostname)
}
