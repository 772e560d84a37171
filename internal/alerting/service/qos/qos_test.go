package qos

import (
	"context"
	"testing"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBizLimiter(t *testing.T) {
	l := NewBizLimiter(1, 2)
	now := time.Unix(1000, 0)
	assert.True(t, l.AllowAt(2, now))
	assert.True(t, l.AllowAt(2, now))
	assert.False(t, l.AllowAt(2, now), "burst spent")
	assert.True(t, l.AllowAt(3, now), "other business has its own bucket")
	assert.True(t, l.AllowAt(2, now.Add(time.Second)))

	disabled := NewBizLimiter(0, 0)
	assert.Nil(t, disabled)
	assert.True(t, disabled.AllowAt(2, now))
}

func TestRegistryBlocking(t *testing.T) {
	r := NewRegistry()
	a := &model.Alert{BkBizID: 2, Dimensions: []model.AlertDimension{
		{Key: "bk_target_ip", Value: "10.0.0.1"}, {Key: "bcs_cluster_id", Value: "BCS-1"},
	}}
	fc := &model.FailureCollection{Scopes: []*model.Scope{
		{Module: "host", Target: "ip", Values: []string{"10.0.0.9"}, BeginTime: 0, Duration: 100},
		{Module: "kubernetes", Target: "cluster", Values: []string{"BCS-1"}, BeginTime: 50, Duration: 100},
		{Module: "nope", Target: "x", Values: []string{"10.0.0.1"}, BeginTime: 0, Duration: 1000},
	}}

	_, ok := r.Blocking(fc, a, 10)
	assert.False(t, ok, "cluster scope not yet active")

	s, ok := r.Blocking(fc, a, 60)
	require.True(t, ok)
	assert.Equal(t, "kubernetes", s.Module)

	_, ok = r.Blocking(fc, a, 150)
	assert.False(t, ok, "scope expired")

	biz := &model.FailureCollection{Scopes: []*model.Scope{{Module: "biz", Target: "bk_biz_id", Values: []string{"2"}, Duration: 10}}}
	_, ok = r.Blocking(biz, a, 5)
	assert.True(t, ok)
}

func TestRegistryValidate(t *testing.T) {
	r := NewRegistry()
	cases := []struct {
		name  string
		scope model.Scope
		ok    bool
	}{
		{"valid", model.Scope{Module: "host", Target: "ip", Values: []string{"1.1.1.1"}, Duration: 60}, true},
		{"unknown", model.Scope{Module: "cmdb", Target: "set", Values: []string{"1"}, Duration: 60}, false},
		{"no duration", model.Scope{Module: "host", Target: "ip", Values: []string{"1.1.1.1"}}, false},
		{"no values", model.Scope{Module: "host", Target: "ip", Duration: 60}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Validate(&tc.scope)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, model.KindValidation, model.KindOf(err))
		})
	}
}

func TestCollect(t *testing.T) {
	st := store.NewMemoryStore()
	st.SetClock(func() time.Time { return time.Unix(100, 0) })
	ctx := context.Background()
	require.NoError(t, st.PutScope(ctx, &model.Scope{Module: "host", Target: "ip", Values: []string{"a"}, BeginTime: 90, Duration: 60}))
	fc, err := Collect(ctx, st)
	require.NoError(t, err)
	assert.Len(t, fc.Scopes, 1)
}
