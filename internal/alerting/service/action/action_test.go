package action

import (
	"context"
	"testing"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/broker"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/selfmon"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchOnceSignals(t *testing.T) {
	ctx := context.Background()
	br := broker.NewMemoryBroker()
	m := selfmon.NewMetrics()
	d := NewDispatcher(br, store.NewMemoryStore(), m)
	a := &model.Alert{ID: 7, Fingerprint: "fp", BkBizID: 2, Severity: model.SeverityWarning, StrategyID: model.Int64Ptr(1)}

	sent, err := d.Dispatch(ctx, a, model.SignalAbnormal, []string{"ops"}, 100)
	require.NoError(t, err)
	assert.True(t, sent)
	sent, err = d.Dispatch(ctx, a, model.SignalAbnormal, []string{"ops"}, 160)
	require.NoError(t, err)
	assert.False(t, sent, "abnormal fires once per alert")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Drops.WithLabelValues(stage, ReasonDuplicateSignal)))

	for i := 0; i < 2; i++ {
		sent, err = d.Dispatch(ctx, a, model.SignalUpgrade, []string{"leader"}, int64(200+i))
		require.NoError(t, err)
		assert.True(t, sent, "upgrade may repeat")
	}
	require.Equal(t, 3, br.Len(model.TopicActionsOut))

	msg, ok := br.TryReceive(model.TopicActionsOut)
	require.True(t, ok)
	var trig model.ActionTrigger
	require.NoError(t, msg.Decode(&trig))
	assert.Equal(t, "fp", msg.Key)
	assert.Equal(t, int64(7), trig.AlertID)
	assert.Equal(t, model.SignalAbnormal, trig.Signal)
	assert.Equal(t, []string{"ops"}, trig.Recipients)
	assert.Equal(t, int64(100), trig.At)
}

func TestDispatchRejectsUnknownSignal(t *testing.T) {
	d := NewDispatcher(broker.NewMemoryBroker(), nil, nil)
	_, err := d.Dispatch(context.Background(), &model.Alert{ID: 1}, "page_everyone", nil, 0)
	require.Error(t, err)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}
