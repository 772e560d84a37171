// Package action publishes notification requests for alert signals.
package action

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/broker"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/selfmon"
	"github.com/rs/zerolog/log"
)

const stage = "action"

// ReasonDuplicateSignal is counted when a one-shot signal was already sent for an alert.
const ReasonDuplicateSignal = "duplicate_signal"

// signals that fire at most once per alert
var once = map[model.ActionSignal]bool{
	model.SignalAbnormal:  true,
	model.SignalNoData:    true,
	model.SignalRecovered: true,
	model.SignalClosed:    true,
	model.SignalAck:       true,
}

// Marker records one-shot keys; store.Store satisfies it.
type Marker interface {
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type Dispatcher struct {
	pub     broker.Publisher
	marks   Marker
	ttl     time.Duration
	metrics *selfmon.Metrics
}

func NewDispatcher(pub broker.Publisher, marks Marker, m *selfmon.Metrics) *Dispatcher {
	return &Dispatcher{pub: pub, marks: marks, ttl: 7 * 24 * time.Hour, metrics: m}
}

// Dispatch publishes an action trigger to actions.outbound. It reports false when a one-shot
// signal was already sent for the alert.
func (d *Dispatcher) Dispatch(ctx context.Context, a *model.Alert, signal model.ActionSignal,
	recipients []string, at int64) (bool, error) {
	if !signal.Valid() {
		return false, model.Invalidf("unknown action signal %q", signal)
	}
	if once[signal] && d.marks != nil {
		key := "action/" + strconv.FormatInt(a.ID, 10) + "/" + string(signal)
		first, err := d.marks.MarkOnce(ctx, key, d.ttl)
		if err != nil {
			return false, fmt.Errorf("mark %s: %w", key, err)
		}
		if !first {
			d.metrics.Drop(stage, ReasonDuplicateSignal)
			return false, nil
		}
	}
	if recipients == nil {
		recipients = []string{}
	}
	trig := model.ActionTrigger{
		AlertID:     a.ID,
		Fingerprint: a.Fingerprint,
		StrategyID:  a.StrategyID,
		BkBizID:     a.BkBizID,
		Signal:      signal,
		Severity:    a.Severity,
		Recipients:  recipients,
		At:          at,
	}
	if err := broker.PublishJSON(ctx, d.pub, model.TopicActionsOut, a.Fingerprint, trig); err != nil {
		return false, err
	}
	d.metrics.Processed(stage)
	log.Info().Str("stage", stage).Str("fingerprint", a.Fingerprint).Int64("alert_id", a.ID).
		Str("signal", string(signal)).Int("recipients", len(recipients)).Msg("action triggered")
	return true, nil
}
