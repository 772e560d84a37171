package selfmon

import (
	"context"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/broker"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/rs/zerolog/log"
)

// Alarmer publishes engine faults on the self-monitoring stream.
type Alarmer struct {
	Pub     broker.Publisher
	Metrics *Metrics
}

func NewAlarmer(pub broker.Publisher, m *Metrics) *Alarmer { return &Alarmer{Pub: pub, Metrics: m} }

// Raise never fails the caller; publish errors are only logged.
func (a *Alarmer) Raise(ctx context.Context, alarm model.SelfAlarm) {
	if a == nil {
		return
	}
	if alarm.At == 0 {
		alarm.At = time.Now().Unix()
	}
	a.Metrics.SelfAlarm(alarm.Component, alarm.Kind)
	log.Warn().Str("component", alarm.Component).Str("kind", alarm.Kind).
		Str("fingerprint", alarm.Fingerprint).Int64("alert_id", alarm.AlertID).
		Msg(alarm.Message)
	if a.Pub == nil {
		return
	}
	key := alarm.Fingerprint
	if key == "" {
		key = alarm.Component
	}
	if err := broker.PublishJSON(ctx, a.Pub, model.TopicSelfAlarms, key, alarm); err != nil {
		log.Error().Err(err).Str("component", alarm.Component).Msg("publish self alarm failed")
	}
}
