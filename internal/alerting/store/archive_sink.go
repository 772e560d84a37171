package store

import (
	"context"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/broker"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/rs/zerolog/log"
)

// AlertArchiver persists alert snapshots outside the cache, e.g. database.ArchivePool.
type AlertArchiver interface {
	UpsertAlert(ctx context.Context, a *model.Alert) error
}

// ArchiveSink consumes alerts.changes and writes each carried snapshot to the archiver.
type ArchiveSink struct {
	Archiver AlertArchiver
}

func NewArchiveSink(a AlertArchiver) *ArchiveSink { return &ArchiveSink{Archiver: a} }

// Start blocks until ctx ends.
func (s *ArchiveSink) Start(ctx context.Context, sub broker.Subscriber) error {
	return sub.Subscribe(ctx, model.TopicAlertsChanges, s.Handle)
}

func (s *ArchiveSink) Handle(ctx context.Context, msg *broker.Message) error {
	var rec model.ChangeRecord
	if err := msg.Decode(&rec); err != nil {
		log.Warn().Err(err).Str("stage", "archive").Msg("drop undecodable change record")
		return nil
	}
	if rec.Alert == nil {
		return nil
	}
	if err := s.Archiver.UpsertAlert(ctx, rec.Alert); err != nil {
		// archive is best effort; the cache stays authoritative
		log.Error().Err(err).Str("stage", "archive").Int64("alert_id", rec.AlertID).
			Str("fingerprint", rec.Fingerprint).Msg("archive alert failed")
	}
	return nil
}
