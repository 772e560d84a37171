package enricher

import (
	"context"
	"errors"
	"fmt"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/selfmon"
	"github.com/rs/zerolog/log"
)

const stage = "enrich"

// Enricher mutates one event in place. Drop the event with event.Drop to stop the pipeline;
// a returned error is logged and the event continues.
type Enricher interface {
	Name() string
	Enrich(ctx context.Context, e *model.Event) error
}

// StrategyLookup is the read side of the strategy cache.
type StrategyLookup interface {
	Get(id int64) (*model.Strategy, bool)
	Ready() bool
}

type Pipeline struct {
	enrichers []Enricher
	metrics   *selfmon.Metrics
}

func NewPipeline(m *selfmon.Metrics, enrichers ...Enricher) *Pipeline {
	return &Pipeline{enrichers: enrichers, metrics: m}
}

// Process runs every enricher in order and returns the event. Check event.Dropped afterwards.
func (p *Pipeline) Process(ctx context.Context, e *model.Event) *model.Event {
	for _, en := range p.enrichers {
		if e.Dropped {
			break
		}
		if err := runOne(ctx, en, e); err != nil {
			p.metrics.StageError(stage, model.KindOf(err).String())
			log.Warn().Err(err).Str("stage", stage).Str("enricher", en.Name()).
				Str("event_id", e.EventID).Msg("enricher failed, continuing")
		}
	}
	if e.Dropped {
		p.metrics.Drop(stage, e.DropReason)
		log.Debug().Str("stage", stage).Str("event_id", e.EventID).Str("reason", e.DropReason).
			Msg("event dropped")
	} else {
		p.metrics.Processed(stage)
	}
	return e
}

// Committer is an enricher with state to record once the event has been handed downstream.
type Committer interface {
	Commit(ctx context.Context, e *model.Event) error
}

// Commit runs every Committer after the event left the pipeline successfully.
func (p *Pipeline) Commit(ctx context.Context, e *model.Event) error {
	var errs []error
	for _, en := range p.enrichers {
		if c, ok := en.(Committer); ok {
			if err := c.Commit(ctx, e); err != nil {
				errs = append(errs, fmt.Errorf("commit %s: %w", en.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

type redeliveryKey struct{}

// WithRedelivery marks events processed under ctx as retries of an event that already passed
// the dedupe step once.
func WithRedelivery(ctx context.Context) context.Context {
	return context.WithValue(ctx, redeliveryKey{}, true)
}

func Redelivered(ctx context.Context) bool {
	v, _ := ctx.Value(redeliveryKey{}).(bool)
	return v
}

func runOne(ctx context.Context, en Enricher, e *model.Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("enricher %s panicked: %v", en.Name(), rec)
		}
	}()
	return en.Enrich(ctx, e)
}

func lookup(s StrategyLookup, e *model.Event) (*model.Strategy, bool) {
	if s == nil || e.StrategyID == nil {
		return nil, false
	}
	return s.Get(*e.StrategyID)
}
