package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/broker"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/breaker"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/selfmon"
	"github.com/rs/zerolog/log"
)

// Drop reasons counted at the stage boundary.
const (
	ReasonValidation       = "validation"
	ReasonExhausted        = "exhausted"
	ReasonRequeueExhausted = "requeue_exhausted"
)

type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
	// Requeues bounds how often a message goes back to its topic after retries run out.
	Requeues int
	// Timeout bounds each handler attempt. A spent budget counts as transient.
	Timeout time.Duration
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.Base << (attempt - 1)
	if d <= 0 || d > p.Max {
		return p.Max
	}
	return d
}

// Stage consumes one topic and turns handler errors into retry, requeue or drop decisions.
// Only unknown and fatal errors leave Run.
type Stage struct {
	Name    string
	Topic   string
	Handle  broker.Handler
	Requeue broker.Publisher
	Policy  RetryPolicy
	// Breaker sheds input before the handler runs. Optional.
	Breaker *breaker.Breaker
	Metrics *selfmon.Metrics
	Alarmer *selfmon.Alarmer

	sleep func(ctx context.Context, d time.Duration) error
}

func (s *Stage) Run(ctx context.Context, sub broker.Subscriber) error {
	log.Info().Str("stage", s.Name).Str("topic", s.Topic).Msg("stage started")
	err := sub.Subscribe(ctx, s.Topic, s.Process)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stage %s: %w", s.Name, err)
	}
	log.Info().Str("stage", s.Name).Msg("stage stopped")
	return nil
}

// Process handles one message and decides what to do with its error.
func (s *Stage) Process(ctx context.Context, msg *broker.Message) error {
	if s.Breaker != nil && !s.Breaker.Allow() {
		// counted by the breaker itself
		return nil
	}
	err := s.attempt(ctx, msg)
	if s.Breaker != nil {
		s.Breaker.Record(err != nil && model.KindOf(err) == model.KindTransient)
	}
	return s.decide(ctx, msg, err)
}

func (s *Stage) attempt(ctx context.Context, msg *broker.Message) error {
	attempts := max(s.Policy.Attempts, 1)
	var err error
	for i := 1; i <= attempts; i++ {
		if err = s.handleOnce(ctx, i, msg); err == nil || model.KindOf(err) != model.KindTransient {
			return err
		}
		if i == attempts {
			break
		}
		log.Debug().Err(err).Str("stage", s.Name).Int("attempt", i).Msg("transient failure, retrying")
		if serr := s.sleepFn()(ctx, s.Policy.backoff(i)); serr != nil {
			return serr
		}
	}
	return err
}

type attemptKey struct{}

func withAttempt(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, attemptKey{}, n)
}

// Retried reports whether the message under ctx was seen before, either by an in-process retry
// or a requeue.
func Retried(ctx context.Context, msg *broker.Message) bool {
	n, _ := ctx.Value(attemptKey{}).(int)
	return n > 1 || msg.Attempt() > 0
}

func (s *Stage) handleOnce(ctx context.Context, attempt int, msg *broker.Message) error {
	hctx := withAttempt(ctx, attempt)
	if s.Policy.Timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, s.Policy.Timeout)
		defer cancel()
	}
	err := s.safeHandle(hctx, msg)
	if err != nil && ctx.Err() == nil && hctx.Err() != nil {
		return model.Transient(fmt.Errorf("stage %s: budget %s spent: %w", s.Name, s.Policy.Timeout, err))
	}
	return err
}

func (s *Stage) safeHandle(ctx context.Context, msg *broker.Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("stage %s panicked: %v", s.Name, rec)
		}
	}()
	return s.Handle(ctx, msg)
}

func (s *Stage) decide(ctx context.Context, msg *broker.Message, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		// shutting down; leave the message uncommitted for the next consumer
		return ctx.Err()
	}
	kind := model.KindOf(err)
	s.Metrics.StageError(s.Name, kind.String())
	switch kind {
	case model.KindTransient:
		if msg.Attempt() >= s.Policy.Requeues {
			s.Metrics.Drop(s.Name, ReasonRequeueExhausted)
			s.Alarmer.Raise(ctx, model.SelfAlarm{Component: s.Name, Kind: ReasonRequeueExhausted,
				Fingerprint: msg.Key, Message: err.Error()})
			return nil
		}
		if rerr := broker.Requeue(ctx, s.Requeue, msg); rerr != nil {
			return fmt.Errorf("requeue %s message: %w", s.Topic, errors.Join(err, rerr))
		}
		log.Warn().Err(err).Str("stage", s.Name).Str("key", msg.Key).Int("attempt", msg.Attempt()+1).
			Msg("retries exhausted, message requeued")
		return nil
	case model.KindValidation:
		s.Metrics.Drop(s.Name, ReasonValidation)
		log.Warn().Err(err).Str("stage", s.Name).Str("key", msg.Key).Msg("invalid message dropped")
		return nil
	case model.KindStateViolation:
		s.Alarmer.Raise(ctx, model.SelfAlarm{Component: s.Name, Kind: "state_violation",
			Fingerprint: msg.Key, Message: err.Error()})
		return nil
	case model.KindResourceExhausted:
		s.Metrics.Drop(s.Name, ReasonExhausted)
		return nil
	default:
		log.Error().Err(err).Str("stage", s.Name).Str("key", msg.Key).Str("kind", kind.String()).
			Msg("unhandled error, stopping stage")
		return fmt.Errorf("stage %s: %w", s.Name, err)
	}
}

func (s *Stage) sleepFn() func(ctx context.Context, d time.Duration) error {
	if s.sleep != nil {
		return s.sleep
	}
	return sleepCtx
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
