// Package engine wires the alert stages together and runs them until shutdown.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/api"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/broker"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/action"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/breaker"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/builder"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/datasource"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/detect"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/enricher"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/manager"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/qos"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/receiver"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/selfmon"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/strategy"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/translator"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/store"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/config"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/middleware"
	"github.com/fox-gonic/fox"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	stageEnrich = "enrich"
	stageBuild  = "build"
)

// DimensionAlias renames raw dimension keys during enrichment.
var DimensionAlias = map[string]string{
	"ip":          "bk_target_ip",
	"bk_cloud_id": "bk_target_cloud_id",
}

type Engine struct {
	cfg   *config.Config
	infra *Infra

	Metrics    *selfmon.Metrics
	Alarmer    *selfmon.Alarmer
	Health     *selfmon.Health
	Dynamic    *config.DynamicStore
	Strategies *strategy.Cache
	Breakers   *breaker.Set
	Scopes     *qos.Registry
	Pipeline   *enricher.Pipeline
	Builder    *builder.Builder
	Detector   *detect.Detector
	Results    *detect.CheckResults
	Manager    *manager.Manager
	Archive    *store.ArchiveSink

	stages []*Stage
}

// New builds every component on top of infra.
func New(cfg *config.Config, infra *Infra, m *selfmon.Metrics) (*Engine, error) {
	if infra == nil || infra.Store == nil || infra.Locker == nil || infra.Broker == nil || infra.Strategies == nil {
		return nil, model.FatalConfig(errors.New("engine needs a store, a locker, a broker and a strategy source"))
	}
	ac := cfg.Alerting
	e := &Engine{cfg: cfg, infra: infra, Metrics: m}
	e.Alarmer = selfmon.NewAlarmer(infra.Broker, m)
	e.Dynamic = config.NewDynamicStore(cfg.Dynamic)
	e.Scopes = qos.NewRegistry()

	e.Strategies = strategy.NewCache(infra.Strategies, infra.Store, infra.Locker, strategy.Options{
		RefreshInterval: config.ParseDuration(ac.Strategy.RefreshInterval, 0),
		FullRefreshCron: ac.Strategy.FullRefreshCron,
		MaxStaleness:    config.ParseDuration(ac.Strategy.MaxStaleness, 0),
		LeaseTTL:        config.ParseDuration(ac.Strategy.LeaseTTL, 0),
	})

	e.Breakers = breaker.NewSet(breaker.Options{
		Window:        config.ParseDuration(ac.Breaker.Window, 0),
		MaxRate:       ac.Breaker.MaxRate,
		MaxErrorRatio: ac.Breaker.MaxErrorRatio,
		MinRequests:   ac.Breaker.MinRequests,
		DwellOpen:     config.ParseDuration(ac.Breaker.DwellOpen, 0),
		CoolDown:      config.ParseDuration(ac.Breaker.CoolDown, 0),
		Probes:        ac.Breaker.Probes,
	}, m)

	meta := infra.Meta
	if meta == nil {
		meta = translator.NewStaticMeta()
	}
	translators, err := translator.NewRegistry(ac.Translator.Order, meta)
	if err != nil {
		return nil, err
	}
	e.Pipeline = enricher.NewPipeline(m, enricher.Default(enricher.Options{
		Strategies: e.Strategies,
		Store:      infra.Store,
		DedupeTTL:  config.ParseDuration(ac.Builder.EventDedupeTTL, time.Hour),
		Dynamic:    e.Dynamic,
		Registry:   translators,
		Alias:      DimensionAlias,
	})...)

	actions := action.NewDispatcher(infra.Broker, infra.Store, m)
	e.Builder = builder.New(infra.Store, infra.Locker, e.Strategies, infra.Broker, actions,
		qos.NewBizLimiter(ac.QoS.AlertsPerSecond, ac.QoS.Burst), m,
		builder.Options{LockTTL: config.ParseDuration(ac.Builder.LockTTL, 0)})

	e.Results = detect.NewCheckResults(ac.Detect.BufferSize, config.ParseDuration(ac.Detect.Retention, 0))
	detectInterval := config.ParseDuration(ac.Detect.Interval, time.Minute)
	if infra.Querier != nil {
		e.Detector = detect.New(detect.Deps{
			Strategies: e.Strategies,
			Querier:    infra.Querier,
			Filter:     datasource.NewDuplicateFilter(infra.Store),
			Results:    e.Results,
			Breakers:   e.Breakers,
			Ranges:     infra.Ranges,
			Dynamic:    e.Dynamic,
			Alerts:     infra.Store,
			Publisher:  infra.Broker,
			Metrics:    m,
		}, detect.Options{
			Interval:    detectInterval,
			Window:      ac.Detect.Window,
			Workers:     ac.Engine.Workers,
			CleanupCron: ac.Detect.CleanupCron,
		})
	}

	managerInterval := config.ParseDuration(ac.Manager.Interval, time.Minute)
	e.Manager, err = manager.New(manager.Deps{
		Store:      infra.Store,
		Locker:     infra.Locker,
		Strategies: e.Strategies,
		Results:    e.Results,
		Scopes:     e.Scopes,
		Actions:    actions,
		Publisher:  infra.Broker,
		Alarmer:    e.Alarmer,
		Metrics:    m,
	}, manager.Options{
		Interval:    managerInterval,
		Batch:       ac.Manager.Batch,
		Workers:     ac.Manager.Workers,
		CloseWindow: config.ParseDuration(ac.Manager.CloseWindow, time.Hour),
		LockTTL:     config.ParseDuration(ac.Manager.LockTTL, 0),
	})
	if err != nil {
		return nil, err
	}

	if infra.Archiver != nil {
		e.Archive = store.NewArchiveSink(infra.Archiver)
	}

	policy := RetryPolicy{
		Attempts: ac.Engine.RetryAttempts,
		Base:     config.ParseDuration(ac.Engine.RetryBase, 200*time.Millisecond),
		Max:      config.ParseDuration(ac.Engine.RetryMax, 5*time.Second),
		Requeues: 3,
		Timeout:  config.ParseDuration(ac.Engine.MessageTimeout, 30*time.Second),
	}
	e.stages = []*Stage{
		{Name: stageEnrich, Topic: model.TopicEventsRaw, Handle: e.enrich, Requeue: infra.Broker,
			Policy: policy, Breaker: e.Breakers.Get("ingest:" + model.TopicEventsRaw), Metrics: m, Alarmer: e.Alarmer},
		{Name: stageBuild, Topic: model.TopicEventsEnriched, Handle: e.build, Requeue: infra.Broker,
			Policy: policy, Metrics: m, Alarmer: e.Alarmer},
	}

	e.Health = selfmon.NewHealth(m)
	for name, p := range infra.Probes {
		e.Health.AddProbe(name, p)
	}
	e.Health.WatchStrategies(e.Strategies)
	e.Health.WatchBreakers(func() map[string]string {
		out := map[string]string{}
		for k, st := range e.Breakers.States() {
			out[k] = st.String()
		}
		return out
	})
	e.Health.ExpectStage("manager", 3*managerInterval)
	if e.Detector != nil {
		e.Health.ExpectStage("detect", 3*detectInterval)
	}
	return e, nil
}

// enrich moves one raw event through the enricher pipeline onto events.enriched.
func (e *Engine) enrich(ctx context.Context, msg *broker.Message) error {
	var ev model.Event
	if err := msg.Decode(&ev); err != nil {
		return model.Invalidf("decode raw event: %v", err)
	}
	if Retried(ctx, msg) {
		ctx = enricher.WithRedelivery(ctx)
	}
	out := e.Pipeline.Process(ctx, &ev)
	if out.Dropped {
		return nil
	}
	if err := broker.PublishJSON(ctx, e.infra.Broker, model.TopicEventsEnriched, out.EventID, out); err != nil {
		return model.Transient(err)
	}
	if err := e.Pipeline.Commit(ctx, out); err != nil {
		// the event is already downstream; a lost mark only lets a duplicate through
		log.Warn().Err(err).Str("stage", stageEnrich).Str("event_id", out.EventID).Msg("commit enriched event failed")
	}
	return nil
}

func (e *Engine) build(ctx context.Context, msg *broker.Message) error {
	var ev model.Event
	if err := msg.Decode(&ev); err != nil {
		return model.Invalidf("decode enriched event: %v", err)
	}
	res, err := e.Builder.Build(ctx, &ev)
	if err != nil {
		return err
	}
	if res.Alert != nil {
		log.Debug().Str("stage", stageBuild).Str("fingerprint", res.Alert.Fingerprint).
			Int64("alert_id", res.Alert.ID).Bool("created", res.Created).Msg("event merged")
	}
	return nil
}

// Run starts every stage and loop and blocks until ctx ends or one of them fails.
func (e *Engine) Run(ctx context.Context) error {
	if path := e.cfg.File(); path != "" {
		if err := e.Dynamic.Watch(path); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("dynamic config watch disabled")
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Strategies.StartScheduler(ctx) })
	for _, s := range e.stages {
		g.Go(func() error { return s.Run(ctx, e.infra.Broker) })
	}
	if e.Detector != nil {
		g.Go(func() error { return e.Detector.StartScheduler(ctx) })
	}
	g.Go(func() error { return e.Manager.StartScheduler(ctx) })
	if e.Archive != nil {
		g.Go(func() error { return e.Archive.Start(ctx, e.infra.Broker) })
	}
	g.Go(func() error {
		selfmon.StartProcessSampler(ctx, e.Metrics, 15*time.Second)
		return nil
	})

	if addr := e.cfg.Server.HealthAddr; addr != "" {
		g.Go(func() error { return serve(ctx, "health", addr, e.HealthHandler()) })
	}
	if addr := e.cfg.Server.BindAddr; addr != "" {
		g.Go(func() error { return serve(ctx, "api", addr, e.APIHandler()) })
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// HealthHandler serves /healthz and /metrics.
func (e *Engine) HealthHandler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	selfmon.RegisterRoutes(r, e.Health, e.Metrics, middleware.Authentication(e.cfg.Server.Bearer))
	return r
}

// APIHandler serves the operator API.
func (e *Engine) APIHandler() http.Handler {
	router := fox.New()
	api.NewApi(router, api.Deps{
		Store:      e.infra.Store,
		Alerts:     e.Manager,
		Strategies: e.Strategies,
		Scopes:     e.Scopes,
		Ingest:     receiver.NewHandler(e.infra.Broker, e.cfg.Alerting.Ingest.DefaultBizID, e.Metrics),
		Bearer:     e.cfg.Server.Bearer,
	})
	return router
}

func serve(ctx context.Context, name, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("server", name).Msgf("Starting server on %s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Close releases the infrastructure handles.
func (e *Engine) Close() {
	e.infra.Close()
}
