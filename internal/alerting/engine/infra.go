package engine

import (
	"context"
	"fmt"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/broker"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/database"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/datasource"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/detect"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/selfmon"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/strategy"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/service/translator"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/store"
	"github.com/TencentBlueKing/bk-monitor-sub032/internal/config"
	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/rs/zerolog/log"
)

// Infra holds the external handles the engine runs on. Tests fill it with in-memory parts.
type Infra struct {
	Store      store.Store
	Locker     store.Locker
	Broker     broker.Broker
	Strategies strategy.Source
	// Querier is optional; without it the detector does not run.
	Querier  detect.Querier
	Ranges   detect.DimensionRangeFilter
	Meta     translator.MetaProvider
	Archiver store.AlertArchiver
	Probes   map[string]selfmon.Probe

	closers []func()
}

// Open connects every backend named by cfg. Redis, the broker and the strategy source are
// required; the archive database and query backends degrade to warnings.
func Open(ctx context.Context, cfg *config.Config, m *selfmon.Metrics) (*Infra, error) {
	in := &Infra{Probes: map[string]selfmon.Probe{}}

	rdb := store.NewRedisClient(&cfg.Redis)
	rs := store.NewRedisStore(rdb, cfg.Redis.KeyPrefix)
	if err := rs.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, model.FatalConfig(fmt.Errorf("redis %s unreachable: %w", cfg.Redis.Addr, err))
	}
	in.Store = rs
	in.Locker = store.NewRedisLocker(rdb, cfg.Redis.KeyPrefix)
	in.Meta = translator.NewRedisMeta(rdb, cfg.Redis.KeyPrefix)
	in.Ranges = detect.ActiveTargetFilter{Counter: detect.NewRedisTargets(rdb, cfg.Redis.KeyPrefix)}
	in.Probes["redis"] = selfmon.PingProbe(rs)
	in.closers = append(in.closers, func() { _ = rdb.Close() })

	switch cfg.Broker.Mode {
	case "memory":
		in.Broker = broker.NewMemoryBroker()
	default:
		kb := broker.NewKafkaBroker(cfg.Broker.BrokerList(), cfg.Broker.GroupID, cfg.Broker.TopicPrefix)
		in.Broker = kb
		in.Probes["kafka"] = selfmon.PingProbe(kb)
	}
	in.closers = append(in.closers, func() { _ = in.Broker.Close() })

	db, err := database.New(cfg.Database.DSN())
	if err != nil {
		log.Error().Err(err).Msg("postgres init failed; event queries disabled")
	} else {
		in.Probes["postgres"] = selfmon.PingProbe(db)
		in.closers = append(in.closers, func() { _ = db.Close() })
	}

	switch cfg.Alerting.Strategy.Source {
	case "file":
		in.Strategies = &strategy.FileSource{Path: cfg.Alerting.Strategy.File}
	default:
		if db == nil {
			in.Close()
			return nil, model.FatalConfig(fmt.Errorf("strategy source pg needs a database: %w", err))
		}
		in.Strategies = strategy.NewPgSource(db)
	}

	if pool, err := database.NewArchivePool(ctx, cfg.Database.URL()); err != nil {
		log.Error().Err(err).Msg("alert archive disabled")
	} else {
		in.Archiver = pool
		in.Probes["archive"] = selfmon.PingProbe(pool)
		in.closers = append(in.closers, pool.Close)
	}

	reg := datasource.NewRegistry()
	if url := cfg.Alerting.Datasource.PrometheusURL; url != "" {
		client, err := api.NewClient(api.Config{Address: url})
		if err != nil {
			in.Close()
			return nil, model.FatalConfig(fmt.Errorf("prometheus client: %w", err))
		}
		promAPI := v1.NewAPI(client)
		prom := datasource.NewPrometheusBackendWithAPI(promAPI)
		reg.Register(model.DataSourceBkMonitor, model.DataTypeTimeSeries, prom)
		reg.Register(model.DataSourcePrometheus, model.DataTypeTimeSeries, prom)
		in.Probes["prometheus"] = selfmon.PrometheusProbe(promAPI)
	}
	if db != nil {
		events := datasource.NewEventBackend(db)
		reg.Register(model.DataSourceBkMonitor, model.DataTypeEvent, events)
		reg.Register(model.DataSourceCustom, model.DataTypeEvent, events)
	}
	if url := cfg.Alerting.Datasource.LogSearchURL; url != "" {
		logs := datasource.NewLogSearchBackend(url, config.ParseDuration(cfg.Alerting.Datasource.SlotTimeout, 0))
		reg.Register(model.DataSourceBkLogSearch, model.DataTypeLog, logs)
		reg.Register(model.DataSourceBkLogSearch, model.DataTypeTimeSeries, logs)
	}
	ds := cfg.Alerting.Datasource
	in.Querier = datasource.NewQuerier(reg, datasource.QuerierOptions{
		SlotTimeout: config.ParseDuration(ds.SlotTimeout, 0),
		MaxAttempts: ds.MaxAttempts,
		BaseDelay:   config.ParseDuration(ds.BaseDelay, 0),
		MaxDelay:    config.ParseDuration(ds.MaxDelay, 0),
		App:         ds.App,
	}, m)
	return in, nil
}

// Close releases handles in reverse order of opening.
func (in *Infra) Close() {
	for i := len(in.closers) - 1; i >= 0; i-- {
		in.closers[i]()
	}
	in.closers = nil
}
