package selfmon

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bkmonitor"

// Metrics is the engine's own registry. Components receive it at construction; a nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	QueryTime  *prometheus.HistogramVec
	QueryCount *prometheus.CounterVec

	StageProcessed *prometheus.CounterVec
	StageErrors    *prometheus.CounterVec
	StageHeartbeat *prometheus.GaugeVec
	Drops          *prometheus.CounterVec

	BreakerState *prometheus.GaugeVec
	InboundRate  *prometheus.GaugeVec

	OpenAlerts    prometheus.Gauge
	Transitions   *prometheus.CounterVec
	CheckerErrors *prometheus.CounterVec
	SelfAlarms    *prometheus.CounterVec

	ProcessCPU prometheus.Gauge
	ProcessRSS prometheus.Gauge

	beats sync.Map // stage -> time.Time
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		QueryTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "datasource_query_time",
			Help:      "Data source query latency in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"data_source_label", "data_type_label", "table", "status", "app"}),
		QueryCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datasource_query_count",
			Help:      "Data source queries by result.",
		}, []string{"data_source_label", "data_type_label", "table", "status", "app"}),
		StageProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_processed_total",
			Help:      "Units of work handled per stage.",
		}, []string{"stage"}),
		StageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Errors per stage and kind.",
		}, []string{"stage", "kind"}),
		StageHeartbeat: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_heartbeat_timestamp_seconds",
			Help:      "Last time each stage made progress.",
		}, []string{"stage"}),
		Drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Units of work dropped with a reason.",
		}, []string{"stage", "reason"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "0 closed, 1 open, 2 half-open.",
		}, []string{"source"}),
		InboundRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_inbound_rate",
			Help:      "Inbound events per second over the breaker window.",
		}, []string{"source"}),
		OpenAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alerts_open",
			Help:      "Open alerts seen by the last manager pass.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_transitions_total",
			Help:      "Alert status transitions.",
		}, []string{"from", "to"}),
		CheckerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checker_errors_total",
			Help:      "Checker failures per checker.",
		}, []string{"checker"}),
		SelfAlarms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "self_alarms_total",
			Help:      "Alarms published on the self-monitoring stream.",
		}, []string{"component", "kind"}),
		ProcessCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_cpu_percent",
			Help:      "Process CPU usage sampled by gopsutil.",
		}),
		ProcessRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_rss_bytes",
			Help:      "Process resident memory sampled by gopsutil.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.QueryTime, m.QueryCount,
		m.StageProcessed, m.StageErrors, m.StageHeartbeat, m.Drops,
		m.BreakerState, m.InboundRate,
		m.OpenAlerts, m.Transitions, m.CheckerErrors, m.SelfAlarms,
		m.ProcessCPU, m.ProcessRSS,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObserveQuery records one data-source query.
func (m *Metrics) ObserveQuery(source, dtype, table, status, app string, d time.Duration) {
	if m == nil {
		return
	}
	m.QueryTime.WithLabelValues(source, dtype, table, status, app).Observe(d.Seconds())
	m.QueryCount.WithLabelValues(source, dtype, table, status, app).Inc()
}

func (m *Metrics) Drop(stage, reason string) {
	if m == nil {
		return
	}
	m.Drops.WithLabelValues(stage, reason).Inc()
}

func (m *Metrics) Processed(stage string) {
	if m == nil {
		return
	}
	m.StageProcessed.WithLabelValues(stage).Inc()
	m.Beat(stage)
}

// Beat marks the stage alive without counting work, e.g. an idle scheduler tick.
func (m *Metrics) Beat(stage string) {
	if m == nil {
		return
	}
	now := time.Now()
	m.beats.Store(stage, now)
	m.StageHeartbeat.WithLabelValues(stage).Set(float64(now.UnixNano()) / 1e9)
}

// LastBeat returns the last heartbeat of stage, zero when it never beat.
func (m *Metrics) LastBeat(stage string) time.Time {
	if m == nil {
		return time.Time{}
	}
	if v, ok := m.beats.Load(stage); ok {
		return v.(time.Time)
	}
	return time.Time{}
}

func (m *Metrics) StageError(stage, kind string) {
	if m == nil {
		return
	}
	m.StageErrors.WithLabelValues(stage, kind).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) CheckerError(checker string) {
	if m == nil {
		return
	}
	m.CheckerErrors.WithLabelValues(checker).Inc()
}

func (m *Metrics) SetBreaker(source string, state int, rate float64) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(source).Set(float64(state))
	m.InboundRate.WithLabelValues(source).Set(rate)
}

func (m *Metrics) SetOpenAlerts(n int) {
	if m == nil {
		return
	}
	m.OpenAlerts.Set(float64(n))
}

func (m *Metrics) SelfAlarm(component, kind string) {
	if m == nil {
		return
	}
	m.SelfAlarms.WithLabelValues(component, kind).Inc()
}
