package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
	Redis    RedisConfig    `json:"redis"`
	Broker   BrokerConfig   `json:"broker"`
	Alerting AlertingConfig `json:"alerting"`
	Dynamic  DynamicConfig  `json:"dynamic"`

	// path of the file the config was loaded from, empty when env only
	file string
}

type ServerConfig struct {
	BindAddr   string `json:"bindAddr"`
	HealthAddr string `json:"healthAddr"`
	Bearer     string `json:"bearer"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

// DSN is the lib/pq keyword form.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// URL is the pgx connection string form.
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
}

type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"keyPrefix"`
}

type BrokerConfig struct {
	Mode    string `json:"mode"` // kafka | memory
	Brokers string `json:"brokers"`
	GroupID string `json:"groupID"`
	// TopicPrefix is prepended to every logical topic, e.g. "bkmonitor." -> "bkmonitor.events.raw".
	TopicPrefix string `json:"topicPrefix"`
}

// BrokerList splits the comma separated broker addresses.
func (b BrokerConfig) BrokerList() []string {
	out := []string{}
	for _, s := range strings.Split(b.Brokers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

type AlertingConfig struct {
	Engine     EngineConfig     `json:"engine"`
	Datasource DatasourceConfig `json:"datasource"`
	Strategy   StrategyConfig   `json:"strategy"`
	Detect     DetectConfig     `json:"detect"`
	Breaker    BreakerConfig    `json:"breaker"`
	Builder    BuilderConfig    `json:"builder"`
	Manager    ManagerConfig    `json:"manager"`
	QoS        QoSConfig        `json:"qos"`
	Translator TranslatorConfig `json:"translator"`
	Ingest     IngestConfig     `json:"ingest"`
}

type EngineConfig struct {
	Workers        int    `json:"workers"`
	ShutdownGrace  string `json:"shutdownGrace"` // e.g. "15s"
	RetryAttempts  int    `json:"retryAttempts"`
	RetryBase      string `json:"retryBase"`
	RetryMax       string `json:"retryMax"`
	// MessageTimeout bounds one handler attempt, lock waits included.
	MessageTimeout string `json:"messageTimeout"`
}

type DatasourceConfig struct {
	PrometheusURL string `json:"prometheusURL"`
	LogSearchURL  string `json:"logSearchURL"`
	SlotTimeout   string `json:"slotTimeout"`
	MaxAttempts   int    `json:"maxAttempts"`
	BaseDelay     string `json:"baseDelay"`
	MaxDelay      string `json:"maxDelay"`
	App           string `json:"app"`
}

type StrategyConfig struct {
	Source          string `json:"source"` // pg | file
	File            string `json:"file"`
	RefreshInterval string `json:"refreshInterval"`
	FullRefreshCron string `json:"fullRefreshCron"`
	MaxStaleness    string `json:"maxStaleness"`
	LeaseTTL        string `json:"leaseTTL"`
}

type DetectConfig struct {
	Interval    string `json:"interval"`
	Window      int    `json:"window"` // number of agg intervals queried per run
	BufferSize  int    `json:"bufferSize"`
	Retention   string `json:"retention"`
	CleanupCron string `json:"cleanupCron"`
}

type BreakerConfig struct {
	Window        string  `json:"window"`
	MaxRate       float64 `json:"maxRate"` // events per second
	MaxErrorRatio float64 `json:"maxErrorRatio"`
	MinRequests   int64   `json:"minRequests"`
	DwellOpen     string  `json:"dwellOpen"`
	CoolDown      string  `json:"coolDown"`
	Probes        int     `json:"probes"`
}

type BuilderConfig struct {
	LockTTL        string `json:"lockTTL"`
	EventDedupeTTL string `json:"eventDedupeTTL"`
}

type ManagerConfig struct {
	Interval    string `json:"interval"`
	Batch       int    `json:"batch"`
	Workers     int    `json:"workers"`
	CloseWindow string `json:"closeWindow"`
	LockTTL     string `json:"lockTTL"`
}

type QoSConfig struct {
	AlertsPerSecond float64 `json:"alertsPerSecond"`
	Burst           int     `json:"burst"`
}

// IngestConfig drives the HTTP event receiver.
type IngestConfig struct {
	// DefaultBizID applies to webhook alerts without a bk_biz_id label.
	DefaultBizID int64 `json:"defaultBizID"`
}

type TranslatorConfig struct {
	Order []string `json:"order"`
}

// DynamicConfig is hot-reloaded from the config file.
type DynamicConfig struct {
	BizWhitelist []int64       `json:"bizWhitelist"`
	BreakerRules []BreakerRule `json:"breakerRules"`
}

// BreakerRule trips strategy-level circuit breaking before data is pulled.
type BreakerRule struct {
	StrategyIDs []int64  `json:"strategyIDs"`
	BkBizIDs    []int64  `json:"bkBizIDs"`
	Labels      []string `json:"labels"`
}

func Load() (*Config, error) {
	configFile := flag.String("f", "", "Path to configuration file")
	flag.Parse()
	return LoadFrom(*configFile)
}

// LoadFrom builds the config from env defaults and an optional json/yaml file.
func LoadFrom(path string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to load .env")
	}

	cfg := &Config{
		Server: ServerConfig{
			BindAddr:   getEnv("SERVER_BIND_ADDR", "0.0.0.0:8080"),
			HealthAddr: getEnv("SERVER_HEALTH_ADDR", "0.0.0.0:8081"),
			Bearer:     getEnv("SERVER_BEARER", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "bkmonitor"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Logging: LoggingConfig{
			Level:   getEnv("LOG_LEVEL", "info"),
			Console: getEnvBool("LOG_CONSOLE", false),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "bkmonitor:"),
		},
		Broker: BrokerConfig{
			Mode:        getEnv("BROKER_MODE", "kafka"),
			Brokers:     getEnv("KAFKA_BROKERS", "localhost:9092"),
			GroupID:     getEnv("KAFKA_GROUP_ID", "bkmonitor-alert"),
			TopicPrefix: getEnv("KAFKA_TOPIC_PREFIX", ""),
		},
		Alerting: AlertingConfig{
			Engine: EngineConfig{
				Workers:        getEnvInt("ENGINE_WORKERS", 16),
				ShutdownGrace:  getEnv("ENGINE_SHUTDOWN_GRACE", "15s"),
				RetryAttempts:  getEnvInt("ENGINE_RETRY_ATTEMPTS", 3),
				RetryBase:      getEnv("ENGINE_RETRY_BASE", "200ms"),
				RetryMax:       getEnv("ENGINE_RETRY_MAX", "5s"),
				MessageTimeout: getEnv("ENGINE_MESSAGE_TIMEOUT", "30s"),
			},
			Datasource: DatasourceConfig{
				PrometheusURL: getEnv("PROMETHEUS_URL", "http://localhost:9090"),
				LogSearchURL:  getEnv("LOG_SEARCH_URL", ""),
				SlotTimeout:   getEnv("DATASOURCE_SLOT_TIMEOUT", "30s"),
				MaxAttempts:   getEnvInt("DATASOURCE_MAX_ATTEMPTS", 3),
				BaseDelay:     getEnv("DATASOURCE_BASE_DELAY", "500ms"),
				MaxDelay:      getEnv("DATASOURCE_MAX_DELAY", "5s"),
				App:           getEnv("DATASOURCE_APP", "alarm_backends"),
			},
			Strategy: StrategyConfig{
				Source:          getEnv("STRATEGY_SOURCE", "pg"),
				File:            getEnv("STRATEGY_FILE", ""),
				RefreshInterval: getEnv("STRATEGY_REFRESH_INTERVAL", "30s"),
				FullRefreshCron: getEnv("STRATEGY_FULL_REFRESH_CRON", "@hourly"),
				MaxStaleness:    getEnv("STRATEGY_MAX_STALENESS", "24h"),
				LeaseTTL:        getEnv("STRATEGY_LEASE_TTL", "20s"),
			},
			Detect: DetectConfig{
				Interval:    getEnv("DETECT_INTERVAL", "60s"),
				Window:      getEnvInt("DETECT_WINDOW", 5),
				BufferSize:  getEnvInt("DETECT_BUFFER_SIZE", 1440),
				Retention:   getEnv("DETECT_RETENTION", "24h"),
				CleanupCron: getEnv("DETECT_CLEANUP_CRON", "*/10 * * * *"),
			},
			Breaker: BreakerConfig{
				Window:        getEnv("BREAKER_WINDOW", "10s"),
				MaxRate:       getEnvFloat("BREAKER_MAX_RATE", 5000),
				MaxErrorRatio: getEnvFloat("BREAKER_MAX_ERROR_RATIO", 0.5),
				MinRequests:   int64(getEnvInt("BREAKER_MIN_REQUESTS", 20)),
				DwellOpen:     getEnv("BREAKER_DWELL_OPEN", "5s"),
				CoolDown:      getEnv("BREAKER_COOL_DOWN", "30s"),
				Probes:        getEnvInt("BREAKER_PROBES", 3),
			},
			Builder: BuilderConfig{
				LockTTL:        getEnv("BUILDER_LOCK_TTL", "5s"),
				EventDedupeTTL: getEnv("BUILDER_EVENT_DEDUPE_TTL", "1h"),
			},
			Manager: ManagerConfig{
				Interval:    getEnv("MANAGER_INTERVAL", "60s"),
				Batch:       getEnvInt("MANAGER_BATCH", 1000),
				Workers:     getEnvInt("MANAGER_WORKERS", 8),
				CloseWindow: getEnv("MANAGER_CLOSE_WINDOW", "1h"),
				LockTTL:     getEnv("MANAGER_LOCK_TTL", "5s"),
			},
			QoS: QoSConfig{
				AlertsPerSecond: getEnvFloat("QOS_ALERTS_PER_SECOND", 100),
				Burst:           getEnvInt("QOS_BURST", 200),
			},
			Translator: TranslatorConfig{
				Order: []string{"biz", "host", "kubernetes", "apm", "corefile"},
			},
			Ingest: IngestConfig{
				DefaultBizID: int64(getEnvInt("INGEST_DEFAULT_BIZ_ID", 0)),
			},
		},
	}

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			log.Err(err).Msg("load config file failed")
			return nil, err
		}
		cfg.file = path
	}

	// fill reasonable defaults when fields omitted in file
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Broker.Mode == "" {
		cfg.Broker.Mode = "kafka"
	}
	if cfg.Alerting.Engine.Workers <= 0 {
		cfg.Alerting.Engine.Workers = 16
	}
	if cfg.Alerting.Manager.Workers <= 0 {
		cfg.Alerting.Manager.Workers = 8
	}
	if cfg.Alerting.Manager.Batch <= 0 {
		cfg.Alerting.Manager.Batch = 1000
	}
	if cfg.Alerting.Breaker.Probes <= 0 {
		cfg.Alerting.Breaker.Probes = 3
	}
	if cfg.Alerting.Detect.BufferSize <= 0 {
		cfg.Alerting.Detect.BufferSize = 1440
	}

	return cfg, nil
}

// File returns the path the config was read from.
func (c *Config) File() string { return c.file }

// Validate reports missing required dependencies; the process refuses to start on error.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return model.FatalConfig(fmt.Errorf("redis.addr is required"))
	}
	switch c.Broker.Mode {
	case "kafka":
		if len(c.Broker.BrokerList()) == 0 {
			return model.FatalConfig(fmt.Errorf("broker.brokers is required in kafka mode"))
		}
	case "memory":
	default:
		return model.FatalConfig(fmt.Errorf("unknown broker mode %q", c.Broker.Mode))
	}
	switch c.Alerting.Strategy.Source {
	case "pg":
	case "file":
		if c.Alerting.Strategy.File == "" {
			return model.FatalConfig(fmt.Errorf("alerting.strategy.file is required for file source"))
		}
	default:
		return model.FatalConfig(fmt.Errorf("unknown strategy source %q", c.Alerting.Strategy.Source))
	}
	return nil
}

func loadFromFile(cfg *Config, filePath string) error {
	v := viper.New()
	v.SetConfigFile(filePath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}
	return nil
}

// ParseDuration parses s, falling back to d when empty or invalid.
func ParseDuration(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	return d
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
