package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"CoinPulse/pkg/util"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string           `yaml:"environment" default:"development" validate:"oneof=development staging production"`
	Log         LogConfig        `yaml:"log"`
	Server      ServerConfig     `yaml:"server"`
	Metrics     MetricsConfig    `yaml:"metrics"`
	Engine      EngineConfig     `yaml:"engine"`
	Exchange    ExchangeConfig   `yaml:"exchange"`
	Kafka       KafkaConfig      `yaml:"kafka"`
	ClickHouse  ClickHouseConfig `yaml:"clickhouse"`
	Redis       RedisConfig      `yaml:"redis"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
}

type LogConfig struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" default:"console" validate:"oneof=console json"`
	Output string `yaml:"output" default:"stdout"`
	// ShipErrors aggregates error logs to kafka.logs_topic.
	ShipErrors bool `yaml:"ship_errors"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" default:"8080" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"15s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
	CORSOrigins     []string      `yaml:"cors_origins" default:"[\"*\"]"`
	// RateLimit is requests per second per client IP; 0 disables it.
	RateLimit      float64 `yaml:"rate_limit" default:"20" validate:"gte=0"`
	RateLimitBurst int     `yaml:"rate_limit_burst" default:"40" validate:"gte=0"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Path    string `yaml:"path" default:"/metrics"`
}

type CriteriaConfig struct {
	CounterCurrency string  `yaml:"counter_currency" validate:"required"`
	MinVolume       float64 `yaml:"min_volume" validate:"gte=0"`
}

type EngineConfig struct {
	// Windows are period strings such as 1m, 15m, 4h.
	Windows            []string         `yaml:"windows" default:"[\"5m\",\"15m\",\"30m\",\"1h\",\"2h\",\"4h\",\"24h\"]" validate:"min=1"`
	RelativeNumCandles int              `yaml:"relative_num_candles" default:"100" validate:"gte=0"`
	Estimator          string           `yaml:"estimator" default:"average" validate:"oneof=average median weighted"`
	Pairs              []string         `yaml:"pairs"`
	Blacklist          []string         `yaml:"blacklist"`
	Criteria           []CriteriaConfig `yaml:"criteria" validate:"dive"`

	RefreshInterval              time.Duration `yaml:"refresh_interval" default:"0s"`
	CheckChangesDelay            time.Duration `yaml:"check_changes_delay" default:"0s"`
	InitWithLowerPeriodChartData bool          `yaml:"init_with_lower_period_chart_data" default:"true"`
	TimeframeMultiplier          int64         `yaml:"timeframe_multiplier" default:"1" validate:"gte=1"`
	RetryInterval                time.Duration `yaml:"retry_interval" default:"60s"`
	IngestShards                 int           `yaml:"ingest_shards" default:"4" validate:"gte=1"`
	IngestBuffer                 int           `yaml:"ingest_buffer" default:"1024" validate:"gte=1"`
	IngestTimeout                time.Duration `yaml:"ingest_timeout" default:"50ms"`
	MessageFlushInterval         time.Duration `yaml:"message_flush_interval" default:"100ms"`
}

type ExchangeConfig struct {
	Name         string `yaml:"name" default:"binance" validate:"oneof=binance"`
	RESTURL      string `yaml:"rest_url" default:"https://api.binance.com" validate:"url"`
	StreamURL    string `yaml:"stream_url" default:"wss://stream.binance.com:9443" validate:"url"`
	TickerSource string `yaml:"ticker_source" default:"binance" validate:"oneof=binance kafka"`
	// WeightPerMinute is the REST request weight budget.
	WeightPerMinute   int           `yaml:"weight_per_minute" default:"1200" validate:"gt=0"`
	WeightBurst       int           `yaml:"weight_burst" default:"200" validate:"gt=0"`
	HTTPTimeout       time.Duration `yaml:"http_timeout" default:"10s"`
	ChartConcurrency  int           `yaml:"chart_concurrency" default:"4" validate:"gte=1"`
	PingInterval      time.Duration `yaml:"ping_interval" default:"30s"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay" default:"1s"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay" default:"1m"`
	MaxStreamsPerConn int           `yaml:"max_streams_per_conn" default:"200" validate:"gte=1,lte=1024"`
}

type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	ChangesTopic string   `yaml:"changes_topic" default:"coinpulse.changes"`
	StatusTopic  string   `yaml:"status_topic" default:"coinpulse.status"`
	LogsTopic    string   `yaml:"logs_topic" default:"coinpulse.logs"`
	TicksTopic   string   `yaml:"ticks_topic" default:"coinpulse.ticks"`
	RequiredAcks int      `yaml:"required_acks" default:"-1" validate:"oneof=-1 0 1"`
	Compression  string   `yaml:"compression" default:"gzip" validate:"oneof=gzip snappy lz4 zstd"`
	Producer     struct {
		MaxAttempts  int           `yaml:"max_attempts" default:"3"`
		BatchSize    int           `yaml:"batch_size" default:"100"`
		BatchTimeout time.Duration `yaml:"batch_timeout" default:"50ms"`
		WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
		Async        bool          `yaml:"async"`
	} `yaml:"producer"`
	Consumer struct {
		GroupID     string        `yaml:"group_id" default:"coinpulse"`
		StartOffset string        `yaml:"start_offset" default:"latest" validate:"oneof=earliest latest"`
		Workers     int           `yaml:"workers" default:"4" validate:"gte=1"`
		BufferSize  int           `yaml:"buffer_size" default:"256" validate:"gte=1"`
		RetryMax    int           `yaml:"retry_max" default:"3" validate:"gte=0"`
		BackoffMin  time.Duration `yaml:"backoff_min" default:"50ms"`
		BackoffMax  time.Duration `yaml:"backoff_max" default:"2s"`
		DLQTopic    string        `yaml:"dlq_topic"`
	} `yaml:"consumer"`
}

type ClickHouseConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port" default:"9000"`
	Database     string        `yaml:"database" default:"default"`
	User         string        `yaml:"user" default:"default"`
	Password     string        `yaml:"password"`
	UseHTTP      bool          `yaml:"use_http"`
	AsyncInsert  bool          `yaml:"async_insert" default:"true"`
	WaitForAsync bool          `yaml:"wait_for_async_insert"`
	DialTimeout  time.Duration `yaml:"dial_timeout" default:"5s"`
	ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
	MaxOpenConns int           `yaml:"max_open_conns" default:"10"`
	Table        string        `yaml:"table" default:"price_changes"`
	TTLDays      int           `yaml:"ttl_days" default:"30" validate:"gte=0"`
	// MinAbsPercent is the smallest |percent change| worth storing.
	MinAbsPercent float64 `yaml:"min_abs_percent" default:"1" validate:"gte=0"`
}

type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Host        string        `yaml:"host" default:"localhost"`
	Port        int           `yaml:"port" default:"6379"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size" default:"10"`
	Prefix      string        `yaml:"prefix" default:"coinpulse"`
	SnapshotTTL time.Duration `yaml:"snapshot_ttl" default:"10m"`
}

type PipelineConfig struct {
	Workers     int           `yaml:"workers" default:"4" validate:"gte=1"`
	BufferSize  int           `yaml:"buffer_size" default:"256" validate:"gte=1"`
	SinkRetries int           `yaml:"sink_retries" default:"3" validate:"gte=0"`
	RetryDelay  time.Duration `yaml:"retry_delay" default:"200ms"`
}

var validate = validator.New()

// Load reads a YAML file on top of the defaults. An empty path yields the
// defaults alone.
func Load(path string) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("set defaults: %w", err)
	}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment
// variables, reading a .env file first when one exists.
func LoadWithEnv(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("COINPULSE_ENV"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("HTTP_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("PAIRS"); v != "" {
		c.Engine.Pairs = splitList(v)
	}
	if v := os.Getenv("BLACKLIST"); v != "" {
		c.Engine.Blacklist = splitList(v)
	}
	if v := os.Getenv("WINDOWS"); v != "" {
		c.Engine.Windows = splitList(v)
	}
	if v := os.Getenv("TICKER_SOURCE"); v != "" {
		c.Exchange.TickerSource = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
		c.Kafka.Enabled = true
	}
	if v := os.Getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
		c.ClickHouse.Enabled = true
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// Validate runs the struct rules and the cross-section checks.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if _, err := c.WindowSeconds(); err != nil {
		return err
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty when kafka is enabled")
	}
	if c.Exchange.TickerSource == "kafka" && !c.Kafka.Enabled {
		return fmt.Errorf("exchange.ticker_source 'kafka' requires kafka.enabled")
	}
	if c.Log.ShipErrors && !c.Kafka.Enabled {
		return fmt.Errorf("log.ship_errors requires kafka.enabled")
	}
	if c.ClickHouse.Enabled && c.ClickHouse.Host == "" {
		return fmt.Errorf("clickhouse.host is required when clickhouse is enabled")
	}
	return nil
}

// WindowSeconds parses Engine.Windows.
func (c *Config) WindowSeconds() ([]int64, error) {
	out := make([]int64, 0, len(c.Engine.Windows))
	for _, w := range c.Engine.Windows {
		sec, err := util.ParsePeriod(w)
		if err != nil {
			return nil, fmt.Errorf("engine.windows: %w", err)
		}
		if sec <= 0 {
			return nil, fmt.Errorf("engine.windows: %q must be positive", w)
		}
		out = append(out, sec)
	}
	return out, nil
}

func (s ServerConfig) Addr() string {
	return ":" + strconv.Itoa(s.Port)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
