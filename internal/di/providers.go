package di

import (
	"context"
	"fmt"
	"time"

	"CoinPulse/internal/domain/models"
	domrepo "CoinPulse/internal/domain/repository"
	"CoinPulse/internal/handler/api"
	mid "CoinPulse/internal/middleware"
	internalrepo "CoinPulse/internal/repository"
	"CoinPulse/internal/service/binance"
	svcmetrics "CoinPulse/internal/service/metrics"
	"CoinPulse/internal/service/ratelimit"
	"CoinPulse/internal/services/relative"
	"CoinPulse/internal/usecase"
	"CoinPulse/pkg/cache"
	pkgch "CoinPulse/pkg/clickhouse"
	"CoinPulse/pkg/config"
	xhttp "CoinPulse/pkg/http"
	pkgkafka "CoinPulse/pkg/kafka"
	applogger "CoinPulse/pkg/logger"
	"CoinPulse/pkg/metrics"
	"CoinPulse/pkg/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const statusPublishTimeout = 5 * time.Second

// ProvideKafkaProducer returns nil when kafka is disabled.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, func(), error) {
	if !cfg.Kafka.Enabled {
		return nil, func() {}, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithBatch(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.BatchTimeout),
		pkgkafka.WithWriteTimeout(cfg.Kafka.Producer.WriteTimeout),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, func() { _ = producer.Close() }, nil
}

// ProvideLogger builds the root logger. With log.ship_errors set, error
// logs are aggregated and shipped through the producer.
func ProvideLogger(cfg *config.Config, producer *pkgkafka.Producer) (*applogger.Logger, func(), error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	if !cfg.Log.ShipErrors || producer == nil {
		return l, func() {}, nil
	}
	l.AddCollector(&applogger.CollectionConfig{
		TimeInterval:   30 * time.Second,
		CountThreshold: 100,
		Topic:          cfg.Kafka.LogsTopic,
		Publisher:      producer,
	})
	return l, l.RemoveCollector, nil
}

// ProvideRegistry also routes the kafka client metrics to it.
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	pkgkafka.SetMetricsRegisterer(reg)
	return reg
}

func ProvideMetrics(cfg *config.Config, reg *prometheus.Registry) domrepo.Metrics {
	if !cfg.Metrics.Enabled {
		return metrics.Noop{}
	}
	return metrics.NewWithRegisterer(reg)
}

func ProvideHubMetrics(cfg *config.Config, reg *prometheus.Registry) *svcmetrics.HubMetrics {
	if !cfg.Metrics.Enabled {
		return svcmetrics.NewHubMetrics(nil)
	}
	return svcmetrics.NewHubMetrics(reg)
}

// ProvideClickHouseClient connects and creates the changes table. Nil when
// clickhouse is disabled.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, func(), error) {
	if !cfg.ClickHouse.Enabled {
		return nil, func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := pkgch.NewClient(ctx,
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(cfg.ClickHouse.MaxOpenConns, cfg.ClickHouse.MaxOpenConns/2),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("clickhouse client: %w", err)
	}
	if err := client.InitSchema(ctx, internalrepo.ChangesSchema(cfg.ClickHouse.Table, cfg.ClickHouse.TTLDays)); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, func() { _ = client.Close() }, nil
}

// ProvideCache is redis when enabled, otherwise an in-process cache.
func ProvideCache(cfg *config.Config) (cache.Service, func(), error) {
	if !cfg.Redis.Enabled {
		c := cache.NewMemoryCache(
			cache.WithMemoryMaxSize(10000),
			cache.WithMemoryCleanup(time.Minute),
		)
		return c, func() { _ = c.Close() }, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := cache.NewRedisCache(ctx,
		cache.WithRedisHost(cfg.Redis.Host),
		cache.WithRedisPort(cfg.Redis.Port),
		cache.WithRedisPassword(cfg.Redis.Password),
		cache.WithRedisDB(cfg.Redis.DB),
		cache.WithRedisPool(cfg.Redis.PoolSize, 2, 30*time.Second),
		cache.WithRedisPrefix(cfg.Redis.Prefix),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	return c, func() { _ = c.Close() }, nil
}

func ProvideRESTClient(cfg *config.Config, m domrepo.Metrics, l *applogger.Logger) *binance.RESTClient {
	hc := xhttp.NewClient(
		xhttp.WithBaseURL(cfg.Exchange.RESTURL),
		xhttp.WithTimeout(cfg.Exchange.HTTPTimeout),
		xhttp.WithUserAgent("coinpulse"),
	)
	limiter := ratelimit.New(float64(cfg.Exchange.WeightPerMinute)/60, cfg.Exchange.WeightBurst)
	return binance.NewRESTClient(hc, limiter, m, binance.WithRESTLogger(l.With("binance-rest")))
}

// ProvideExchange selects the ticker source: binance aggTrade streams or
// the kafka ticks topic.
func ProvideExchange(cfg *config.Config, rest *binance.RESTClient, m domrepo.Metrics, l *applogger.Logger) *binance.Exchange {
	opts := []binance.Option{
		binance.WithLogger(l.With("binance")),
		binance.WithMetrics(m),
		binance.WithChartConcurrency(cfg.Exchange.ChartConcurrency),
	}
	if cfg.Exchange.TickerSource == "kafka" {
		tl := l.With("kafka-ticks")
		opts = append(opts, binance.WithTickerSourceFactory(
			internalrepo.KafkaTickerSourceFactory(tickConsumerFactory(cfg, tl), cfg.Kafka.TicksTopic, m, tl),
		))
	}
	return binance.NewExchange(rest, binance.StreamConfig{
		URL:               cfg.Exchange.StreamURL,
		PingInterval:      cfg.Exchange.PingInterval,
		ReconnectDelay:    cfg.Exchange.ReconnectDelay,
		MaxReconnectDelay: cfg.Exchange.MaxReconnectDelay,
		MaxStreamsPerConn: cfg.Exchange.MaxStreamsPerConn,
	}, opts...)
}

func tickConsumerFactory(cfg *config.Config, l *applogger.Logger) internalrepo.ConsumerFactory {
	c := cfg.Kafka.Consumer
	return func() (*pkgkafka.Consumer, error) {
		return pkgkafka.NewConsumer(
			pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
			pkgkafka.WithConsumerGroupID(c.GroupID),
			pkgkafka.WithConsumerStartOffset(c.StartOffset),
			pkgkafka.WithConsumerWorkers(c.Workers),
			pkgkafka.WithConsumerBufferSize(c.BufferSize),
			pkgkafka.WithConsumerRetry(uint64(c.RetryMax), c.BackoffMin, c.BackoffMax),
			pkgkafka.WithConsumerDLQ(c.DLQTopic),
			pkgkafka.WithConsumerLogger(l),
		)
	}
}

func ProvideSnapshotStore(cfg *config.Config, c cache.Service) *internalrepo.SnapshotStore {
	name := "memory"
	if cfg.Redis.Enabled {
		name = "redis"
	}
	return internalrepo.NewSnapshotStore(c, cfg.Redis.SnapshotTTL, name)
}

// ProvideClickHouseStore returns nil without a client.
func ProvideClickHouseStore(cfg *config.Config, client *pkgch.Client, l *applogger.Logger) *internalrepo.ClickHouseChangesStore {
	if client == nil {
		return nil
	}
	return internalrepo.NewClickHouseChangesStore(client.DB(), cfg.ClickHouse.Table, cfg.ClickHouse.MinAbsPercent, l.With("clickhouse"))
}

// ProvideChangesHistory keeps the interface nil when clickhouse is off so
// history requests report it as disabled.
func ProvideChangesHistory(store *internalrepo.ClickHouseChangesStore) domrepo.ChangesHistory {
	if store == nil {
		return nil
	}
	return store
}

func ProvideSinks(
	cfg *config.Config,
	snapshots *internalrepo.SnapshotStore,
	producer *pkgkafka.Producer,
	store *internalrepo.ClickHouseChangesStore,
	ex *binance.Exchange,
) []domrepo.ChangesSink {
	sinks := []domrepo.ChangesSink{snapshots}
	if producer != nil {
		sinks = append(sinks, internalrepo.NewKafkaChangesSink(producer, cfg.Kafka.ChangesTopic, ex.FormatPair))
	}
	if store != nil {
		sinks = append(sinks, store)
	}
	return sinks
}

func ProvideChangesPipeline(cfg *config.Config, m domrepo.Metrics, sinks []domrepo.ChangesSink, l *applogger.Logger) *mid.ChangesPipeline {
	return mid.NewChangesPipeline(m, sinks,
		mid.WithWorkers(cfg.Pipeline.Workers),
		mid.WithBufferSize(cfg.Pipeline.BufferSize),
		mid.WithSinkRetry(cfg.Pipeline.SinkRetries, cfg.Pipeline.RetryDelay),
		mid.WithLogger(l.With("pipeline")),
	)
}

func ProvideHub(ex *binance.Exchange, hm *svcmetrics.HubMetrics, l *applogger.Logger) *api.Hub {
	return api.NewHub(ex.FormatPair, hm, l.With("ws"))
}

// ProvideDispatcher fans changes out to the sinks and the websocket hub.
func ProvideDispatcher(p *mid.ChangesPipeline, hub *api.Hub, m domrepo.Metrics, l *applogger.Logger) *usecase.ChangesDispatcher {
	d := usecase.NewChangesDispatcher(p, m, l.With("dispatcher"))
	d.AddListener(hub.OnChanges)
	return d
}

// ProvideStatusPublisher returns nil when kafka is disabled.
func ProvideStatusPublisher(cfg *config.Config, producer *pkgkafka.Producer, l *applogger.Logger) *internalrepo.KafkaStatusPublisher {
	if producer == nil {
		return nil
	}
	return internalrepo.NewKafkaStatusPublisher(producer, cfg.Kafka.StatusTopic, l.With("status"))
}

func ProvideMessageReceiver(hub *api.Hub, status *internalrepo.KafkaStatusPublisher, l *applogger.Logger) usecase.MessageReceiver {
	ml := l.With("engine-messages")
	return func(msg models.EngineMessage) {
		ml.Info(msg.Message, applogger.String("kind", string(msg.Kind)))
		hub.OnMessage(msg)
		if status != nil {
			ctx, cancel := context.WithTimeout(context.Background(), statusPublishTimeout)
			status.Publish(ctx, msg)
			cancel()
		}
	}
}

func ProvideEngine(
	cfg *config.Config,
	ex *binance.Exchange,
	d *usecase.ChangesDispatcher,
	onMessage usecase.MessageReceiver,
	m domrepo.Metrics,
	l *applogger.Logger,
) (*usecase.Engine, error) {
	windows, err := cfg.WindowSeconds()
	if err != nil {
		return nil, err
	}
	est, err := relative.ParseEstimator(cfg.Engine.Estimator)
	if err != nil {
		return nil, err
	}
	criteria := make([]models.PairSelectionCriteria, len(cfg.Engine.Criteria))
	for i, c := range cfg.Engine.Criteria {
		criteria[i] = models.PairSelectionCriteria{CounterCurrency: c.CounterCurrency, MinVolume: c.MinVolume}
	}

	e := cfg.Engine
	engine, err := usecase.NewEngine(ex, d.Dispatch, usecase.EngineConfig{
		Windows:                      windows,
		RelativeNumCandles:           e.RelativeNumCandles,
		Criteria:                     criteria,
		Pairs:                        e.Pairs,
		Blacklist:                    e.Blacklist,
		RefreshInterval:              e.RefreshInterval,
		CheckChangesDelay:            e.CheckChangesDelay,
		Estimator:                    est,
		InitWithLowerPeriodChartData: e.InitWithLowerPeriodChartData,
		TimeframeMultiplier:          e.TimeframeMultiplier,
		RetryInterval:                e.RetryInterval,
		IngestShards:                 e.IngestShards,
		IngestBuffer:                 e.IngestBuffer,
		IngestTimeout:                e.IngestTimeout,
		MessageFlushInterval:         e.MessageFlushInterval,
	},
		usecase.WithEngineLogger(l.With("engine")),
		usecase.WithEngineMetrics(m),
		usecase.WithMessageReceiver(onMessage),
	)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	return engine, nil
}

func ProvideChangesQuery(engine *usecase.Engine, snapshots *internalrepo.SnapshotStore, history domrepo.ChangesHistory) *usecase.ChangesQuery {
	return usecase.NewChangesQuery(engine, snapshots, history)
}

func ProvideCandlesUseCase(engine *usecase.Engine) *usecase.CandlesUseCase {
	return usecase.NewCandlesUseCase(engine)
}

func ProvideChangesHandler(
	l *applogger.Logger,
	engine *usecase.Engine,
	q *usecase.ChangesQuery,
	candles *usecase.CandlesUseCase,
	hub *api.Hub,
	c cache.Service,
) *api.ChangesEchoHandler {
	return api.NewChangesEchoHandler(l.With("api"), engine, q, candles, hub, c)
}

func ProvideHTTPServer(cfg *config.Config, h *api.ChangesEchoHandler, reg *prometheus.Registry, l *applogger.Logger) *xhttp.Server {
	opts := []xhttp.ServerOption{
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithCORS(cfg.Server.CORSOrigins),
		xhttp.WithLogger(l.With("http")),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, xhttp.WithMetrics(reg, cfg.Metrics.Path))
	}
	if cfg.Server.RateLimit > 0 {
		opts = append(opts, xhttp.WithRateLimit(ratelimit.New(cfg.Server.RateLimit, cfg.Server.RateLimitBurst)))
	}
	return xhttp.NewServer([]xhttp.Handler{h}, opts...)
}

func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	engine *usecase.Engine,
	p *mid.ChangesPipeline,
	hub *api.Hub,
	srv *xhttp.Server,
) *server.App {
	return server.New(cfg, l, engine, p, hub, srv)
}
