package wire

import (
	"context"

	"github.com/Digital-Creators-Team/points-engine/completion"
	"github.com/Digital-Creators-Team/points-engine/config"
	"github.com/Digital-Creators-Team/points-engine/db/memory"
	"github.com/Digital-Creators-Team/points-engine/db/postgres"
	"github.com/Digital-Creators-Team/points-engine/db/redis"
	"github.com/Digital-Creators-Team/points-engine/events/kafka"
	"github.com/Digital-Creators-Team/points-engine/httpclient"
	"github.com/Digital-Creators-Team/points-engine/ledger"
	"github.com/Digital-Creators-Team/points-engine/logging"
	"github.com/Digital-Creators-Team/points-engine/pkg/jackpot"
	"github.com/Digital-Creators-Team/points-engine/pkg/providers"
	"github.com/Digital-Creators-Team/points-engine/provider"
	"github.com/Digital-Creators-Team/points-engine/server"
	"github.com/Digital-Creators-Team/points-engine/winners"
	"github.com/google/wire"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ProvideLogger provides a zerolog.Logger
func ProvideLogger(cfg *config.Config) zerolog.Logger {
	return logging.New(cfg.Logging)
}

// ProvideStore opens the configured persistence backend
func ProvideStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (providers.Store, func(), error) {
	if cfg.Storage.Driver == config.StorageDriverMemory {
		logger.Warn().Msg("Using in-memory store; balances are lost on restart")
		store := memory.New(clockwork.NewRealClock())
		return store, store.Close, nil
	}

	store, err := postgres.New(ctx, cfg.Postgres, logger)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// ProvideRedisClient provides a Redis client, or nil when Redis is not
// configured or unreachable. Every Redis use has a store fallback.
func ProvideRedisClient(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*redis.Client, func()) {
	if cfg.Redis.Addr == "" {
		return nil, func() {}
	}
	client, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unavailable, running without cache")
		return nil, func() {}
	}
	return client, func() { _ = client.Close() }
}

// ProvideKafkaProducer provides a producer, or nil without brokers
func ProvideKafkaProducer(cfg *config.Config, logger zerolog.Logger) (*kafka.Producer, func()) {
	producer := kafka.NewProducer(kafka.ProducerConfig{Brokers: cfg.Kafka.Brokers, Logger: logger})
	if producer == nil {
		return nil, func() {}
	}
	return producer, func() { _ = producer.Close() }
}

// ProvideEventPublisher wraps the producer. The result is a nil interface
// when Kafka is disabled, so callers can test it against nil.
func ProvideEventPublisher(producer *kafka.Producer, cfg *config.Config, logger zerolog.Logger) providers.EventPublisher {
	if producer == nil {
		return nil
	}
	return provider.NewEventPublisher(producer, cfg.Kafka, logger)
}

// ProvidePoolManager builds the reward pool manager from the tier config
func ProvidePoolManager(store providers.Store, cfg *config.Config, publisher providers.EventPublisher, logger zerolog.Logger) (*jackpot.Manager, error) {
	return jackpot.NewManager(store, jackpot.ManagerConfig{
		Tiers:     cfg.Rewards.Tiers,
		Publisher: publisher,
		Retry:     cfg.Rewards.Retry.Policy(),
		Logger:    logger,
	})
}

// ProvideLedger provides the ledger service
func ProvideLedger(store providers.Store, cfg *config.Config, logger zerolog.Logger) *ledger.Service {
	return ledger.NewService(store, cfg.Rewards.Retry.Policy(), logger)
}

// ProvideRegistry provides the winner registry, validating tiers against the pool manager
func ProvideRegistry(store providers.Store, pools *jackpot.Manager, cfg *config.Config, logger zerolog.Logger) *winners.Registry {
	return winners.NewRegistry(store, winners.Config{
		KnownTier: func(id string) bool {
			_, ok := pools.Tier(id)
			return ok
		},
		Retry:  cfg.Rewards.Retry.Policy(),
		Logger: logger,
	})
}

// ProvideFulfillment provides the fulfillment notifier, or nil when no
// fulfillment service is configured.
func ProvideFulfillment(cfg *config.Config, registry *winners.Registry, logger zerolog.Logger) providers.FulfillmentProvider {
	svc := cfg.ExternalServices.FulfillmentService
	if svc.BaseURL == "" {
		return nil
	}
	client := httpclient.New(httpclient.Config{
		BaseURL: svc.BaseURL,
		Timeout: svc.Timeout,
		Logger:  logger,
		Retry:   cfg.Rewards.Retry.Policy(),
	})
	return provider.NewFulfillmentProvider(client, registry, logger)
}

// ProvideProcessor provides the completion processor
func ProvideProcessor(store providers.Store, pools *jackpot.Manager, publisher providers.EventPublisher,
	fulfillment providers.FulfillmentProvider, cfg *config.Config, logger zerolog.Logger) *completion.Processor {
	return completion.NewProcessor(store, pools, completion.Config{
		UserReward:          cfg.Rewards.UserReward,
		JackpotContribution: cfg.Rewards.JackpotContribution,
		Retry:               cfg.Rewards.Retry.Policy(),
		Publisher:           publisher,
		Fulfillment:         fulfillment,
		Logger:              logger,
	})
}

// ProvideSweeper provides the stalled-completion sweeper, or nil when
// rewards.resume.interval is negative. With Redis, one instance sweeps at a time.
func ProvideSweeper(processor *completion.Processor, client *redis.Client, cfg *config.Config, logger zerolog.Logger) *completion.Sweeper {
	resume := cfg.Rewards.Resume
	if resume.Interval < 0 {
		return nil
	}
	var locker completion.Locker
	if client != nil {
		locker = client
	}
	return completion.NewSweeper(processor, completion.SweeperConfig{
		Interval:   resume.Interval,
		After:      resume.After,
		Batch:      resume.Batch,
		Locker:     locker,
		InstanceID: cfg.Kafka.InstanceID,
		Logger:     logger,
	})
}

// ProvideSnapshotCache provides the read-through dashboard cache
func ProvideSnapshotCache(client *redis.Client, pools *jackpot.Manager, registry *winners.Registry, cfg *config.Config, logger zerolog.Logger) *provider.SnapshotCache {
	var cache provider.Cache
	if client != nil {
		cache = client
	}
	return provider.NewSnapshotCache(cache, pools, registry, cfg.Redis.SnapshotTTL, logger)
}

// ProvideKafkaConsumer provides the peer pool update consumer, or nil without brokers
func ProvideKafkaConsumer(cfg *config.Config, pools *jackpot.Manager, logger zerolog.Logger) *kafka.Consumer {
	if !cfg.Kafka.Enabled() {
		return nil
	}
	return kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:       cfg.Kafka.Brokers,
		Topic:         cfg.Kafka.Topics.Pools,
		ConsumerGroup: cfg.Kafka.ConsumerGroup,
		InstanceID:    cfg.Kafka.InstanceID,
		Logger:        logger,
	}, pools)
}

// ProvideServices bundles what the HTTP layer calls into
func ProvideServices(store providers.Store, processor *completion.Processor, ledgerSvc *ledger.Service,
	pools *jackpot.Manager, cache *provider.SnapshotCache, registry *winners.Registry) server.Services {
	return server.Services{
		Completions: processor,
		Accounts:    ledgerSvc,
		Pools:       cache,
		Feed:        pools,
		Winners:     registry,
		Health:      store,
	}
}

// ProvideServerOptions provides server options
func ProvideServerOptions(cfg *config.Config, logger zerolog.Logger, services server.Services) server.Options {
	return server.Options{
		Config:   cfg,
		Logger:   logger,
		Services: services,
	}
}

// ProvideApp provides the HTTP application with its routes registered
func ProvideApp(opts server.Options) *server.App {
	app := server.New(opts)
	app.UseCommonMiddlewares()
	app.RegisterHealthCheck()
	app.RegisterRoutes()
	return app
}

// LoggingSet is the wire provider set for logging
var LoggingSet = wire.NewSet(
	ProvideLogger,
)

// StoreSet is the wire provider set for persistence and caching
var StoreSet = wire.NewSet(
	ProvideStore,
	ProvideRedisClient,
)

// EventSet is the wire provider set for Kafka
var EventSet = wire.NewSet(
	ProvideKafkaProducer,
	ProvideEventPublisher,
	ProvideKafkaConsumer,
)

// EngineSet is the wire provider set for the reward engine
var EngineSet = wire.NewSet(
	ProvidePoolManager,
	ProvideLedger,
	ProvideRegistry,
	ProvideFulfillment,
	ProvideProcessor,
	ProvideSweeper,
	ProvideSnapshotCache,
)

// ServerSet is the wire provider set for the HTTP server
var ServerSet = wire.NewSet(
	ProvideServices,
	ProvideServerOptions,
	ProvideApp,
)

// FullSet includes every provider needed for a Runtime
var FullSet = wire.NewSet(
	StoreSet,
	EventSet,
	EngineSet,
	ServerSet,
	wire.Struct(new(Runtime), "*"),
)
