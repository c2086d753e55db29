package wire

import (
	"context"

	"github.com/Digital-Creators-Team/points-engine/completion"
	"github.com/Digital-Creators-Team/points-engine/config"
	"github.com/Digital-Creators-Team/points-engine/db/redis"
	"github.com/Digital-Creators-Team/points-engine/events/kafka"
	"github.com/Digital-Creators-Team/points-engine/ledger"
	"github.com/Digital-Creators-Team/points-engine/pkg/jackpot"
	"github.com/Digital-Creators-Team/points-engine/pkg/providers"
	"github.com/Digital-Creators-Team/points-engine/server"
	"github.com/Digital-Creators-Team/points-engine/winners"
	"github.com/rs/zerolog"
)

// Runtime is the assembled engine of one pointsd instance.
type Runtime struct {
	Config    *config.Config
	Logger    zerolog.Logger
	Store     providers.Store
	Redis     *redis.Client
	Producer  *kafka.Producer
	Consumer  *kafka.Consumer
	Pools     *jackpot.Manager
	Ledger    *ledger.Service
	Winners   *winners.Registry
	Processor *completion.Processor
	Sweeper   *completion.Sweeper
	App       *server.App
}

// NewRuntime assembles FullSet by hand, in dependency order. The returned
// cleanup releases resources in reverse order.
func NewRuntime(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Runtime, func(), error) {
	store, closeStore, err := ProvideStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	client, closeRedis := ProvideRedisClient(ctx, cfg, logger)
	producer, closeProducer := ProvideKafkaProducer(cfg, logger)
	cleanup := func() {
		closeProducer()
		closeRedis()
		closeStore()
	}

	publisher := ProvideEventPublisher(producer, cfg, logger)
	pools, err := ProvidePoolManager(store, cfg, publisher, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	ledgerSvc := ProvideLedger(store, cfg, logger)
	registry := ProvideRegistry(store, pools, cfg, logger)
	fulfillment := ProvideFulfillment(cfg, registry, logger)
	processor := ProvideProcessor(store, pools, publisher, fulfillment, cfg, logger)
	sweeper := ProvideSweeper(processor, client, cfg, logger)
	cache := ProvideSnapshotCache(client, pools, registry, cfg, logger)
	consumer := ProvideKafkaConsumer(cfg, pools, logger)
	services := ProvideServices(store, processor, ledgerSvc, pools, cache, registry)
	app := ProvideApp(ProvideServerOptions(cfg, logger, services))

	return &Runtime{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Redis:     client,
		Producer:  producer,
		Consumer:  consumer,
		Pools:     pools,
		Ledger:    ledgerSvc,
		Winners:   registry,
		Processor: processor,
		Sweeper:   sweeper,
		App:       app,
	}, cleanup, nil
}

// Start creates missing pool rows and launches the background loops. They
// stop when ctx is done.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.Pools.Init(ctx); err != nil {
		return err
	}
	go func() {
		if err := r.Pools.Run(ctx); err != nil {
			r.Logger.Error().Err(err).Msg("Pool broadcaster stopped")
		}
	}()
	if r.Sweeper != nil {
		go func() {
			if err := r.Sweeper.Run(ctx); err != nil {
				r.Logger.Error().Err(err).Msg("Completion sweeper stopped")
			}
		}()
	}
	if r.Consumer != nil {
		r.Consumer.Start()
	}
	return nil
}

// Stop halts the consumer and waits for in-flight side effects. Call it
// before the cleanup returned by NewRuntime.
func (r *Runtime) Stop() {
	if r.Consumer != nil {
		_ = r.Consumer.Stop()
	}
	r.Processor.Wait()
}
