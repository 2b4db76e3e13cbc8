package server

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/zhejian/url-shortener/internal/cache"
	"github.com/zhejian/url-shortener/internal/config"
	"github.com/zhejian/url-shortener/internal/events"
	"github.com/zhejian/url-shortener/internal/infra"
	"github.com/zhejian/url-shortener/internal/repository"
)

const memoryBusDepth = 1024

// Connect opens the backends selected by cfg. The returned close function
// releases them in reverse order of opening and is safe to call once.
// Postgres schema migrations are applied before the store is returned.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Dependencies, func(), error) {
	var (
		deps    Dependencies
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (Dependencies, func(), error) {
		closeAll()
		return Dependencies{}, func() {}, err
	}

	switch cfg.Database.Driver {
	case "postgres":
		connString := cfg.Database.ConnectionString()
		if err := infra.RunMigrations(connString); err != nil {
			return fail(fmt.Errorf("migrate database: %w", err))
		}
		pool, err := infra.NewPostgresPool(ctx, connString)
		if err != nil {
			return fail(fmt.Errorf("connect database: %w", err))
		}
		closers = append(closers, pool.Close)
		deps.Store = repository.NewPostgresLinkStore(pool)
		logger.Info("database connected", slog.String("driver", "postgres"))
	default:
		deps.Store = repository.NewMemoryLinkStore()
		logger.Warn("using in-memory link store; links are lost on restart")
	}

	switch cfg.Cache.Driver {
	case "redis":
		client, err := infra.NewCacheClient(ctx, cfg.Cache.ConnectionString())
		if err != nil {
			return fail(fmt.Errorf("connect cache: %w", err))
		}
		closers = append(closers, func() { _ = client.Close() })
		deps.Cache = cache.NewRedisCache(client, cache.RedisOptions{
			OpTimeout:       cfg.Cache.OpTimeout,
			VisitTTL:        cfg.Cache.VisitTTL,
			BreakerFailures: cfg.Cache.BreakerFailures,
			BreakerCooldown: cfg.Cache.BreakerCooldown,
		})
		logger.Info("cache connected", slog.String("driver", "redis"))
	default:
		deps.Cache = cache.NewMemoryCache(cfg.Cache.VisitTTL)
	}

	switch cfg.Broker.Driver {
	case "rabbitmq":
		brokerURL := cfg.Broker.ConnectionString()
		conn, err := infra.NewBrokerConnection(ctx, brokerURL)
		if err != nil {
			return fail(fmt.Errorf("connect broker: %w", err))
		}
		closers = append(closers, func() { _ = conn.Close() })
		bus, err := events.NewRabbitBus(conn, events.RabbitOptions{
			Exchange:       cfg.Broker.Exchange,
			PublishTimeout: cfg.Broker.PublishTimeout,
			Prefetch:       cfg.Broker.Prefetch,
			Redial: func(ctx context.Context) (*amqp.Connection, error) {
				return infra.NewBrokerConnection(ctx, brokerURL)
			},
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("open event bus: %w", err))
		}
		closers = append(closers, func() { closeBus(bus, logger) })
		deps.Bus = bus
		logger.Info("broker connected", slog.String("driver", "rabbitmq"))
	default:
		bus := events.NewMemoryBus(memoryBusDepth)
		closers = append(closers, func() { closeBus(bus, logger) })
		deps.Bus = bus
	}

	return deps, closeAll, nil
}

func closeBus(bus events.Bus, logger *slog.Logger) {
	if err := bus.Close(); err != nil {
		logger.Warn("failed to close event bus", slog.String("error", err.Error()))
	}
}
