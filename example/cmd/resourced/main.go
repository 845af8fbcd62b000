// Command resourced serves the resource aggregate over http, keeps the owners
// read model up to date and optionally relays resource events to kafka.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	eventstore "github.com/SALT-FIUBA/backend-sub000"
	"github.com/SALT-FIUBA/backend-sub000/aggregate"
	"github.com/SALT-FIUBA/backend-sub000/ambar"
	"github.com/SALT-FIUBA/backend-sub000/ambar/echoambar"
	"github.com/SALT-FIUBA/backend-sub000/config"
	"github.com/SALT-FIUBA/backend-sub000/dedup"
	"github.com/SALT-FIUBA/backend-sub000/example/resource"
	"github.com/SALT-FIUBA/backend-sub000/kafkarelay"
	"github.com/SALT-FIUBA/backend-sub000/sqlstore"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.ServiceName, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("resourced stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}

	defer store.Close()

	handler, err := resource.NewHandler(store, aggregate.WithLogger(logger))
	if err != nil {
		return err
	}

	owners := resource.NewOwners()
	project := dedup.Handler(dedup.NewMemory(), owners.Handle, logger)

	consumer := eventstore.NewConsumer(store, resource.NewEncoder(),
		eventstore.WithLogger(logger),
		eventstore.WithRestartDelay(cfg.RestartDelay),
		eventstore.WithBufferSize(cfg.BufferSize),
		eventstore.WithSubscriptionSettings(cfg.SubscriptionSettings()),
	)

	category := eventstore.CategoryStream(resource.Kind)

	// owners lives in memory, so every process replays the category into it
	// through a group of its own, removed again on shutdown
	ownersGroup := "owners-" + uuid.NewString()
	consumer.Add(category, ownersGroup, project)

	if len(cfg.KafkaBrokers) > 0 {
		guard, closeGuard, err := openGuard(ctx, cfg)
		if err != nil {
			return err
		}

		defer closeGuard()

		w := kafkarelay.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer w.Close()

		consumer.Add(category, "kafka-relay", dedup.Handler(guard, kafkarelay.New(w).Handle, logger))

		logger.Info("kafka relay enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	resource.NewAPI(handler, owners, logger).Register(e)
	e.POST("/ambar/owners", echoambar.Wrap(ambar.New(resource.NewEncoder()), echoambar.WithLogger(logger))(project))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return consumer.Run(ctx)
	})

	g.Go(func() error {
		logger.Info("http server starting", "addr", cfg.HTTPAddr)

		err := e.Start(cfg.HTTPAddr)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return e.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	cleanupCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	delErr := store.DeletePersistentSubscription(cleanupCtx, category, ownersGroup)
	if delErr != nil && !errors.Is(delErr, eventstore.ErrSubscriptionNotFound) {
		logger.Warn("owners group not removed", "group", ownersGroup, "err", delErr)
	}

	return err
}

func openStore(cfg config.Config, logger *slog.Logger) (*sqlstore.Store, error) {
	opts := []sqlstore.Option{
		sqlstore.WithPollInterval(cfg.PollInterval),
		sqlstore.WithLogger(logger),
	}

	if cfg.PostgresDSN != "" {
		return sqlstore.New(append(opts, sqlstore.WithPostgresDB(cfg.PostgresDSN))...)
	}

	return sqlstore.New(append(opts, sqlstore.WithSQLiteDB(cfg.SQLitePath))...)
}

// openGuard prefers redis, then the postgres inbox table, then process memory
func openGuard(ctx context.Context, cfg config.Config) (dedup.Guard, func(), error) {
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

		return dedup.NewRedis(rdb, cfg.ServiceName, cfg.DedupTTL), func() { _ = rdb.Close() }, nil
	}

	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}

		guard := dedup.NewPostgres(pool, "")

		if err := guard.Migrate(ctx); err != nil {
			pool.Close()

			return nil, nil, err
		}

		return guard, pool.Close, nil
	}

	return dedup.NewMemory(), func() {}, nil
}
