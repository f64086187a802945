package main

import (
	"context"
	"errors"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/kursadbilgin/notification-gateway/internal/config"
	"github.com/kursadbilgin/notification-gateway/internal/domain"
	"github.com/kursadbilgin/notification-gateway/internal/handler"
	"github.com/kursadbilgin/notification-gateway/internal/observability"
	"github.com/kursadbilgin/notification-gateway/internal/queue"
	"github.com/kursadbilgin/notification-gateway/internal/ratelimit"
	"github.com/kursadbilgin/notification-gateway/internal/service"
	"github.com/kursadbilgin/notification-gateway/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("notification gateway stopped with error", zap.Error(err))
	}
	logger.Info("notification gateway stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics()

	redisOpts, err := cfg.RedisOptions()
	if err != nil {
		return err
	}
	rdb, err := store.NewRedisClient(ctx, redisOpts)
	if err != nil {
		// Cache operations fail open, so the gateway can serve without Redis.
		logger.Warn("redis unavailable at startup", zap.Error(err))
	}

	cache, err := store.NewRedisStore(rdb, store.Options{
		Timeout:        cfg.CacheTimeout(),
		IdempotencyTTL: cfg.IdempotencyTTL(),
		StatusTTL:      cfg.StatusTTL(),
	}, logger.Named("store"), metrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Error("failed to close redis client", zap.Error(err))
		}
	}()

	topology, err := queue.NewTopology(cfg.RabbitMQExchange, cfg.QueueNames())
	if err != nil {
		return err
	}
	broker, err := queue.NewRabbitMQ(queue.Options{
		URL:         cfg.AMQPURL(),
		Topology:    topology,
		DialTimeout: cfg.BrokerTimeout(),
		Heartbeat:   cfg.BrokerHeartbeat(),
	}, logger.Named("rabbitmq"))
	if err != nil {
		return err
	}
	if err := broker.Connect(ctx); err != nil {
		if errors.Is(err, domain.ErrTopology) {
			return err
		}
		logger.Warn("rabbitmq unavailable at startup, will reconnect on demand", zap.Error(err))
	}

	publisher := queue.NewRabbitMQPublisher(broker, cfg.BrokerTimeout(), logger.Named("publisher"))
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Error("failed to close rabbitmq", zap.Error(err))
		}
	}()

	guard, err := ratelimit.NewGuard(cache, int64(cfg.RateLimitPerMinute), cfg.RateLimitWindow(), logger.Named("ratelimit"), metrics)
	if err != nil {
		return err
	}

	svc, err := service.NewNotificationService(publisher, cache, metrics, logger.Named("service"))
	if err != nil {
		return err
	}

	apiKeys := cfg.APIKeyList()
	if len(apiKeys) == 0 {
		logger.Warn("API_KEYS is empty, authenticated routes will answer configuration_error")
	}

	app, err := handler.NewApp(handler.Dependencies{
		Service: svc,
		Limiter: guard,
		Cache:   cache,
		Broker:  publisher,
		Metrics: metrics,
		APIKeys: apiKeys,
		Logger:  logger.Named("http"),
	})
	if err != nil {
		return err
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := net.JoinHostPort("", strconv.Itoa(cfg.APIPort))
		logger.Info("notification gateway listening", zap.String("addr", addr))
		return app.Listen(addr)
	})
	g.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down http server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	return g.Wait()
}
