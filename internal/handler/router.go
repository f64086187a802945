package handler

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/notification-gateway/internal/observability"
	"github.com/kursadbilgin/notification-gateway/internal/transport"
	"go.uber.org/zap"
)

type Dependencies struct {
	Service NotificationService
	Limiter RateLimiter
	Cache   CachePinger
	Broker  BrokerStatus
	Metrics *observability.Metrics
	APIKeys []string
	Logger  *zap.Logger
}

// NewApp builds the HTTP application. Middleware runs in this order: recover,
// request id, correlation id, metrics, then per route API-key auth and rate
// limiting. Health and metrics routes are registered first so the
// /v1/notifications/:id lookup never shadows them.
func NewApp(deps Dependencies) (*fiber.App, error) {
	if deps.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		AppName:               "notification-gateway",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(observability.CorrelationMiddleware())
	app.Use(deps.Metrics.HTTPMiddleware())

	RegisterHealthRoutes(app, deps.Cache, deps.Broker)
	app.Get("/metrics", adaptor.HTTPHandler(deps.Metrics.Handler()))

	auth := APIKeyAuth(deps.APIKeys, logger)
	limit := RateLimit(deps.Limiter)
	if err := RegisterNotificationRoutes(app, deps.Service, auth, limit); err != nil {
		return nil, err
	}

	return app, nil
}
