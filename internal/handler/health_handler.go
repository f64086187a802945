package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/notification-gateway/internal/transport"
)

const readinessTimeout = 2 * time.Second

type CachePinger interface {
	Ping(ctx context.Context) error
}

type BrokerStatus interface {
	IsConnected() bool
}

func RegisterHealthRoutes(app fiber.Router, cache CachePinger, broker BrokerStatus) {
	app.Get("/livez", LivezHandler())
	app.Get("/readyz", ReadyzHandler(cache, broker))
	app.Get("/v1/notifications/health", ServiceHealthHandler(cache, broker))
}

func LivezHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "ok",
		})
	}
}

func ReadyzHandler(cache CachePinger, broker BrokerStatus) fiber.Handler {
	return func(c *fiber.Ctx) error {
		redisUp, rabbitUp := checkDependencies(c.UserContext(), cache, broker)

		status := "ready"
		statusCode := fiber.StatusOK
		if !redisUp || !rabbitUp {
			status = "not_ready"
			statusCode = fiber.StatusServiceUnavailable
		}

		return c.Status(statusCode).JSON(fiber.Map{
			"status": status,
			"checks": fiber.Map{
				"redis":    upOrDown(redisUp),
				"rabbitmq": upOrDown(rabbitUp),
			},
		})
	}
}

// ServiceHealthHandler always answers 200; the body reports each dependency.
func ServiceHealthHandler(cache CachePinger, broker BrokerStatus) fiber.Handler {
	return func(c *fiber.Ctx) error {
		redisUp, rabbitUp := checkDependencies(c.UserContext(), cache, broker)

		status := "healthy"
		if !redisUp || !rabbitUp {
			status = "degraded"
		}

		return c.Status(fiber.StatusOK).JSON(transport.Success(fiber.Map{
			"status": status,
			"services": fiber.Map{
				"rabbitmq": rabbitUp,
				"redis":    redisUp,
			},
		}, transport.MessageHealthy, nil))
	}
}

func checkDependencies(ctx context.Context, cache CachePinger, broker BrokerStatus) (bool, bool) {
	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	redisUp := cache != nil && cache.Ping(ctx) == nil
	rabbitUp := broker != nil && broker.IsConnected()
	return redisUp, rabbitUp
}

func upOrDown(up bool) string {
	if up {
		return "ok"
	}
	return "down"
}
