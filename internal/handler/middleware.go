package handler

import (
	"context"
	"crypto/subtle"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/notification-gateway/internal/domain"
	"github.com/kursadbilgin/notification-gateway/internal/ratelimit"
	"github.com/kursadbilgin/notification-gateway/internal/transport"
	"go.uber.org/zap"
)

const (
	HeaderAPIKey   = "X-API-Key"
	HeaderClientID = "X-Client-ID"

	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"

	localAPIKey    = "api_key"
	localRateLimit = "rate_limit"
)

// RateLimiter decides whether a request identified by identifier is admitted.
type RateLimiter interface {
	Check(ctx context.Context, identifier string) (ratelimit.Decision, error)
}

// APIKeyAuth admits requests whose X-API-Key header is in keys.
func APIKeyAuth(keys []string, logger *zap.Logger) fiber.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			allowed = append(allowed, []byte(k))
		}
	}

	return func(c *fiber.Ctx) error {
		key := strings.TrimSpace(c.Get(HeaderAPIKey))
		if key == "" {
			return transport.NewAPIError(fiber.StatusUnauthorized, transport.CodeMissingAPIKey,
				"API key is required. Please provide X-API-Key header.")
		}

		if len(allowed) == 0 {
			logger.Warn("no API keys configured")
			return transport.NewAPIError(fiber.StatusInternalServerError, transport.CodeConfigurationError,
				"API authentication is not properly configured")
		}

		if !containsKey(allowed, []byte(key)) {
			return transport.NewAPIError(fiber.StatusUnauthorized, transport.CodeInvalidAPIKey,
				"Invalid API key provided")
		}

		c.Locals(localAPIKey, key)
		return c.Next()
	}
}

// RateLimit applies the guard to authenticated requests and sets the
// X-RateLimit-* headers. Requests without an identifier pass unlimited.
func RateLimit(limiter RateLimiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		decision, err := limiter.Check(c.UserContext(), rateLimitIdentifier(c))
		if decision.Skipped {
			return c.Next()
		}

		info := decision.Info
		setRateLimitHeaders(c, info)

		if err != nil {
			c.Set(fiber.HeaderRetryAfter, strconv.FormatInt(info.ResetInSeconds, 10))
			return c.Status(fiber.StatusTooManyRequests).JSON(transport.Failure(
				domain.OutcomeRateLimited.ErrorCode(),
				"Rate limit exceeded. Limit: "+strconv.FormatInt(info.Limit, 10)+
					" requests per minute. Try again in "+strconv.FormatInt(info.ResetInSeconds, 10)+" seconds.",
				&info,
			))
		}

		c.Locals(localRateLimit, &info)
		return c.Next()
	}
}

func rateLimitIdentifier(c *fiber.Ctx) string {
	if key, ok := c.Locals(localAPIKey).(string); ok && key != "" {
		return key
	}
	return strings.TrimSpace(c.Get(HeaderClientID))
}

func rateLimitInfo(c *fiber.Ctx) *domain.RateLimitInfo {
	info, _ := c.Locals(localRateLimit).(*domain.RateLimitInfo)
	return info
}

func setRateLimitHeaders(c *fiber.Ctx, info domain.RateLimitInfo) {
	c.Set(HeaderRateLimitLimit, strconv.FormatInt(info.Limit, 10))
	c.Set(HeaderRateLimitRemaining, strconv.FormatInt(info.Remaining, 10))
	c.Set(HeaderRateLimitReset, strconv.FormatInt(info.ResetInSeconds, 10))
}

func containsKey(allowed [][]byte, key []byte) bool {
	found := 0
	for _, k := range allowed {
		found |= subtle.ConstantTimeCompare(k, key)
	}
	return found == 1
}
