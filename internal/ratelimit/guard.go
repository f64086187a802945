package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/notification-gateway/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultLimit  int64 = 100
	defaultWindow       = time.Minute
)

// Counter is the cache-side window counter consulted by the guard.
type Counter interface {
	IncrementRateLimit(ctx context.Context, identifier string, window time.Duration) (int64, error)
	RateLimitInfo(ctx context.Context, identifier string, limit int64, window time.Duration) domain.RateLimitInfo
}

// RejectionRecorder counts requests rejected by the guard.
type RejectionRecorder interface {
	IncRateLimitRejected()
}

// Decision is the guard verdict for one request. Skipped is set when no
// identifier was available; such requests are never limited.
type Decision struct {
	Allowed bool
	Skipped bool
	Info    domain.RateLimitInfo
}

// Guard enforces a fixed per-identifier request quota per window. Counter
// failures admit the request.
type Guard struct {
	counter  Counter
	limit    int64
	window   time.Duration
	logger   *zap.Logger
	rejected RejectionRecorder
}

func NewGuard(counter Counter, limit int64, window time.Duration, logger *zap.Logger, rejected RejectionRecorder) (*Guard, error) {
	if counter == nil {
		return nil, fmt.Errorf("rate limit counter is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if window <= 0 {
		window = defaultWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Guard{
		counter:  counter,
		limit:    limit,
		window:   window,
		logger:   logger,
		rejected: rejected,
	}, nil
}

func (g *Guard) Limit() int64 { return g.limit }

// Check counts one request for identifier. A rejected request returns an error
// wrapping domain.ErrRateLimited together with a decision whose Remaining is 0.
func (g *Guard) Check(ctx context.Context, identifier string) (Decision, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return Decision{Allowed: true, Skipped: true}, nil
	}

	count, err := g.counter.IncrementRateLimit(ctx, identifier, g.window)
	if err != nil {
		g.logger.Warn("rate limit check failed, admitting request", zap.Error(err))
		return Decision{Allowed: true, Info: g.freshWindow()}, nil
	}

	info := g.counter.RateLimitInfo(ctx, identifier, g.limit, g.window)
	info.Limit = g.limit
	info.Remaining = max(0, g.limit-count)

	if count > g.limit {
		if g.rejected != nil {
			g.rejected.IncRateLimitRejected()
		}
		g.logger.Info("rate limit exceeded",
			zap.Int64("count", count),
			zap.Int64("limit", g.limit),
		)
		return Decision{Info: info}, fmt.Errorf("%w: %d requests in %s", domain.ErrRateLimited, count, g.window)
	}

	return Decision{Allowed: true, Info: info}, nil
}

func (g *Guard) freshWindow() domain.RateLimitInfo {
	return domain.RateLimitInfo{
		Limit:          g.limit,
		Remaining:      g.limit,
		ResetInSeconds: int64(g.window / time.Second),
	}
}
