package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/notification-gateway/internal/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultTimeout        = 2 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
	defaultStatusTTL      = 24 * time.Hour

	idempotencyPrefix = "idempotency:"
	statusPrefix      = "notification:"
	statusSuffix      = ":status"
	rateLimitPrefix   = "rate_limit:"
)

// Cache operation names, used as the degraded metric label.
const (
	OpGetIdempotency = "get_idempotency"
	OpPutIdempotency = "put_idempotency"
	OpGetStatus      = "get_status"
	OpPutStatus      = "put_status"
	OpIncrRateLimit  = "incr_rate_limit"
	OpRateLimitInfo  = "rate_limit_info"
)

// incrementScript bumps the window counter and starts its expiry on the first
// increment. A counter found without expiry gets one as well.
var incrementScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
elseif redis.call("TTL", KEYS[1]) < 0 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// DegradeRecorder counts cache operations that failed open.
type DegradeRecorder interface {
	IncCacheDegraded(operation string)
}

type Options struct {
	Timeout        time.Duration
	IdempotencyTTL time.Duration
	StatusTTL      time.Duration
}

// RedisStore keeps idempotent responses, status records and rate-limit
// counters in Redis. Lookups fail open: a backend error reads as a miss.
type RedisStore struct {
	client   redis.UniversalClient
	opts     Options
	script   *redis.Script
	logger   *zap.Logger
	degraded DegradeRecorder
}

func NewRedisStore(client redis.UniversalClient, opts Options, logger *zap.Logger, degraded DegradeRecorder) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = defaultIdempotencyTTL
	}
	if opts.StatusTTL <= 0 {
		opts.StatusTTL = defaultStatusTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisStore{
		client:   client,
		opts:     opts,
		script:   incrementScript,
		logger:   logger,
		degraded: degraded,
	}, nil
}

func IdempotencyKey(key string) string { return idempotencyPrefix + key }

func StatusKey(notificationID string) string { return statusPrefix + notificationID + statusSuffix }

func RateLimitKey(identifier string) string { return rateLimitPrefix + identifier }

// GetIdempotentResponse returns the stored response body for key, exactly as
// it was written.
func (s *RedisStore) GetIdempotentResponse(ctx context.Context, key string) ([]byte, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	body, err := s.client.Get(ctx, IdempotencyKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.degrade(OpGetIdempotency, err, zap.String("idempotency_key", key))
		}
		return nil, false
	}
	return body, true
}

func (s *RedisStore) PutIdempotentResponse(ctx context.Context, key string, body []byte) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("idempotency key is required")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Set(ctx, IdempotencyKey(key), body, s.opts.IdempotencyTTL).Err(); err != nil {
		s.degrade(OpPutIdempotency, err, zap.String("idempotency_key", key))
		return fmt.Errorf("failed to store idempotent response: %w", err)
	}
	return nil
}

// GetStatus returns the status record of a notification. Expired, missing and
// unreadable records all report as absent.
func (s *RedisStore) GetStatus(ctx context.Context, notificationID string) (*domain.StatusRecord, bool) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	raw, err := s.client.Get(ctx, StatusKey(notificationID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.degrade(OpGetStatus, err, zap.String("notification_id", notificationID))
		}
		return nil, false
	}

	var rec domain.StatusRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.degrade(OpGetStatus, err, zap.String("notification_id", notificationID))
		return nil, false
	}
	return &rec, true
}

func (s *RedisStore) PutStatus(ctx context.Context, rec domain.StatusRecord) error {
	if strings.TrimSpace(rec.NotificationID) == "" {
		return fmt.Errorf("notification id is required")
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal status record: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Set(ctx, StatusKey(rec.NotificationID), payload, s.opts.StatusTTL).Err(); err != nil {
		s.degrade(OpPutStatus, err, zap.String("notification_id", rec.NotificationID))
		return fmt.Errorf("failed to store status record: %w", err)
	}
	return nil
}

// IncrementRateLimit atomically counts one request for identifier in the
// current window and returns the new count.
func (s *RedisStore) IncrementRateLimit(ctx context.Context, identifier string, window time.Duration) (int64, error) {
	seconds := windowSeconds(window)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	count, err := s.script.Run(ctx, s.client, []string{RateLimitKey(identifier)}, seconds).Int64()
	if err != nil {
		s.degrade(OpIncrRateLimit, err, zap.String("identifier", identifier))
		return 0, fmt.Errorf("failed to increment rate limit: %w", err)
	}
	return count, nil
}

// RateLimitInfo reads the caller's position in the current window. On backend
// error it reports a full, fresh window.
func (s *RedisStore) RateLimitInfo(ctx context.Context, identifier string, limit int64, window time.Duration) domain.RateLimitInfo {
	seconds := windowSeconds(window)
	info := domain.RateLimitInfo{
		Limit:          limit,
		Remaining:      limit,
		ResetInSeconds: seconds,
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := RateLimitKey(identifier)
	pipe := s.client.Pipeline()
	countCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		s.degrade(OpRateLimitInfo, err, zap.String("identifier", identifier))
		return info
	}

	count, err := countCmd.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.degrade(OpRateLimitInfo, err, zap.String("identifier", identifier))
		return info
	}

	info.Remaining = max(0, limit-count)
	if ttl := ttlCmd.Val(); ttl > 0 {
		info.ResetInSeconds = int64((ttl + time.Second - 1) / time.Second)
	}
	return info
}

// IsConnected pings Redis within the store timeout.
func (s *RedisStore) IsConnected(ctx context.Context) bool {
	return s.Ping(ctx) == nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.opts.Timeout)
}

func (s *RedisStore) degrade(op string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("operation", op), zap.Error(err))
	s.logger.Warn("cache operation degraded", fields...)
	if s.degraded != nil {
		s.degraded.IncCacheDegraded(op)
	}
}

func windowSeconds(window time.Duration) int64 {
	seconds := int64(window / time.Second)
	if seconds <= 0 {
		return 60
	}
	return seconds
}
