package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/notification-gateway/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const (
	defaultPublishTimeout   = 5 * time.Second
	breakerFailureThreshold = 5
	breakerOpenTimeout      = 30 * time.Second
	breakerInterval         = 60 * time.Second
)

// brokerClient is the connection manager surface the publisher needs.
type brokerClient interface {
	Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error
	IsConnected() bool
	Reconnect(ctx context.Context) error
	Close() error
}

var _ Publisher = (*RabbitMQPublisher)(nil)

// RabbitMQPublisher publishes envelopes as persistent messages. It does not
// wait for publisher confirms. A circuit breaker stops calling a broker that
// keeps failing; while it is open, or while the broker blocks publishers,
// publishes fail with domain.ErrServiceUnavailable. A publish that outlives the
// timeout fails with domain.ErrPublish.
type RabbitMQPublisher struct {
	client  brokerClient
	breaker *gobreaker.CircuitBreaker[struct{}]
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

func NewRabbitMQPublisher(client *RabbitMQ, timeout time.Duration, logger *zap.Logger) *RabbitMQPublisher {
	return newRabbitMQPublisher(client, timeout, time.Now, logger)
}

func newRabbitMQPublisher(
	client brokerClient,
	timeout time.Duration,
	nowFn func() time.Time,
	logger *zap.Logger,
) *RabbitMQPublisher {
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &RabbitMQPublisher{
		client:  client,
		timeout: timeout,
		now:     nowFn,
		logger:  logger,
	}
	p.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "rabbitmq-publish",
		MaxRequests: 1,
		Interval:    breakerInterval,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errBrokerBlocked)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			p.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return p
}

// Publish routes the envelope by its type and returns its notification id.
func (p *RabbitMQPublisher) Publish(ctx context.Context, env domain.Envelope) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("%w: publisher is not initialized", domain.ErrPublish)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	publishing, err := NewPublishing(env, p.now())
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrPublish, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err = p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.client.Publish(ctx, RoutingKey(env.Type), publishing)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: broker circuit is open", domain.ErrServiceUnavailable)
		}
		if errors.Is(err, errBrokerBlocked) {
			return "", fmt.Errorf("%w: %w", domain.ErrServiceUnavailable, err)
		}
		return "", fmt.Errorf("%w: notification %s: %w", domain.ErrPublish, env.NotificationID, err)
	}

	p.logger.Debug("notification published",
		zap.String("notification_id", env.NotificationID),
		zap.String("correlation_id", env.CorrelationID),
		zap.String("type", env.Type.String()),
	)
	return env.NotificationID, nil
}

func (p *RabbitMQPublisher) IsConnected() bool {
	if p == nil || p.client == nil {
		return false
	}
	return p.client.IsConnected()
}

func (p *RabbitMQPublisher) Reconnect(ctx context.Context) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.client.Reconnect(ctx)
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
