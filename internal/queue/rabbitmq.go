package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kursadbilgin/notification-gateway/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultHeartbeat   = 10 * time.Second
)

var (
	errNotConnected   = errors.New("rabbitmq is not connected")
	errBrokerBlocked  = errors.New("rabbitmq is blocking publishers")
	errPublishTimeout = errors.New("rabbitmq publish timed out")
)

// channel is the subset of *amqp.Channel used by the gateway.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

type connection interface {
	Channel() (channel, error)
	NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking
	IsClosed() bool
	Close() error
}

type dialFunc func(url string, cfg amqp.Config) (connection, error)

type amqpConnection struct {
	conn *amqp.Connection
}

func (c amqpConnection) Channel() (channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c amqpConnection) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	return c.conn.NotifyBlocked(receiver)
}

func (c amqpConnection) IsClosed() bool { return c.conn.IsClosed() }
func (c amqpConnection) Close() error   { return c.conn.Close() }

func dialAMQP(url string, cfg amqp.Config) (connection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn: conn}, nil
}

type Options struct {
	URL         string
	Topology    Topology
	DialTimeout time.Duration
	Heartbeat   time.Duration
}

// session is one connection and its publishing channel. blocked is shared by
// every session built on the same connection.
type session struct {
	conn    connection
	ch      channel
	blocked *atomic.Bool
}

func (s *session) open() bool {
	return s != nil && s.conn != nil && !s.conn.IsClosed() && s.ch != nil && !s.ch.IsClosed()
}

func (s *session) isBlocked() bool {
	return s != nil && s.blocked != nil && s.blocked.Load()
}

// RabbitMQ owns the broker connection, its publishing channel and the
// exchange/queue topology. Channel use is serialized by sem, acquired under the
// caller's context deadline. The current session is published atomically so
// IsConnected never waits on a publish.
type RabbitMQ struct {
	opts   Options
	dial   dialFunc
	logger *zap.Logger

	sem     *semaphore.Weighted
	current atomic.Pointer[session]
}

func NewRabbitMQ(opts Options, logger *zap.Logger) (*RabbitMQ, error) {
	return newRabbitMQ(opts, dialAMQP, logger)
}

func newRabbitMQ(opts Options, dial dialFunc, logger *zap.Logger) (*RabbitMQ, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}
	if err := opts.Topology.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rabbitmq topology: %w", err)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if dial == nil {
		dial = dialAMQP
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQ{
		opts:   opts,
		dial:   dial,
		logger: logger,
		sem:    semaphore.NewWeighted(1),
	}, nil
}

// Connect dials the broker, opens the publishing channel and declares the
// topology. Calling it on a live session is a no-op. Declaration failures are
// wrapped in domain.ErrTopology.
func (r *RabbitMQ) Connect(ctx context.Context) error {
	if err := r.lock(ctx); err != nil {
		return fmt.Errorf("rabbitmq connect canceled: %w", err)
	}
	defer r.unlock()

	return r.connectLocked(ctx)
}

// Reconnect makes a single bounded attempt to restore a lost session.
func (r *RabbitMQ) Reconnect(ctx context.Context) error {
	return r.Connect(ctx)
}

// IsConnected reports whether both connection and channel are open.
func (r *RabbitMQ) IsConnected() bool {
	return r.current.Load().open()
}

// IsBlocked reports whether the broker asked this connection to stop publishing.
func (r *RabbitMQ) IsBlocked() bool {
	return r.current.Load().isBlocked()
}

// Publish sends one message to the configured exchange and returns once the
// write finished or ctx is done, whichever comes first. A failed publish
// replaces the channel so later publishes start from a clean channel. A publish
// still running when ctx ends leaves its session behind; the next caller
// reconnects. Publishes fail fast with errBrokerBlocked while the broker
// blocks the connection.
func (r *RabbitMQ) Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.IsBlocked() {
		return errBrokerBlocked
	}
	if err := r.lock(ctx); err != nil {
		return fmt.Errorf("%w: waiting for channel: %w", errPublishTimeout, err)
	}
	defer r.unlock()

	s := r.current.Load()
	if !s.open() {
		return errNotConnected
	}
	if s.isBlocked() {
		return errBrokerBlocked
	}

	done := make(chan error, 1)
	go func() {
		done <- s.ch.PublishWithContext(ctx, r.opts.Topology.Exchange, routingKey, false, false, msg)
	}()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		r.resetChannelLocked(s)
		return fmt.Errorf("failed to publish to exchange %q with key %q: %w", r.opts.Topology.Exchange, routingKey, err)
	case <-ctx.Done():
		r.abandonLocked(s)
		return fmt.Errorf("%w: exchange %q key %q: %w", errPublishTimeout, r.opts.Topology.Exchange, routingKey, ctx.Err())
	}
}

// Close shuts down the channel, then the connection.
func (r *RabbitMQ) Close() error {
	_ = r.lock(context.Background())
	defer r.unlock()

	s := r.current.Swap(nil)
	if s == nil {
		return nil
	}

	var errs []error
	if s.ch != nil && !s.ch.IsClosed() {
		if err := s.ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close rabbitmq channel: %w", err))
		}
	}
	if s.conn != nil && !s.conn.IsClosed() {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close rabbitmq connection: %w", err))
		}
	}

	r.logger.Info("rabbitmq connection closed")
	return errors.Join(errs...)
}

func (r *RabbitMQ) connectLocked(ctx context.Context) error {
	s := r.current.Load()
	if s.open() {
		return nil
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("rabbitmq connect canceled: %w", err)
		}
	}

	conn := s.connIfOpen()
	var blocked *atomic.Bool
	if conn != nil {
		blocked = s.blocked
	} else {
		dialed, err := r.dial(r.opts.URL, amqp.Config{
			Heartbeat: r.opts.Heartbeat,
			Dial:      amqp.DefaultDial(r.opts.DialTimeout),
		})
		if err != nil {
			return fmt.Errorf("failed to connect rabbitmq: %w", err)
		}
		conn = dialed
		blocked = r.watchBlocked(conn)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		r.current.Store(nil)
		return fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	if err := declareTopology(ch, r.opts.Topology); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		r.current.Store(nil)
		return fmt.Errorf("%w: %v", domain.ErrTopology, err)
	}

	r.current.Store(&session{conn: conn, ch: ch, blocked: blocked})
	r.logger.Info("rabbitmq connected",
		zap.String("exchange", r.opts.Topology.Exchange),
	)
	return nil
}

func (r *RabbitMQ) resetChannelLocked(s *session) {
	if s.ch != nil && !s.ch.IsClosed() {
		_ = s.ch.Close()
	}

	if s.conn == nil || s.conn.IsClosed() {
		r.current.Store(nil)
		return
	}

	ch, err := s.conn.Channel()
	if err != nil {
		r.logger.Warn("failed to reopen rabbitmq channel", zap.Error(err))
		r.current.Store(&session{conn: s.conn, blocked: s.blocked})
		return
	}
	r.current.Store(&session{conn: s.conn, ch: ch, blocked: s.blocked})
}

// abandonLocked drops a session whose publish is still in flight. Its channel
// and connection are closed in the background because closing may wait on the
// same stalled write.
func (r *RabbitMQ) abandonLocked(s *session) {
	r.current.CompareAndSwap(s, nil)
	r.logger.Warn("rabbitmq publish timed out, dropping session")

	go func() {
		if s.ch != nil {
			_ = s.ch.Close()
		}
		if s.conn != nil {
			_ = s.conn.Close()
		}
	}()
}

// watchBlocked tracks connection.blocked notifications for conn. The
// notification channel is closed by the client when the connection shuts down.
func (r *RabbitMQ) watchBlocked(conn connection) *atomic.Bool {
	blocked := &atomic.Bool{}
	notify := conn.NotifyBlocked(make(chan amqp.Blocking, 1))
	if notify == nil {
		return blocked
	}

	go func() {
		for b := range notify {
			blocked.Store(b.Active)
			if b.Active {
				r.logger.Warn("rabbitmq blocked publishers", zap.String("reason", b.Reason))
			} else {
				r.logger.Info("rabbitmq unblocked publishers")
			}
		}
	}()
	return blocked
}

func (r *RabbitMQ) lock(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	// Acquire may succeed on a done context when the semaphore is free.
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.sem.Acquire(ctx, 1)
}

func (r *RabbitMQ) unlock() { r.sem.Release(1) }

func (s *session) connIfOpen() connection {
	if s == nil || s.conn == nil || s.conn.IsClosed() {
		return nil
	}
	return s.conn
}

// declareTopology is safe to re-run: redeclaring identical entities is a broker
// no-op, while conflicting arguments surface as an error.
func declareTopology(ch channel, t Topology) error {
	if err := ch.ExchangeDeclare(
		t.Exchange,
		amqp.ExchangeDirect,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare exchange %q: %w", t.Exchange, err)
	}

	for _, nt := range domain.SupportedTypes() {
		queueName := t.QueueName(nt)

		if _, err := ch.QueueDeclare(
			queueName,
			true,
			false,
			false,
			false,
			nil,
		); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", queueName, err)
		}

		if err := ch.QueueBind(queueName, RoutingKey(nt), t.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %q: %w", queueName, err)
		}
	}

	return nil
}
