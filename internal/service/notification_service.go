package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/notification-gateway/internal/domain"
	"github.com/kursadbilgin/notification-gateway/internal/observability"
	"github.com/kursadbilgin/notification-gateway/internal/queue"
	"github.com/kursadbilgin/notification-gateway/internal/transport"
	"go.uber.org/zap"
)

// Store is the cache surface used by the orchestrator. Lookups report a miss
// on backend failure; writes log their own failures.
type Store interface {
	GetIdempotentResponse(ctx context.Context, key string) ([]byte, bool)
	PutIdempotentResponse(ctx context.Context, key string, body []byte) error
	GetStatus(ctx context.Context, notificationID string) (*domain.StatusRecord, bool)
	PutStatus(ctx context.Context, rec domain.StatusRecord) error
}

// Recorder receives submission metrics.
type Recorder interface {
	IncNotificationSubmitted(notificationType string, outcome string)
	ObserveBrokerPublish(notificationType string, duration time.Duration)
}

// Result is the terminal state of one submission. Body holds the exact success
// response for Queued and Replayed outcomes.
type Result struct {
	Outcome        domain.Outcome
	NotificationID string
	Body           []byte
	Err            error
}

func (r Result) HTTPStatus() int { return r.Outcome.HTTPStatus() }

// Message is the client-facing message of a failed outcome. Broker error
// details stay in the logs.
func (r Result) Message() string {
	switch r.Outcome {
	case domain.OutcomeValidationError:
		return transport.ValidationMessage(r.Err)
	case domain.OutcomeServiceUnavailable:
		return transport.MessageUnavailable
	case domain.OutcomePublishError:
		return transport.MessagePublishFailed
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	return ""
}

type NotificationService struct {
	publisher queue.Publisher
	store     Store
	metrics   Recorder
	logger    *zap.Logger
	newID     func() string
	now       func() time.Time
}

func NewNotificationService(
	publisher queue.Publisher,
	store Store,
	metrics Recorder,
	logger *zap.Logger,
) (*NotificationService, error) {
	return newNotificationService(publisher, store, metrics, logger, uuid.NewString, time.Now)
}

func newNotificationService(
	publisher queue.Publisher,
	store Store,
	metrics Recorder,
	logger *zap.Logger,
	newID func() string,
	nowFn func() time.Time,
) (*NotificationService, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if newID == nil {
		newID = uuid.NewString
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	return &NotificationService{
		publisher: publisher,
		store:     store,
		metrics:   metrics,
		logger:    logger,
		newID:     newID,
		now:       nowFn,
	}, nil
}

// Submit runs one notification request through validation, idempotent replay,
// the broker availability gate, publish and recording. Status and idempotency
// records are written only after the broker accepted the message. The publish
// and the writes after it are not canceled when ctx is.
func (s *NotificationService) Submit(ctx context.Context, req domain.NotificationRequest, rateLimit *domain.RateLimitInfo) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := observability.WithContextLogger(s.logger, ctx)

	err := req.Normalize()
	if err == nil {
		err = req.Validate()
	}
	if err != nil {
		return s.finish(req.Type, Result{Outcome: domain.OutcomeValidationError, Err: err})
	}

	if req.IdempotencyKey != "" {
		if body, ok := s.store.GetIdempotentResponse(ctx, req.IdempotencyKey); ok {
			id := notificationIDFromBody(body)
			logger.Info("idempotent replay",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("notification_id", id),
			)
			return s.finish(req.Type, Result{Outcome: domain.OutcomeReplayed, NotificationID: id, Body: body})
		}
	}

	if !s.publisher.IsConnected() {
		if err := s.publisher.Reconnect(ctx); err != nil {
			logger.Warn("broker unavailable", zap.Error(err))
			return s.finish(req.Type, Result{
				Outcome: domain.OutcomeServiceUnavailable,
				Err:     fmt.Errorf("%w: message broker is not connected", domain.ErrServiceUnavailable),
			})
		}
		logger.Info("broker reconnected")
	}

	writeCtx := context.WithoutCancel(ctx)
	now := s.now().UTC()
	env := domain.NewEnvelope(req, s.newID(), s.newID(), now)

	started := time.Now()
	id, err := s.publisher.Publish(writeCtx, env)
	if s.metrics != nil {
		s.metrics.ObserveBrokerPublish(req.Type.String(), time.Since(started))
	}
	if err != nil {
		logger.Error("failed to publish notification",
			zap.String("notification_id", env.NotificationID),
			zap.String("type", req.Type.String()),
			zap.Error(err),
		)
		return s.finish(req.Type, Result{Outcome: domain.OutcomeFromError(err), Err: err})
	}

	rec := domain.StatusRecord{
		NotificationID: id,
		Type:           req.Type,
		Status:         domain.StatusQueued,
		UserID:         req.UserID,
		TemplateID:     req.TemplateID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_ = s.store.PutStatus(writeCtx, rec)

	body, err := json.Marshal(transport.Success(
		transport.Submission(id, domain.EstimatedDelivery(req.Type, now)),
		transport.QueuedMessage(req.Type),
		rateLimit,
	))
	if err != nil {
		// The message is already on the broker; report it as queued.
		logger.Error("failed to encode submission response", zap.String("notification_id", id), zap.Error(err))
		return s.finish(req.Type, Result{Outcome: domain.OutcomeQueued, NotificationID: id})
	}

	if req.IdempotencyKey != "" {
		_ = s.store.PutIdempotentResponse(writeCtx, req.IdempotencyKey, body)
	}

	logger.Info("notification queued",
		zap.String("notification_id", id),
		zap.String("type", req.Type.String()),
		zap.String("user_id", req.UserID),
	)
	return s.finish(req.Type, Result{Outcome: domain.OutcomeQueued, NotificationID: id, Body: body})
}

// GetStatus returns the cached status of a notification. Unknown and expired
// ids both report domain.ErrNotFound.
func (s *NotificationService) GetStatus(ctx context.Context, notificationID string) (*domain.StatusRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	notificationID = strings.TrimSpace(notificationID)
	parsed, err := uuid.Parse(notificationID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid notification id %q", domain.ErrValidation, notificationID)
	}

	rec, ok := s.store.GetStatus(ctx, parsed.String())
	if !ok {
		return nil, fmt.Errorf("%w: notification %s", domain.ErrNotFound, notificationID)
	}
	return rec, nil
}

func (s *NotificationService) finish(nt domain.NotificationType, res Result) Result {
	if s.metrics != nil {
		label := nt.String()
		if !nt.IsValid() {
			label = "unknown"
		}
		s.metrics.IncNotificationSubmitted(label, res.Outcome.String())
	}
	return res
}

func notificationIDFromBody(body []byte) string {
	var stored struct {
		Data struct {
			NotificationID string `json:"notification_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &stored); err != nil {
		return ""
	}
	return stored.Data.NotificationID
}
