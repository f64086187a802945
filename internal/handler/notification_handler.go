package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/notification-gateway/internal/domain"
	"github.com/kursadbilgin/notification-gateway/internal/service"
	"github.com/kursadbilgin/notification-gateway/internal/transport"
)

type NotificationService interface {
	Submit(ctx context.Context, req domain.NotificationRequest, rateLimit *domain.RateLimitInfo) service.Result
	GetStatus(ctx context.Context, notificationID string) (*domain.StatusRecord, error)
}

type NotificationHandler struct {
	service NotificationService
}

func NewNotificationHandler(service NotificationService) (*NotificationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	return &NotificationHandler{service: service}, nil
}

// RegisterNotificationRoutes mounts the notification API. Every route runs
// auth, then rate limiting, then the handler, which validates before
// orchestrating.
func RegisterNotificationRoutes(router fiber.Router, service NotificationService, auth, limit fiber.Handler) error {
	h, err := NewNotificationHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1/notifications")
	v1.Post("/", auth, limit, h.Submit(""))
	v1.Post("/email", auth, limit, h.Submit(domain.TypeEmail))
	v1.Post("/push", auth, limit, h.Submit(domain.TypePush))
	v1.Get("/status/:id", auth, limit, h.GetStatus)
	v1.Get("/:id", auth, limit, h.GetStatus)

	return nil
}

type submitRequest struct {
	Type           string            `json:"type"`
	UserID         string            `json:"user_id"`
	TemplateID     string            `json:"template_id"`
	Variables      map[string]string `json:"variables"`
	IdempotencyKey *string           `json:"idempotency_key"`
}

// Submit handles a notification submission. A non-empty fixed type comes from
// the route and must not conflict with the body.
func (h *NotificationHandler) Submit(fixed domain.NotificationType) fiber.Handler {
	return func(c *fiber.Ctx) error {
		req, err := parseSubmitRequest(c.Body(), fixed)
		if err != nil {
			return err
		}

		rateLimit := rateLimitInfo(c)
		res := h.service.Submit(c.UserContext(), req, rateLimit)
		if res.Outcome.IsSuccess() && len(res.Body) > 0 {
			c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
			return c.Status(res.HTTPStatus()).Send(res.Body)
		}
		if res.Outcome.IsSuccess() {
			return c.Status(res.HTTPStatus()).JSON(transport.Success(
				fiber.Map{"notification_id": res.NotificationID, "status": domain.StatusQueued},
				transport.QueuedMessage(req.Type),
				rateLimit,
			))
		}

		return c.Status(res.HTTPStatus()).JSON(transport.Failure(res.Outcome.ErrorCode(), res.Message(), rateLimit))
	}
}

func (h *NotificationHandler) GetStatus(c *fiber.Ctx) error {
	rec, err := h.service.GetStatus(c.UserContext(), c.Params("id"))
	if err != nil {
		outcome := domain.OutcomeFromError(err)
		return c.Status(outcome.HTTPStatus()).JSON(transport.Failure(outcome.ErrorCode(), statusErrorMessage(outcome), rateLimitInfo(c)))
	}

	return c.Status(fiber.StatusOK).JSON(transport.Success(transport.Status(*rec), transport.MessageStatusFound, rateLimitInfo(c)))
}

func parseSubmitRequest(body []byte, fixed domain.NotificationType) (domain.NotificationRequest, error) {
	var raw submitRequest
	if len(strings.TrimSpace(string(body))) == 0 {
		return domain.NotificationRequest{}, fmt.Errorf("%w: request body is required", domain.ErrValidation)
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.NotificationRequest{}, fmt.Errorf("%w: invalid request body: %v", domain.ErrValidation, err)
	}

	req := domain.NotificationRequest{
		Type:       domain.NotificationType(raw.Type),
		UserID:     raw.UserID,
		TemplateID: raw.TemplateID,
		Variables:  raw.Variables,
	}
	if raw.IdempotencyKey != nil {
		req.IdempotencyKey = *raw.IdempotencyKey
	}

	if fixed != "" {
		bodyType := strings.ToLower(strings.TrimSpace(raw.Type))
		if bodyType != "" && bodyType != fixed.String() {
			return domain.NotificationRequest{}, fmt.Errorf("%w: type %q does not match endpoint %q", domain.ErrValidation, raw.Type, fixed)
		}
		req.Type = fixed
	}

	return req, nil
}

func statusErrorMessage(outcome domain.Outcome) string {
	switch outcome {
	case domain.OutcomeNotFound:
		return "Notification not found or expired"
	case domain.OutcomeValidationError:
		return "Invalid notification id"
	default:
		return "Failed to retrieve notification status"
	}
}
