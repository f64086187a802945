package transport

import (
	"strings"
	"time"

	"github.com/kursadbilgin/notification-gateway/internal/domain"
)

const (
	MessageStatusFound      = "Notification status retrieved"
	MessageHealthy          = "Health check successful"
	MessageUnavailable      = "Notification service is temporarily unavailable"
	MessagePublishFailed    = "Failed to queue notification"
	MessageValidationPrefix = "Validation failed: "
)

// ValidationMessage renders a domain.ErrValidation failure for clients.
func ValidationMessage(err error) string {
	if err == nil {
		return strings.TrimSuffix(MessageValidationPrefix, ": ")
	}
	return MessageValidationPrefix + strings.TrimPrefix(err.Error(), domain.ErrValidation.Error()+": ")
}

// QueuedMessage is the success message for a queued notification of type nt.
func QueuedMessage(nt domain.NotificationType) string {
	switch nt {
	case domain.TypeEmail:
		return "Email notification queued successfully"
	case domain.TypePush:
		return "Push notification queued successfully"
	default:
		return "Notification queued successfully"
	}
}

// Meta carries request-scoped metadata. RateLimit is omitted when the request
// was not rate limited.
type Meta struct {
	RateLimit *domain.RateLimitInfo `json:"rate_limit,omitempty"`
}

// SuccessResponse is the body of every successful API response.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Message string `json:"message"`
	Meta    Meta   `json:"meta"`
}

// ErrorResponse is the body of every failed API response.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Meta    Meta   `json:"meta"`
}

type SubmissionData struct {
	NotificationID    string        `json:"notification_id"`
	Status            domain.Status `json:"status"`
	EstimatedDelivery time.Time     `json:"estimated_delivery"`
}

type DeliveryInfo struct {
	Type       domain.NotificationType `json:"type"`
	UserID     string                  `json:"user_id"`
	TemplateID string                  `json:"template_id"`
}

type StatusData struct {
	domain.StatusRecord
	DeliveryInfo DeliveryInfo `json:"delivery_info"`
}

func Success(data any, message string, rateLimit *domain.RateLimitInfo) SuccessResponse {
	return SuccessResponse{
		Success: true,
		Data:    data,
		Message: message,
		Meta:    Meta{RateLimit: rateLimit},
	}
}

func Failure(code, message string, rateLimit *domain.RateLimitInfo) ErrorResponse {
	return ErrorResponse{
		Success: false,
		Error:   code,
		Message: message,
		Meta:    Meta{RateLimit: rateLimit},
	}
}

func Submission(notificationID string, estimatedDelivery time.Time) SubmissionData {
	return SubmissionData{
		NotificationID:    notificationID,
		Status:            domain.StatusQueued,
		EstimatedDelivery: estimatedDelivery.UTC(),
	}
}

func Status(rec domain.StatusRecord) StatusData {
	return StatusData{
		StatusRecord: rec,
		DeliveryInfo: DeliveryInfo{
			Type:       rec.Type,
			UserID:     rec.UserID,
			TemplateID: rec.TemplateID,
		},
	}
}
