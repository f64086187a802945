package domain

import (
	"fmt"
	"strings"
	"time"
)

// DefaultMaxRetries is a hint for downstream consumers; the gateway never retries delivery.
const DefaultMaxRetries = 3

// Envelope is the broker payload for a single notification. It is immutable
// once published.
type Envelope struct {
	NotificationID string             `json:"notification_id"`
	CorrelationID  string             `json:"correlation_id"`
	Type           NotificationType   `json:"type"`
	UserID         string             `json:"user_id"`
	TemplateID     string             `json:"template_id"`
	Variables      map[string]string  `json:"variables"`
	IdempotencyKey *string            `json:"idempotency_key"`
	Timestamps     EnvelopeTimestamps `json:"timestamps"`
	RetryCount     int                `json:"retry_count"`
	MaxRetries     int                `json:"max_retries"`
}

type EnvelopeTimestamps struct {
	CreatedAt time.Time `json:"created_at"`
	QueuedAt  time.Time `json:"queued_at"`
}

func NewEnvelope(req NotificationRequest, notificationID, correlationID string, now time.Time) Envelope {
	now = now.UTC()

	var key *string
	if k := strings.TrimSpace(req.IdempotencyKey); k != "" {
		key = &k
	}

	vars := make(map[string]string, len(req.Variables))
	for k, v := range req.Variables {
		vars[k] = v
	}

	return Envelope{
		NotificationID: notificationID,
		CorrelationID:  correlationID,
		Type:           req.Type,
		UserID:         req.UserID,
		TemplateID:     req.TemplateID,
		Variables:      vars,
		IdempotencyKey: key,
		Timestamps: EnvelopeTimestamps{
			CreatedAt: now,
			QueuedAt:  now,
		},
		RetryCount: 0,
		MaxRetries: DefaultMaxRetries,
	}
}

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.NotificationID) == "" {
		return fmt.Errorf("notification_id is required")
	}
	if strings.TrimSpace(e.CorrelationID) == "" {
		return fmt.Errorf("correlation_id is required")
	}
	if e.CorrelationID == e.NotificationID {
		return fmt.Errorf("correlation_id must differ from notification_id")
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("invalid type %q", e.Type)
	}
	return nil
}
