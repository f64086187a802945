package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kursadbilgin/notification-gateway/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// NewPublishing serializes an envelope into a persistent broker message tagged
// with the notification and correlation ids.
func NewPublishing(env domain.Envelope, now time.Time) (amqp.Publishing, error) {
	if err := env.Validate(); err != nil {
		return amqp.Publishing{}, fmt.Errorf("invalid envelope: %w", err)
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     now.UTC(),
		MessageId:     env.NotificationID,
		CorrelationId: env.CorrelationID,
		Type:          env.Type.String(),
		Body:          payload,
	}, nil
}
