package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/notification-gateway/internal/domain"
)

// Publisher publishes notification envelopes to the broker.
type Publisher interface {
	Publish(ctx context.Context, env domain.Envelope) (string, error)
	IsConnected() bool
	Reconnect(ctx context.Context) error
	Close() error
}

const (
	DefaultExchange   = "notifications.direct"
	defaultEmailQueue = "email.queue"
	defaultPushQueue  = "push.queue"
)

// Topology is one direct exchange plus one durable queue per notification type,
// bound with the type name as routing key.
type Topology struct {
	Exchange string
	Queues   map[domain.NotificationType]string
}

func DefaultTopology() Topology {
	return Topology{
		Exchange: DefaultExchange,
		Queues: map[domain.NotificationType]string{
			domain.TypeEmail: defaultEmailQueue,
			domain.TypePush:  defaultPushQueue,
		},
	}
}

// NewTopology builds a topology from configuration keyed by type name.
func NewTopology(exchange string, queues map[string]string) (Topology, error) {
	t := Topology{
		Exchange: strings.TrimSpace(exchange),
		Queues:   make(map[domain.NotificationType]string, len(queues)),
	}
	for name, queue := range queues {
		nt, err := domain.ParseNotificationType(name)
		if err != nil {
			return Topology{}, err
		}
		t.Queues[nt] = strings.TrimSpace(queue)
	}
	if err := t.Validate(); err != nil {
		return Topology{}, err
	}
	return t, nil
}

func (t Topology) Validate() error {
	if t.Exchange == "" {
		return fmt.Errorf("exchange name is required")
	}

	seen := make(map[string]domain.NotificationType, len(t.Queues))
	for _, nt := range domain.SupportedTypes() {
		name := t.Queues[nt]
		if name == "" {
			return fmt.Errorf("queue for type %q is required", nt)
		}
		if other, ok := seen[name]; ok {
			return fmt.Errorf("queue %q is shared by types %q and %q", name, other, nt)
		}
		seen[name] = nt
	}
	return nil
}

// QueueName returns the queue bound for a notification type, e.g. email.queue.
func (t Topology) QueueName(nt domain.NotificationType) string {
	return t.Queues[nt]
}

// RoutingKey is the notification type name.
func RoutingKey(nt domain.NotificationType) string {
	return strings.ToLower(nt.String())
}
