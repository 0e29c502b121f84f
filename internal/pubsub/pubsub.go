// Package pubsub defines the publish/subscribe boundary used to fan out
// conversation deltas. Publishing and subscribing are separate capabilities:
// the mutation side only ever holds a Publisher, viewer sessions only a
// Subscriber, so the channel cannot be coupled bidirectionally by accident.
//
// Delivery is at-most-once per subscriber, FIFO within a topic. There is no
// retry, persistence or replay; a reconnecting subscriber re-fetches the
// authoritative log instead.
package pubsub

import (
	"context"

	"github.com/portalchat/internal/model"
)

// Publisher sends a payload to every current subscriber of a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber opens long-lived subscriptions to topics.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Subscription is one open topic stream. Messages is closed when the
// subscription ends; Close is safe to call more than once.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Broker combines both capabilities plus lifecycle.
// Implementations: redis.Client (production), memory.Client (dev/tests).
type Broker interface {
	Publisher
	Subscriber
	Close() error
}

// ConversationTopic is the per-conversation delta channel.
func ConversationTopic(projectID string) string {
	return "conversation:" + projectID
}

// RoleInboxTopic is the role-wide feed mirroring message-creation deltas from
// all of that role's conversations (drives inbox/unread views without a
// subscription per project).
func RoleInboxTopic(role model.Role) string {
	return "role-inbox:" + string(role)
}
