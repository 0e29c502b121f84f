// Package broadcast publishes canonical deltas to the pub/sub collaborator.
// The hub is write-only: it holds a pubsub.Publisher and never reads from the
// channel, so the mutation side cannot accidentally consume its own stream.
package broadcast

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/portalchat/internal/conversation"
	"github.com/portalchat/internal/logger"
	"github.com/portalchat/internal/metrics"
	"github.com/portalchat/internal/model"
	"github.com/portalchat/internal/pubsub"
)

// PushNotifier sends web-push notifications. nil disables push.
type PushNotifier interface {
	Notify(ctx context.Context, role model.Role, title, body string, data map[string]string)
}

// Hub fans each delta out to the conversation topic and mirrors
// message-creation deltas onto the counterpart role's inbox topic. Delivery
// is at-most-once: no retry, no persistence; a publish failure is logged and
// swallowed because the durable mutation already succeeded and subscribers
// reconcile on their next full reload.
type Hub struct {
	pub        pubsub.Publisher
	pushClient PushNotifier
}

func NewHub(pub pubsub.Publisher, pushClient PushNotifier) *Hub {
	return &Hub{pub: pub, pushClient: pushClient}
}

// Broadcast publishes one delta. Fire-and-forget from the caller's
// perspective; it never returns an error.
func (h *Hub) Broadcast(ctx context.Context, delta conversation.Delta) {
	defer logger.DeferLogDuration("hub.Broadcast", time.Now())()
	payload, err := delta.Encode()
	if err != nil {
		logger.Errorf("hub encode delta kind=%s project=%s: %v", delta.Kind, delta.ProjectID, err)
		metrics.PublishFailures.Inc()
		return
	}

	h.publish(ctx, pubsub.ConversationTopic(delta.ProjectID), payload, delta.Kind)

	// Creation deltas also feed the counterpart role's inbox so one
	// subscription covers all of that role's open conversations.
	if delta.Kind == conversation.DeltaNewMessage || delta.Kind == conversation.DeltaReply {
		if delta.Message != nil {
			h.publish(ctx, pubsub.RoleInboxTopic(delta.Message.Sender.Counterpart()), payload, delta.Kind)
			h.notify(ctx, delta.Message)
		}
	}
}

func (h *Hub) publish(ctx context.Context, topic string, payload []byte, kind conversation.DeltaKind) {
	if err := h.pub.Publish(ctx, topic, payload); err != nil {
		// Degrade to eventual consistency, not to a failed command.
		logger.Errorf("hub publish topic=%s kind=%s: %v", topic, kind, err)
		metrics.PublishFailures.Inc()
		return
	}
	metrics.DeltasPublished.WithLabelValues(string(kind)).Inc()
}

func (h *Hub) notify(ctx context.Context, m *model.Message) {
	if h.pushClient == nil {
		return
	}
	title := m.SenderName
	if title == "" {
		title = "New message"
	}
	body := m.Body
	if len(body) > 120 {
		// Back off to a rune boundary so the cut never splits a code point.
		cut := 117
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut] + "..."
	}
	data := map[string]string{"project_id": m.ProjectID, "message_id": m.ID}
	go h.pushClient.Notify(context.WithoutCancel(ctx), m.Sender.Counterpart(), title, body, data)
}
