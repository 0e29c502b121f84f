package ws

import (
	"context"
	"testing"
	"time"

	"github.com/portalchat/internal/model"
	"github.com/portalchat/internal/pubsub"
	"github.com/portalchat/internal/pubsub/memory"
)

var wsViewer = model.Identity{Role: model.RoleOwner, UserID: "u-owner", DisplayName: "Alice"}

func TestAddSessionDeliversTopicPayloads(t *testing.T) {
	broker := memory.New()
	defer broker.Close()
	hub := NewHub(broker, 0)
	ctx := context.Background()

	s := NewSession(hub, nil, wsViewer, "p1")
	hub.addSession(ctx, s)

	payload := []byte(`{"type":"new_message"}`)
	if err := broker.Publish(ctx, pubsub.ConversationTopic("p1"), payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-s.send:
		if string(got) != string(payload) {
			t.Fatalf("payload mangled: %q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("payload never reached the session buffer")
	}
}

func TestOpenTopicDroppedWhenLastSessionLeft(t *testing.T) {
	broker := memory.New()
	defer broker.Close()
	hub := NewHub(broker, 0)
	topic := pubsub.ConversationTopic("p1")

	// Reserve the topic slot the way addSession does, then let the session
	// leave before the subscribe finishes.
	s := NewSession(hub, nil, wsViewer, "p1")
	hub.mu.Lock()
	hub.sessions[topic] = map[*Session]struct{}{s: {}}
	hub.subs[topic] = nil
	hub.total = 1
	hub.mu.Unlock()

	hub.removeSession(s)

	hub.openTopic(context.Background(), topic)

	hub.mu.Lock()
	_, present := hub.subs[topic]
	hub.mu.Unlock()
	if present {
		t.Fatalf("subscription installed for a topic with no sessions")
	}
}

func TestRemoveLastSessionClosesSubscription(t *testing.T) {
	broker := memory.New()
	defer broker.Close()
	hub := NewHub(broker, 0)
	ctx := context.Background()

	s := NewSession(hub, nil, wsViewer, "p1")
	hub.addSession(ctx, s)
	hub.removeSession(s)

	hub.mu.Lock()
	remaining := len(hub.subs)
	hub.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected no live subscriptions, got %d", remaining)
	}
}
