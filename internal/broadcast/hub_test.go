package broadcast

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/portalchat/internal/conversation"
	"github.com/portalchat/internal/model"
	"github.com/portalchat/internal/pubsub"
)

type capturePublisher struct {
	mu        sync.Mutex
	published map[string][][]byte
	fail      bool
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{published: make(map[string][][]byte)}
}

func (p *capturePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker down")
	}
	p.published[topic] = append(p.published[topic], payload)
	return nil
}

func (p *capturePublisher) topic(topic string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published[topic]
}

type captureNotifier struct {
	mu    sync.Mutex
	calls []model.Role
	body  string
}

func (n *captureNotifier) Notify(_ context.Context, role model.Role, _, body string, _ map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, role)
	n.body = body
}

func (n *captureNotifier) roles() []model.Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]model.Role, len(n.calls))
	copy(out, n.calls)
	return out
}

func (n *captureNotifier) lastBody() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.body
}

func newMessageDelta(sender model.Role) conversation.Delta {
	return conversation.Delta{
		Kind:      conversation.DeltaNewMessage,
		ProjectID: "p1",
		Message: &model.Message{
			ID:        "m1",
			ProjectID: "p1",
			Sender:    sender,
			Body:      "hello",
			CreatedAt: time.Now().UTC(),
		},
	}
}

func TestBroadcastPublishesToConversationTopic(t *testing.T) {
	pub := newCapturePublisher()
	hub := NewHub(pub, nil)

	hub.Broadcast(context.Background(), newMessageDelta(model.RoleOwner))

	payloads := pub.topic(pubsub.ConversationTopic("p1"))
	if len(payloads) != 1 {
		t.Fatalf("expected one conversation publish, got %d", len(payloads))
	}
	d, err := conversation.DecodeDelta(payloads[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Kind != conversation.DeltaNewMessage || d.Message == nil || d.Message.ID != "m1" {
		t.Fatalf("wire payload wrong: %+v", d)
	}
}

func TestCreationMirroredToCounterpartInbox(t *testing.T) {
	pub := newCapturePublisher()
	hub := NewHub(pub, nil)
	ctx := context.Background()

	// An owner message lands in the client inbox and vice versa.
	hub.Broadcast(ctx, newMessageDelta(model.RoleOwner))
	if got := pub.topic(pubsub.RoleInboxTopic(model.RoleClient)); len(got) != 1 {
		t.Fatalf("owner message must hit client inbox, got %d", len(got))
	}
	if got := pub.topic(pubsub.RoleInboxTopic(model.RoleOwner)); len(got) != 0 {
		t.Fatalf("owner message must not hit own inbox, got %d", len(got))
	}

	hub.Broadcast(ctx, newMessageDelta(model.RoleClient))
	if got := pub.topic(pubsub.RoleInboxTopic(model.RoleOwner)); len(got) != 1 {
		t.Fatalf("client message must hit owner inbox, got %d", len(got))
	}
}

func TestFieldDeltasNotMirrored(t *testing.T) {
	pub := newCapturePublisher()
	hub := NewHub(pub, nil)

	hub.Broadcast(context.Background(), conversation.Delta{
		Kind:      conversation.DeltaEdited,
		ProjectID: "p1",
		Edit:      &conversation.EditDelta{MessageID: "m1", Body: "v2", EditedAt: time.Now().UTC()},
	})

	if got := pub.topic(pubsub.ConversationTopic("p1")); len(got) != 1 {
		t.Fatalf("edit must reach the conversation topic, got %d", len(got))
	}
	for _, role := range []model.Role{model.RoleOwner, model.RoleClient} {
		if got := pub.topic(pubsub.RoleInboxTopic(role)); len(got) != 0 {
			t.Fatalf("edit must not reach %s inbox", role)
		}
	}
}

func TestPublishFailureSwallowed(t *testing.T) {
	pub := newCapturePublisher()
	pub.fail = true
	hub := NewHub(pub, nil)

	// Broadcast has no error return; the point is that it must not panic and
	// the caller's command already succeeded.
	hub.Broadcast(context.Background(), newMessageDelta(model.RoleOwner))
}

func TestPushBodyTruncatedOnRuneBoundary(t *testing.T) {
	pub := newCapturePublisher()
	notifier := &captureNotifier{}
	hub := NewHub(pub, notifier)

	// 100 two-byte runes: 200 bytes, and byte 117 falls mid-rune.
	d := newMessageDelta(model.RoleOwner)
	d.Message.Body = strings.Repeat("й", 100)
	hub.Broadcast(context.Background(), d)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if body := notifier.lastBody(); body != "" {
			if !utf8.ValidString(body) {
				t.Fatalf("truncated body is not valid UTF-8: %q", body)
			}
			if !strings.HasSuffix(body, "...") {
				t.Fatalf("truncated body missing ellipsis: %q", body)
			}
			if len(body) > 120 {
				t.Fatalf("body still too long: %d bytes", len(body))
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("push notification never fired")
}

func TestCreationTriggersCounterpartPush(t *testing.T) {
	pub := newCapturePublisher()
	notifier := &captureNotifier{}
	hub := NewHub(pub, notifier)

	hub.Broadcast(context.Background(), newMessageDelta(model.RoleOwner))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if roles := notifier.roles(); len(roles) == 1 {
			if roles[0] != model.RoleClient {
				t.Fatalf("push must target the counterpart, got %s", roles[0])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("push notification never fired")
}
