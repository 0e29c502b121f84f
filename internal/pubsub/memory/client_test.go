package memory

import (
	"context"
	"testing"
	"time"

	"github.com/portalchat/internal/pubsub"
)

func recv(t *testing.T, sub pubsub.Subscription) []byte {
	t.Helper()
	select {
	case payload, ok := <-sub.Messages():
		if !ok {
			t.Fatalf("subscription closed unexpectedly")
		}
		return payload
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message")
		return nil
	}
}

func TestPublishSubscribeFIFO(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	sub, err := c.Subscribe(ctx, "conversation:p1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	for _, msg := range []string{"a", "b", "c"} {
		if err := c.Publish(ctx, "conversation:p1", []byte(msg)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		if got := string(recv(t, sub)); got != want {
			t.Fatalf("out of order: got %q, want %q", got, want)
		}
	}
}

func TestFanOutToAllSubscribers(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	first, _ := c.Subscribe(ctx, "conversation:p1")
	second, _ := c.Subscribe(ctx, "conversation:p1")
	other, _ := c.Subscribe(ctx, "conversation:p2")

	if err := c.Publish(ctx, "conversation:p1", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if got := string(recv(t, first)); got != "hello" {
		t.Fatalf("first subscriber got %q", got)
	}
	if got := string(recv(t, second)); got != "hello" {
		t.Fatalf("second subscriber got %q", got)
	}
	select {
	case payload := <-other.Messages():
		t.Fatalf("wrong-topic subscriber received %q", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishWithoutSubscribersIsDropped(t *testing.T) {
	c := New()
	defer c.Close()

	if err := c.Publish(context.Background(), "conversation:nobody", []byte("x")); err != nil {
		t.Fatalf("Publish to empty topic must not fail: %v", err)
	}
}

func TestSubscriptionCloseUnregisters(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	sub, _ := c.Subscribe(ctx, "conversation:p1")
	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Fatalf("channel must be closed after Close")
	}

	// Publishing after close must not panic or deliver.
	if err := c.Publish(ctx, "conversation:p1", []byte("late")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestClientCloseClosesAllSubscriptions(t *testing.T) {
	c := New()
	ctx := context.Background()

	first, _ := c.Subscribe(ctx, "conversation:p1")
	second, _ := c.Subscribe(ctx, "role-inbox:owner")

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close must be a no-op: %v", err)
	}

	for _, sub := range []pubsub.Subscription{first, second} {
		select {
		case _, ok := <-sub.Messages():
			if ok {
				t.Fatalf("expected closed channel")
			}
		case <-time.After(time.Second):
			t.Fatalf("subscription channel never closed")
		}
	}
}

func TestSubscribeAfterCloseFails(t *testing.T) {
	c := New()
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	sub, err := c.Subscribe(context.Background(), "conversation:p1")
	if err == nil {
		t.Fatalf("expected Subscribe on a closed client to fail")
	}
	if sub != nil {
		t.Fatalf("expected nil subscription, got %v", sub)
	}
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	sub, _ := c.Subscribe(ctx, "conversation:p1")
	for i := 0; i < subscriptionBuffer+10; i++ {
		if err := c.Publish(ctx, "conversation:p1", []byte{byte(i)}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	// The slow subscriber keeps the first buffered messages; overflow is lost.
	n := 0
	for {
		select {
		case <-sub.Messages():
			n++
		default:
			if n != subscriptionBuffer {
				t.Fatalf("expected exactly %d buffered messages, got %d", subscriptionBuffer, n)
			}
			return
		}
	}
}
