package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/portalchat/internal/conversation"
	"github.com/portalchat/internal/model"
)

type captureHub struct {
	mu     sync.Mutex
	deltas []conversation.Delta
}

func (h *captureHub) Broadcast(_ context.Context, d conversation.Delta) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deltas = append(h.deltas, d)
}

func (h *captureHub) snapshot() []conversation.Delta {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]conversation.Delta, len(h.deltas))
	copy(out, h.deltas)
	return out
}

var typist = model.Identity{Role: model.RoleOwner, UserID: "u1", DisplayName: "Alice"}

func TestSetTypingEmitsStartAndStop(t *testing.T) {
	hub := &captureHub{}
	tr := NewTracker(hub)
	defer tr.Close()
	ctx := context.Background()

	if err := tr.SetTyping(ctx, typist, "p1", true); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}
	if err := tr.SetTyping(ctx, typist, "p1", false); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}

	deltas := hub.snapshot()
	if len(deltas) != 2 {
		t.Fatalf("expected start and stop deltas, got %d", len(deltas))
	}
	if deltas[0].Typing == nil || !deltas[0].Typing.Typing || deltas[0].Typing.UserID != "u1" {
		t.Fatalf("bad start delta: %+v", deltas[0])
	}
	if deltas[1].Typing == nil || deltas[1].Typing.Typing {
		t.Fatalf("bad stop delta: %+v", deltas[1])
	}
}

func TestRepeatedKeystrokesNoDuplicateDelta(t *testing.T) {
	hub := &captureHub{}
	tr := NewTracker(hub)
	defer tr.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := tr.SetTyping(ctx, typist, "p1", true); err != nil {
			t.Fatalf("SetTyping: %v", err)
		}
	}
	if got := len(hub.snapshot()); got != 1 {
		t.Fatalf("re-arming must not re-broadcast, got %d deltas", got)
	}
	if ids := tr.Typing("p1"); len(ids) != 1 || ids[0].UserID != "u1" {
		t.Fatalf("Typing query wrong: %+v", ids)
	}
}

func TestStopWithoutStartIsNoOp(t *testing.T) {
	hub := &captureHub{}
	tr := NewTracker(hub)
	defer tr.Close()

	if err := tr.SetTyping(context.Background(), typist, "p1", false); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}
	if got := len(hub.snapshot()); got != 0 {
		t.Fatalf("expected no delta, got %d", got)
	}
}

func TestSetTypingValidation(t *testing.T) {
	tr := NewTracker(&captureHub{})
	defer tr.Close()
	ctx := context.Background()

	err := tr.SetTyping(ctx, model.Identity{}, "p1", true)
	if conversation.KindOf(err) != conversation.KindUnauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	err = tr.SetTyping(ctx, typist, "", true)
	if conversation.KindOf(err) != conversation.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestQuietPeriodAutoStop(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the quiet period")
	}
	hub := &captureHub{}
	tr := NewTracker(hub)
	defer tr.Close()

	if err := tr.SetTyping(context.Background(), typist, "p1", true); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}

	deadline := time.Now().Add(quietPeriod + 2*time.Second)
	for time.Now().Before(deadline) {
		deltas := hub.snapshot()
		if len(deltas) == 2 {
			if deltas[1].Typing.Typing {
				t.Fatalf("expected auto-stop delta, got %+v", deltas[1])
			}
			if ids := tr.Typing("p1"); len(ids) != 0 {
				t.Fatalf("entry must be removed after expiry")
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("auto-stop delta never arrived")
}

func TestCloseStopsSilently(t *testing.T) {
	hub := &captureHub{}
	tr := NewTracker(hub)

	if err := tr.SetTyping(context.Background(), typist, "p1", true); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}
	tr.Close()

	if got := len(hub.snapshot()); got != 1 {
		t.Fatalf("close must not emit stop deltas, got %d", got)
	}
	if ids := tr.Typing("p1"); len(ids) != 0 {
		t.Fatalf("entries must be cleared on close")
	}
}
