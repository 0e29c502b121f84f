// Package presence tracks ephemeral typing state. The map lives only in
// memory: it is never persisted, never reconciled against the durable log,
// and losing it all on restart is acceptable.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/portalchat/internal/conversation"
	"github.com/portalchat/internal/model"
)

// quietPeriod is how long after the last keystroke a typing indicator
// auto-expires on the emitting side.
const quietPeriod = 3 * time.Second

type key struct {
	projectID string
	userID    string
}

type entry struct {
	identity model.Identity
	timer    *time.Timer
}

// Tracker emits typing deltas and auto-stops each indicator after a quiet
// period unless a further keystroke re-arms it. Receivers that miss a stop
// delta are expected to apply their own TTL (the client log does).
type Tracker struct {
	mu      sync.Mutex
	entries map[key]*entry
	hub     conversation.Broadcaster
	closed  bool
}

func NewTracker(hub conversation.Broadcaster) *Tracker {
	return &Tracker{entries: make(map[key]*entry), hub: hub}
}

// SetTyping publishes the caller's typing state. typing=true (re)arms the
// auto-stop timer; typing=false stops immediately.
func (t *Tracker) SetTyping(ctx context.Context, caller model.Identity, projectID string, typing bool) error {
	if !caller.Resolved() {
		return &conversation.Error{Kind: conversation.KindUnauthenticated, Msg: "no caller identity"}
	}
	if projectID == "" {
		return &conversation.Error{Kind: conversation.KindValidation, Msg: "project id is required"}
	}

	k := key{projectID: projectID, userID: caller.UserID}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	if typing {
		if e, ok := t.entries[k]; ok {
			// Keystroke while already typing: re-arm, no duplicate delta.
			e.timer.Reset(quietPeriod)
			t.mu.Unlock()
			return nil
		}
		e := &entry{identity: caller}
		e.timer = time.AfterFunc(quietPeriod, func() { t.expire(k) })
		t.entries[k] = e
	} else {
		e, ok := t.entries[k]
		if !ok {
			t.mu.Unlock()
			return nil
		}
		e.timer.Stop()
		delete(t.entries, k)
	}
	t.mu.Unlock()

	t.broadcast(ctx, caller, projectID, typing)
	return nil
}

// Typing returns the identities currently typing in a conversation.
func (t *Tracker) Typing(projectID string) []model.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []model.Identity
	for k, e := range t.entries {
		if k.projectID == projectID {
			ids = append(ids, e.identity)
		}
	}
	return ids
}

// Close stops all timers without emitting stop deltas; live typing state is
// lossy by contract.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for k, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, k)
	}
}

func (t *Tracker) expire(k key) {
	t.mu.Lock()
	e, ok := t.entries[k]
	if !ok || t.closed {
		t.mu.Unlock()
		return
	}
	delete(t.entries, k)
	t.mu.Unlock()

	t.broadcast(context.Background(), e.identity, k.projectID, false)
}

func (t *Tracker) broadcast(ctx context.Context, caller model.Identity, projectID string, typing bool) {
	t.hub.Broadcast(ctx, conversation.Delta{
		Kind:      conversation.DeltaTyping,
		ProjectID: projectID,
		Typing: &conversation.TypingDelta{
			UserID:   caller.UserID,
			UserName: caller.DisplayName,
			Role:     caller.Role,
			Typing:   typing,
			At:       time.Now().UTC(),
		},
	})
}
