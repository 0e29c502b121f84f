package model

import (
	"testing"
	"time"
)

func TestRoleCounterpart(t *testing.T) {
	if RoleOwner.Counterpart() != RoleClient || RoleClient.Counterpart() != RoleOwner {
		t.Fatalf("counterpart mapping broken")
	}
	if !RoleOwner.Valid() || !RoleClient.Valid() || Role("admin").Valid() {
		t.Fatalf("role validity wrong")
	}
}

func TestToggleReaction(t *testing.T) {
	m := &Message{ID: "m1"}
	now := time.Now().UTC()

	if !m.ToggleReaction("👍", "u1", "Alice", now) {
		t.Fatalf("first toggle must add")
	}
	if m.ToggleReaction("👍", "u1", "Alice", now) {
		t.Fatalf("second identical toggle must remove")
	}
	if len(m.Reactions) != 0 {
		t.Fatalf("expected empty set, got %+v", m.Reactions)
	}

	// Distinct users and distinct emojis do not collide.
	m.ToggleReaction("👍", "u1", "Alice", now)
	m.ToggleReaction("👍", "u2", "Bob", now)
	m.ToggleReaction("🎉", "u1", "Alice", now)
	if len(m.Reactions) != 3 {
		t.Fatalf("expected 3 reactions, got %d", len(m.Reactions))
	}
	m.ToggleReaction("👍", "u2", "Bob", now)
	if len(m.Reactions) != 2 {
		t.Fatalf("removing one user's reaction must leave the others, got %d", len(m.Reactions))
	}
}

func TestIsReplyAndHasReply(t *testing.T) {
	parentID := "p"
	child := &Message{ID: "c", ParentID: &parentID}
	if !child.IsReply() {
		t.Fatalf("message with parent must be a reply")
	}

	empty := ""
	if (&Message{ParentID: &empty}).IsReply() {
		t.Fatalf("empty parent id is not a reply")
	}

	parent := &Message{ID: "p", ThreadReplies: []string{"c"}}
	if !parent.HasReply("c") || parent.HasReply("x") {
		t.Fatalf("HasReply lookup wrong")
	}
}
