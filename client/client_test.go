package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/portalchat/internal/conversation"
	"github.com/portalchat/internal/model"
)

func TestReactRoundTripThenCounterpartDelta(t *testing.T) {
	// Server clock runs 2s behind the viewer's.
	serverNow := time.Now().UTC().Add(-2 * time.Second)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/messages/m1/reactions" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(model.Message{
			ID:        "m1",
			ProjectID: "p1",
			Sender:    model.RoleOwner,
			Body:      "hi",
			CreatedAt: serverNow,
			Reactions: []model.Reaction{{Emoji: "👍", UserID: "u-client", CreatedAt: serverNow}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", "p1", model.RoleClient)
	c.log.Seed([]model.Message{{
		ID: "m1", ProjectID: "p1", Sender: model.RoleOwner, Body: "hi", CreatedAt: serverNow,
	}})

	if _, err := c.React(context.Background(), "m1", "👍"); err != nil {
		t.Fatalf("React: %v", err)
	}

	// A counterpart reaction stamped by the lagging server clock arrives
	// after the round trip; the merged response must not shadow it.
	c.log.Apply(conversation.Delta{
		Kind: conversation.DeltaReaction,
		Reaction: &conversation.ReactionDelta{
			MessageID: "m1",
			Reactions: []model.Reaction{
				{Emoji: "👍", UserID: "u-client", CreatedAt: serverNow},
				{Emoji: "🎉", UserID: "u-owner", CreatedAt: serverNow.Add(time.Second)},
			},
			UpdatedAt: serverNow.Add(time.Second),
		},
	})

	got, ok := c.Log().Message("m1")
	if !ok {
		t.Fatalf("message missing from log")
	}
	if len(got.Reactions) != 2 {
		t.Fatalf("server delta dropped: reactions = %d, want 2", len(got.Reactions))
	}
}

func TestCommandErrorDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"error": "can only edit own messages", "kind": "forbidden"})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", "p1", model.RoleClient)
	_, err := c.Edit(context.Background(), "m1", "x")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Kind != conversation.KindForbidden {
		t.Fatalf("unexpected decode: %+v", apiErr)
	}
}
