package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/portalchat/internal/conversation"
	"github.com/portalchat/internal/middleware"
	"github.com/portalchat/internal/model"
	"github.com/portalchat/internal/presence"
)

// Reader serves the authoritative-log queries viewers reconcile against.
type Reader interface {
	GetConversation(ctx context.Context, projectID string) ([]model.Message, error)
	GetPinned(ctx context.Context, projectID string) ([]model.Message, error)
}

// ConversationHandler exposes the role-agnostic command surface plus the
// full-log and pinned queries.
type ConversationHandler struct {
	processor *conversation.Processor
	tracker   *presence.Tracker
	reader    Reader
}

func NewConversationHandler(processor *conversation.Processor, tracker *presence.Tracker, reader Reader) *ConversationHandler {
	return &ConversationHandler{processor: processor, tracker: tracker, reader: reader}
}

type sendRequest struct {
	Body string `json:"body"`
}

type editRequest struct {
	Body string `json:"body"`
}

type reactRequest struct {
	Emoji string `json:"emoji"`
}

type pinRequest struct {
	Pinned bool `json:"pinned"`
}

type readRequest struct {
	MessageIDs []string `json:"message_ids"`
}

type typingRequest struct {
	Typing bool `json:"typing"`
}

// GetMessages returns the full conversation log, ascending by creation time.
// Reconnecting viewers call this instead of relying on delta replay.
func (h *ConversationHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")
	messages, err := h.reader.GetConversation(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// GetPinned returns the pinned subset of a conversation.
func (h *ConversationHandler) GetPinned(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")
	pinned, err := h.reader.GetPinned(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get pinned messages")
		return
	}
	writeJSON(w, http.StatusOK, pinned)
}

// Send creates a top-level message. The response body, not the broadcast
// delta, is what first renders the message to its own author.
func (h *ConversationHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	m, err := h.processor.Send(r.Context(), middleware.GetIdentity(r.Context()),
		chi.URLParam(r, "projectId"), req.Body)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// Reply creates a threaded message under an existing top-level message.
func (h *ConversationHandler) Reply(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	m, err := h.processor.Reply(r.Context(), middleware.GetIdentity(r.Context()),
		chi.URLParam(r, "projectId"), chi.URLParam(r, "messageId"), req.Body)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// Edit replaces the body of the caller's own message.
func (h *ConversationHandler) Edit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if !decodeBody(w, r, &req) {
		return
	}
	m, err := h.processor.Edit(r.Context(), middleware.GetIdentity(r.Context()),
		chi.URLParam(r, "messageId"), req.Body)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// React toggles the caller's emoji reaction on a message.
func (h *ConversationHandler) React(w http.ResponseWriter, r *http.Request) {
	var req reactRequest
	if !decodeBody(w, r, &req) {
		return
	}
	m, err := h.processor.React(r.Context(), middleware.GetIdentity(r.Context()),
		chi.URLParam(r, "messageId"), req.Emoji)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// SetPinned pins or unpins a message.
func (h *ConversationHandler) SetPinned(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if !decodeBody(w, r, &req) {
		return
	}
	m, err := h.processor.SetPinned(r.Context(), middleware.GetIdentity(r.Context()),
		chi.URLParam(r, "messageId"), req.Pinned)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// MarkRead flips read state for counterpart-authored messages; unknown ids
// are silently ignored.
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req readRequest
	if !decodeBody(w, r, &req) {
		return
	}
	marked, err := h.processor.MarkRead(r.Context(), middleware.GetIdentity(r.Context()),
		chi.URLParam(r, "projectId"), req.MessageIDs)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "marked": marked})
}

// SetTyping publishes the ephemeral typing signal.
func (h *ConversationHandler) SetTyping(w http.ResponseWriter, r *http.Request) {
	var req typingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.tracker.SetTyping(r.Context(), middleware.GetIdentity(r.Context()),
		chi.URLParam(r, "projectId"), req.Typing); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
