// Package conversation implements the mutation processor for project
// conversations: it validates the six supported commands, applies them
// against the message store, and hands exactly one canonical delta per
// accepted command to the broadcast hub. A command that fails validation
// emits nothing and leaves the store unmodified.
package conversation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/portalchat/internal/metrics"
	"github.com/portalchat/internal/model"
	"github.com/portalchat/internal/repository"
)

// Store is the durable-log access the processor needs. Implemented by
// repository.MessageRepository; tests use an in-memory fake. Mutate must
// apply fn atomically relative to other mutations of the same message id.
type Store interface {
	GetByID(ctx context.Context, id string) (*model.Message, error)
	Insert(ctx context.Context, m *model.Message) error
	// InsertReply persists the child and the parent's updated thread_replies
	// atomically, or neither on failure.
	InsertReply(ctx context.Context, m *model.Message) error
	Mutate(ctx context.Context, id string, fn func(*model.Message) error) (*model.Message, error)
}

// Broadcaster is the write-only side of the delta channel. Broadcasting is
// fire-and-forget: the durable mutation already succeeded, so publish
// failures must not fail the command.
type Broadcaster interface {
	Broadcast(ctx context.Context, delta Delta)
}

type Processor struct {
	store Store
	hub   Broadcaster
}

func NewProcessor(store Store, hub Broadcaster) *Processor {
	return &Processor{store: store, hub: hub}
}

// Send creates a top-level message with the caller's role as sender.
func (p *Processor) Send(ctx context.Context, caller model.Identity, projectID, body string) (*model.Message, error) {
	m, err := p.send(ctx, caller, projectID, body)
	return m, p.count("send", err)
}

func (p *Processor) send(ctx context.Context, caller model.Identity, projectID, body string) (*model.Message, error) {
	m, err := p.newMessage(caller, projectID, nil, body)
	if err != nil {
		return nil, err
	}
	if err := p.store.Insert(ctx, m); err != nil {
		return nil, err
	}
	p.hub.Broadcast(ctx, Delta{Kind: DeltaNewMessage, ProjectID: projectID, Message: m})
	return m, nil
}

// Reply creates a message threaded under parentID and records the child id
// on the parent. Threads are exactly one level deep: replying to a reply is
// rejected at this boundary.
func (p *Processor) Reply(ctx context.Context, caller model.Identity, projectID, parentID, body string) (*model.Message, error) {
	m, err := p.reply(ctx, caller, projectID, parentID, body)
	return m, p.count("reply", err)
}

func (p *Processor) reply(ctx context.Context, caller model.Identity, projectID, parentID, body string) (*model.Message, error) {
	if !caller.Resolved() {
		return nil, errUnauthenticated()
	}
	parent, err := p.store.GetByID(ctx, parentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errNotFound("parent message not found")
	}
	if err != nil {
		return nil, err
	}
	if parent.ProjectID != projectID {
		return nil, errNotFound("parent message not in this conversation")
	}
	if parent.IsReply() {
		return nil, errValidation("replies to replies are not supported")
	}

	m, err := p.newMessage(caller, projectID, &parentID, body)
	if err != nil {
		return nil, err
	}
	// One transaction writes the child and the parent's thread_replies, so a
	// failure leaves no orphan child and the delta below never outruns the
	// durable state.
	if err := p.store.InsertReply(ctx, m); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errNotFound("parent message not found")
		}
		return nil, err
	}
	p.hub.Broadcast(ctx, Delta{Kind: DeltaReply, ProjectID: projectID, Message: m})
	return m, nil
}

// newMessage validates the shared send/reply inputs and builds the message.
// Nothing is written here; validation happens before any write.
func (p *Processor) newMessage(caller model.Identity, projectID string, parentID *string, body string) (*model.Message, error) {
	if !caller.Resolved() {
		return nil, errUnauthenticated()
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, errValidation("message body is empty")
	}
	if projectID == "" {
		return nil, errValidation("project id is required")
	}
	return &model.Message{
		ID:         uuid.New().String(),
		ProjectID:  projectID,
		Sender:     caller.Role,
		SenderID:   caller.UserID,
		SenderName: caller.DisplayName,
		Body:       body,
		CreatedAt:  time.Now().UTC(),
		ParentID:   parentID,
	}, nil
}

// Edit replaces the body of the caller's own message. The previous body is
// pushed onto the append-only edit history before the overwrite.
func (p *Processor) Edit(ctx context.Context, caller model.Identity, messageID, newBody string) (*model.Message, error) {
	m, err := p.edit(ctx, caller, messageID, newBody)
	return m, p.count("edit", err)
}

func (p *Processor) edit(ctx context.Context, caller model.Identity, messageID, newBody string) (*model.Message, error) {
	if !caller.Resolved() {
		return nil, errUnauthenticated()
	}
	newBody = strings.TrimSpace(newBody)
	if newBody == "" {
		return nil, errValidation("message body is empty")
	}

	now := time.Now().UTC()
	m, err := p.mutate(ctx, messageID, func(m *model.Message) error {
		if m.Sender != caller.Role {
			return errForbidden("can only edit own messages")
		}
		m.EditHistory = append(m.EditHistory, model.EditRecord{PreviousBody: m.Body, EditedAt: now})
		m.Body = newBody
		m.IsEdited = true
		m.EditedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.hub.Broadcast(ctx, Delta{Kind: DeltaEdited, ProjectID: m.ProjectID, Edit: &EditDelta{
		MessageID: m.ID,
		Body:      m.Body,
		EditedAt:  now,
		EditCount: len(m.EditHistory),
	}})
	return m, nil
}

// React toggles the caller's (userID, emoji) reaction: an odd number of
// identical calls leaves it present, an even number absent.
func (p *Processor) React(ctx context.Context, caller model.Identity, messageID, emoji string) (*model.Message, error) {
	m, err := p.react(ctx, caller, messageID, emoji)
	return m, p.count("react", err)
}

func (p *Processor) react(ctx context.Context, caller model.Identity, messageID, emoji string) (*model.Message, error) {
	if !caller.Resolved() {
		return nil, errUnauthenticated()
	}
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return nil, errValidation("emoji is required")
	}

	now := time.Now().UTC()
	m, err := p.mutate(ctx, messageID, func(m *model.Message) error {
		m.ToggleReaction(emoji, caller.UserID, caller.DisplayName, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The delta carries the full updated set so receivers overwrite, not merge.
	p.hub.Broadcast(ctx, Delta{Kind: DeltaReaction, ProjectID: m.ProjectID, Reaction: &ReactionDelta{
		MessageID: m.ID,
		Reactions: m.Reactions,
		UpdatedAt: now,
	}})
	return m, nil
}

// SetPinned sets or clears pin state. Any participant may pin; pin state
// never affects ordering.
func (p *Processor) SetPinned(ctx context.Context, caller model.Identity, messageID string, pinned bool) (*model.Message, error) {
	m, err := p.setPinned(ctx, caller, messageID, pinned)
	return m, p.count("pin", err)
}

func (p *Processor) setPinned(ctx context.Context, caller model.Identity, messageID string, pinned bool) (*model.Message, error) {
	if !caller.Resolved() {
		return nil, errUnauthenticated()
	}

	now := time.Now().UTC()
	m, err := p.mutate(ctx, messageID, func(m *model.Message) error {
		m.IsPinned = pinned
		if pinned {
			m.PinnedAt = &now
			m.PinnedBy = caller.UserID
		} else {
			m.PinnedAt = nil
			m.PinnedBy = ""
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.hub.Broadcast(ctx, Delta{Kind: DeltaPinned, ProjectID: m.ProjectID, Pin: &PinDelta{
		MessageID: m.ID,
		Pinned:    m.IsPinned,
		PinnedAt:  m.PinnedAt,
		PinnedBy:  m.PinnedBy,
		UpdatedAt: now,
	}})
	return m, nil
}

// MarkRead flips is_read on each listed message authored by the counterpart
// role. Unknown, already-read and own-role ids are silently skipped; the
// command never fails on them. Returns the ids actually marked.
func (p *Processor) MarkRead(ctx context.Context, caller model.Identity, projectID string, messageIDs []string) ([]string, error) {
	ids, err := p.markRead(ctx, caller, projectID, messageIDs)
	return ids, p.count("mark_read", err)
}

func (p *Processor) markRead(ctx context.Context, caller model.Identity, projectID string, messageIDs []string) ([]string, error) {
	if !caller.Resolved() {
		return nil, errUnauthenticated()
	}

	marked := make([]string, 0, len(messageIDs))
	for _, id := range messageIDs {
		changed := false
		_, err := p.store.Mutate(ctx, id, func(m *model.Message) error {
			if m.ProjectID != projectID || m.Sender == caller.Role || m.IsRead {
				return nil
			}
			m.IsRead = true
			changed = true
			return nil
		})
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if changed {
			marked = append(marked, id)
		}
	}

	p.hub.Broadcast(ctx, Delta{Kind: DeltaRead, ProjectID: projectID, Read: &ReadDelta{
		MessageIDs: marked,
		Reader:     caller.Role,
	}})
	return marked, nil
}

// mutate wraps Store.Mutate and maps the repository sentinel to the taxonomy.
func (p *Processor) mutate(ctx context.Context, id string, fn func(*model.Message) error) (*model.Message, error) {
	m, err := p.store.Mutate(ctx, id, fn)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errNotFound("message not found")
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (p *Processor) count(command string, err error) error {
	status := "ok"
	if err != nil {
		if kind := KindOf(err); kind != "" {
			status = string(kind)
		} else {
			status = "error"
		}
	}
	metrics.CommandsTotal.WithLabelValues(command, status).Inc()
	return err
}
