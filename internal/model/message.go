package model

import "time"

// Role is one of the two conversation participants. A project conversation
// has exactly an owner side (the agency/admin) and a client side.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleClient Role = "client"
)

// Valid reports whether r is one of the two supported roles.
func (r Role) Valid() bool {
	return r == RoleOwner || r == RoleClient
}

// Counterpart returns the opposite participant role.
func (r Role) Counterpart() Role {
	if r == RoleOwner {
		return RoleClient
	}
	return RoleOwner
}

// Message is the atomic unit of a project conversation. The row is the
// document: edit history, reactions and thread replies live inside it and are
// only ever mutated through the store's per-message read-modify-write.
type Message struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Sender      Role      `json:"sender"`
	SenderID    string    `json:"sender_id"`
	SenderName  string    `json:"sender_name,omitempty"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`

	// Edit state. EditHistory is append-only and never pruned; its length
	// equals the number of edits applied.
	IsEdited    bool         `json:"is_edited"`
	EditedAt    *time.Time   `json:"edited_at,omitempty"`
	EditHistory []EditRecord `json:"edit_history,omitempty"`

	// Threading is exactly one level deep: a message either has a ParentID
	// (it is a reply) or may carry ThreadReplies (it is top-level), never both.
	ParentID      *string  `json:"parent_id,omitempty"`
	ThreadReplies []string `json:"thread_replies,omitempty"`

	Reactions []Reaction `json:"reactions,omitempty"`

	// IsRead is meaningful only for messages authored by the counterpart
	// role relative to the reader.
	IsRead bool `json:"is_read"`

	IsPinned bool       `json:"is_pinned"`
	PinnedAt *time.Time `json:"pinned_at,omitempty"`
	PinnedBy string     `json:"pinned_by,omitempty"`
}

// IsReply reports whether the message belongs to a thread as a child.
func (m *Message) IsReply() bool {
	return m.ParentID != nil && *m.ParentID != ""
}

// HasReply reports whether id is already recorded on the parent.
func (m *Message) HasReply(id string) bool {
	for _, r := range m.ThreadReplies {
		if r == id {
			return true
		}
	}
	return false
}

// EditRecord preserves one overwritten body.
type EditRecord struct {
	PreviousBody string    `json:"previous_body"`
	EditedAt     time.Time `json:"edited_at"`
}

// Reaction is one user's emoji on a message. Uniqueness is per
// (UserID, Emoji); a repeated identical reaction toggles the prior one off.
type Reaction struct {
	Emoji     string    `json:"emoji"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ToggleReaction flips the (userID, emoji) reaction on the message and
// reports whether it is present afterwards.
func (m *Message) ToggleReaction(emoji, userID, userName string, now time.Time) bool {
	for i, rc := range m.Reactions {
		if rc.UserID == userID && rc.Emoji == emoji {
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
			return false
		}
	}
	m.Reactions = append(m.Reactions, Reaction{
		Emoji:     emoji,
		UserID:    userID,
		UserName:  userName,
		CreatedAt: now,
	})
	return true
}
