package conversation

import (
	"encoding/json"
	"time"

	"github.com/portalchat/internal/model"
)

// DeltaKind tags one accepted mutation.
type DeltaKind string

const (
	DeltaNewMessage DeltaKind = "new_message"
	DeltaReply      DeltaKind = "reply"
	DeltaEdited     DeltaKind = "edited"
	DeltaReaction   DeltaKind = "reaction"
	DeltaPinned     DeltaKind = "pinned"
	DeltaRead       DeltaKind = "read"
	DeltaTyping     DeltaKind = "typing"
)

// Delta is the minimal, self-contained description of one accepted mutation,
// broadcast to every subscriber of the conversation topic. Exactly one of the
// payload fields matching Kind is set. Payloads carry replacement state (the
// full reaction set, the new body), not diffs, so applying a delta is
// idempotent on the receiving side.
type Delta struct {
	Kind      DeltaKind `json:"kind"`
	ProjectID string    `json:"project_id"`

	// new_message / reply: the complete created message.
	Message *model.Message `json:"message,omitempty"`

	Edit     *EditDelta     `json:"edit,omitempty"`
	Reaction *ReactionDelta `json:"reaction,omitempty"`
	Pin      *PinDelta      `json:"pin,omitempty"`
	Read     *ReadDelta     `json:"read,omitempty"`
	Typing   *TypingDelta   `json:"typing,omitempty"`
}

// EditDelta replaces the body of one message. EditedAt is the server-assigned
// timestamp receivers use for last-writer-wins merging.
type EditDelta struct {
	MessageID string    `json:"message_id"`
	Body      string    `json:"body"`
	EditedAt  time.Time `json:"edited_at"`
	EditCount int       `json:"edit_count"`
}

// ReactionDelta carries the full updated reaction set, not a diff.
type ReactionDelta struct {
	MessageID string           `json:"message_id"`
	Reactions []model.Reaction `json:"reactions"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// PinDelta sets or clears pin state on one message.
type PinDelta struct {
	MessageID string     `json:"message_id"`
	Pinned    bool       `json:"pinned"`
	PinnedAt  *time.Time `json:"pinned_at,omitempty"`
	PinnedBy  string     `json:"pinned_by,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ReadDelta lists messages the reader role marked read.
type ReadDelta struct {
	MessageIDs []string   `json:"message_ids"`
	Reader     model.Role `json:"reader"`
}

// TypingDelta is the ephemeral presence signal. It is never persisted and
// never reconciled against the durable log.
type TypingDelta struct {
	UserID   string     `json:"user_id"`
	UserName string     `json:"user_name,omitempty"`
	Role     model.Role `json:"role"`
	Typing   bool       `json:"typing"`
	At       time.Time  `json:"at"`
}

// Encode serializes the delta for the wire.
func (d Delta) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// DecodeDelta parses a wire payload back into a Delta.
func DecodeDelta(payload []byte) (Delta, error) {
	var d Delta
	err := json.Unmarshal(payload, &d)
	return d, err
}
