// Package client is the viewer-side SDK for the conversation service: it
// issues commands over HTTP, subscribes to the WebSocket delta stream, and
// reconciles both into one local log in which every message id is rendered
// at most once.
package client

import (
	"sort"
	"sync"
	"time"

	"github.com/portalchat/internal/conversation"
	"github.com/portalchat/internal/model"
)

// typingTTL is the receiver-side fallback for stale typing indicators: an
// entry not renewed within this window is dropped even if the paired stop
// delta was lost to a disconnect.
const typingTTL = 6 * time.Second

// entry wraps a message with the server timestamps of its last applied
// field updates, so merging is last-writer-wins per attribute rather than
// arrival order.
type entry struct {
	msg        model.Message
	editedAt   time.Time
	reactionAt time.Time
	pinAt      time.Time
}

type typingState struct {
	name string
	role model.Role
	at   time.Time
}

// Log is one viewer's reconciled view of a conversation: a map keyed by
// message id plus derived orderings. Applying a delta is idempotent, so
// duplicate delivery and the command-response/broadcast race are both
// absorbed here.
type Log struct {
	mu      sync.RWMutex
	viewer  model.Role
	entries map[string]*entry
	typing  map[string]typingState
}

func NewLog(viewer model.Role) *Log {
	return &Log{
		viewer:  viewer,
		entries: make(map[string]*entry),
		typing:  make(map[string]typingState),
	}
}

// Seed replaces the local log with the authoritative full fetch. Called on
// connect and reconnect; the hub never replays missed deltas.
func (l *Log) Seed(messages []model.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*entry, len(messages))
	for _, m := range messages {
		l.entries[m.ID] = newEntry(m)
	}
}

func newEntry(m model.Message) *entry {
	e := &entry{msg: m}
	if m.EditedAt != nil {
		e.editedAt = *m.EditedAt
	}
	if m.PinnedAt != nil {
		e.pinAt = *m.PinnedAt
	}
	return e
}

// Insert records a message obtained from a command round trip. The response,
// not the broadcast delta, is what first renders the author's own message;
// when the delta for the same id arrives later it is a no-op.
func (l *Log) Insert(m model.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.insert(m)
}

func (l *Log) insert(m model.Message) {
	if _, ok := l.entries[m.ID]; ok {
		return
	}
	l.entries[m.ID] = newEntry(m)
	if m.IsReply() {
		if parent, ok := l.entries[*m.ParentID]; ok && !parent.msg.HasReply(m.ID) {
			parent.msg.ThreadReplies = append(parent.msg.ThreadReplies, m.ID)
		}
	}
}

// Apply merges one broadcast delta. Creations insert-if-absent; field deltas
// overwrite only the affected attributes, last writer wins by server
// timestamp; deltas for unknown ids are dropped (the log has not caught up
// yet, the next full reload reconciles).
func (l *Log) Apply(d conversation.Delta) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch d.Kind {
	case conversation.DeltaNewMessage, conversation.DeltaReply:
		if d.Message != nil {
			l.insert(*d.Message)
		}
	case conversation.DeltaEdited:
		if d.Edit == nil {
			return
		}
		e, ok := l.entries[d.Edit.MessageID]
		if !ok || d.Edit.EditedAt.Before(e.editedAt) {
			return
		}
		e.msg.Body = d.Edit.Body
		e.msg.IsEdited = true
		editedAt := d.Edit.EditedAt
		e.msg.EditedAt = &editedAt
		e.editedAt = editedAt
	case conversation.DeltaReaction:
		if d.Reaction == nil {
			return
		}
		e, ok := l.entries[d.Reaction.MessageID]
		if !ok || d.Reaction.UpdatedAt.Before(e.reactionAt) {
			return
		}
		e.msg.Reactions = d.Reaction.Reactions
		e.reactionAt = d.Reaction.UpdatedAt
	case conversation.DeltaPinned:
		if d.Pin == nil {
			return
		}
		e, ok := l.entries[d.Pin.MessageID]
		if !ok || d.Pin.UpdatedAt.Before(e.pinAt) {
			return
		}
		e.msg.IsPinned = d.Pin.Pinned
		e.msg.PinnedAt = d.Pin.PinnedAt
		e.msg.PinnedBy = d.Pin.PinnedBy
		e.pinAt = d.Pin.UpdatedAt
	case conversation.DeltaRead:
		if d.Read == nil {
			return
		}
		// Monotonic flip; ids that are unknown or already read are no-ops.
		for _, id := range d.Read.MessageIDs {
			if e, ok := l.entries[id]; ok {
				e.msg.IsRead = true
			}
		}
	case conversation.DeltaTyping:
		if d.Typing == nil {
			return
		}
		if d.Typing.Typing {
			l.typing[d.Typing.UserID] = typingState{
				name: d.Typing.UserName,
				role: d.Typing.Role,
				at:   time.Now(),
			}
		} else {
			delete(l.typing, d.Typing.UserID)
		}
	}
}

// setReactions and setPin merge a command round-trip response. The response
// reflects post-command server state but carries no server-assigned merge
// timestamp, so the LWW stamps stay put: a server delta that raced the round
// trip still wins when it arrives.

func (l *Log) setReactions(id string, reactions []model.Reaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[id]; ok {
		e.msg.Reactions = reactions
	}
}

func (l *Log) setPin(id string, pinned bool, pinnedAt *time.Time, pinnedBy string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[id]; ok {
		e.msg.IsPinned = pinned
		e.msg.PinnedAt = pinnedAt
		e.msg.PinnedBy = pinnedBy
	}
}

// Message returns a copy of one message by id.
func (l *Log) Message(id string) (model.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	if !ok {
		return model.Message{}, false
	}
	return e.msg, true
}

// Len returns the number of distinct message ids in the log.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// TopLevel returns the primary display ordering: top-level messages
// ascending by creation time. Pin state never affects it.
func (l *Log) TopLevel() []model.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.Message, 0, len(l.entries))
	for _, e := range l.entries {
		if !e.msg.IsReply() {
			out = append(out, e.msg)
		}
	}
	sortByCreated(out)
	return out
}

// Replies returns a parent's thread, ascending by creation time.
func (l *Log) Replies(parentID string) []model.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.Message
	for _, e := range l.entries {
		if e.msg.IsReply() && *e.msg.ParentID == parentID {
			out = append(out, e.msg)
		}
	}
	sortByCreated(out)
	return out
}

// Pinned is the derived pinned view, most recently pinned first.
func (l *Log) Pinned() []model.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.Message
	for _, e := range l.entries {
		if e.msg.IsPinned {
			out = append(out, e.msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		var ti, tj time.Time
		if out[i].PinnedAt != nil {
			ti = *out[i].PinnedAt
		}
		if out[j].PinnedAt != nil {
			tj = *out[j].PinnedAt
		}
		return tj.Before(ti)
	})
	return out
}

// UnreadCount counts counterpart-authored messages the viewer has not
// marked read.
func (l *Log) UnreadCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, e := range l.entries {
		if e.msg.Sender == l.viewer.Counterpart() && !e.msg.IsRead {
			n++
		}
	}
	return n
}

// Typing returns the display names currently composing, pruning entries
// older than the receiver-side TTL.
func (l *Log) Typing() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-typingTTL)
	var names []string
	for id, ts := range l.typing {
		if ts.at.Before(cutoff) {
			delete(l.typing, id)
			continue
		}
		names = append(names, ts.name)
	}
	sort.Strings(names)
	return names
}

func sortByCreated(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
