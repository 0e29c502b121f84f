package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/portalchat/internal/logger"
	"github.com/portalchat/internal/model"
)

// MessageRepository is the only component that touches the durable
// conversation log. Each row is the whole message document: edit history,
// reactions and thread replies are JSONB columns mutated in place, so a
// single-row lock is enough to serialize all mutations of one message.
type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

const messageColumns = `id, project_id, sender, sender_id, sender_name, body, created_at,
	is_edited, edited_at, edit_history, parent_id, thread_replies, reactions,
	is_read, is_pinned, pinned_at, pinned_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner, m *model.Message) error {
	return row.Scan(&m.ID, &m.ProjectID, &m.Sender, &m.SenderID, &m.SenderName, &m.Body, &m.CreatedAt,
		&m.IsEdited, &m.EditedAt, &m.EditHistory, &m.ParentID, &m.ThreadReplies, &m.Reactions,
		&m.IsRead, &m.IsPinned, &m.PinnedAt, &m.PinnedBy)
}

// GetConversation returns the full log of a project conversation, ascending
// by creation time.
func (r *MessageRepository) GetConversation(ctx context.Context, projectID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetConversation", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageColumns+`
		 FROM messages
		 WHERE project_id = $1
		 ORDER BY created_at ASC`, projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetConversation query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, 64)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.GetConversation scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.GetConversation rows: %w", err)
	}
	return messages, nil
}

// GetByID returns one message or ErrNotFound.
func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id,
	)
	err := scanMessage(row, m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

// GetPinned returns the pinned subset of a conversation, most recently
// pinned first.
func (r *MessageRepository) GetPinned(ctx context.Context, projectID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetPinned", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageColumns+`
		 FROM messages
		 WHERE project_id = $1 AND is_pinned = true
		 ORDER BY pinned_at DESC`, projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetPinned query: %w", err)
	}
	defer rows.Close()

	pinned := make([]model.Message, 0, 4)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.GetPinned scan: %w", err)
		}
		pinned = append(pinned, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.GetPinned rows: %w", err)
	}
	return pinned, nil
}

// Insert appends a newly created message. Creation never contends with other
// creations; ids are assigned before insert and immutable afterwards.
func (r *MessageRepository) Insert(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Insert", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		m.ID, m.ProjectID, m.Sender, m.SenderID, m.SenderName, m.Body, m.CreatedAt,
		m.IsEdited, m.EditedAt, jsonbOrEmpty(m.EditHistory), m.ParentID,
		jsonbOrEmptyStrings(m.ThreadReplies), jsonbOrEmptyReactions(m.Reactions),
		m.IsRead, m.IsPinned, m.PinnedAt, m.PinnedBy,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Insert: %w", err)
	}
	return nil
}

// InsertReply inserts a thread reply and appends its id to the parent's
// thread_replies in one transaction, holding a row lock on the parent. Either
// both rows land or neither does. Returns ErrNotFound when the parent is gone.
func (r *MessageRepository) InsertReply(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.InsertReply", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("msgRepo.InsertReply begin: %w", err)
	}
	defer tx.Rollback(ctx)

	parent := &model.Message{}
	row := tx.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, *m.ParentID,
	)
	err = scanMessage(row, parent)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("msgRepo.InsertReply select parent: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		m.ID, m.ProjectID, m.Sender, m.SenderID, m.SenderName, m.Body, m.CreatedAt,
		m.IsEdited, m.EditedAt, jsonbOrEmpty(m.EditHistory), m.ParentID,
		jsonbOrEmptyStrings(m.ThreadReplies), jsonbOrEmptyReactions(m.Reactions),
		m.IsRead, m.IsPinned, m.PinnedAt, m.PinnedBy,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.InsertReply insert: %w", err)
	}

	if !parent.HasReply(m.ID) {
		parent.ThreadReplies = append(parent.ThreadReplies, m.ID)
	}
	_, err = tx.Exec(ctx,
		`UPDATE messages SET thread_replies = $2 WHERE id = $1`,
		parent.ID, jsonbOrEmptyStrings(parent.ThreadReplies),
	)
	if err != nil {
		return fmt.Errorf("msgRepo.InsertReply update parent: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("msgRepo.InsertReply commit: %w", err)
	}
	return nil
}

// Mutate applies fn to the message under a row lock and writes the mutated
// document back. SELECT ... FOR UPDATE serializes concurrent mutations of the
// same message id, so two simultaneous reactions are both preserved instead
// of racing last-write-wins. Returns ErrNotFound for unknown ids; an error
// from fn aborts the transaction and leaves the store unmodified.
func (r *MessageRepository) Mutate(ctx context.Context, id string, fn func(*model.Message) error) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.Mutate", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Mutate begin: %w", err)
	}
	defer tx.Rollback(ctx)

	m := &model.Message{}
	row := tx.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, id,
	)
	err = scanMessage(row, m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Mutate select: %w", err)
	}

	if err := fn(m); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE messages SET
			body = $2, is_edited = $3, edited_at = $4, edit_history = $5,
			thread_replies = $6, reactions = $7, is_read = $8,
			is_pinned = $9, pinned_at = $10, pinned_by = $11
		 WHERE id = $1`,
		m.ID, m.Body, m.IsEdited, m.EditedAt, jsonbOrEmpty(m.EditHistory),
		jsonbOrEmptyStrings(m.ThreadReplies), jsonbOrEmptyReactions(m.Reactions), m.IsRead,
		m.IsPinned, m.PinnedAt, m.PinnedBy,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Mutate update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("msgRepo.Mutate commit: %w", err)
	}
	return m, nil
}

// JSONB columns are NOT NULL; nil slices must round-trip as empty arrays.

func jsonbOrEmpty(h []model.EditRecord) []model.EditRecord {
	if h == nil {
		return []model.EditRecord{}
	}
	return h
}

func jsonbOrEmptyStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func jsonbOrEmptyReactions(rc []model.Reaction) []model.Reaction {
	if rc == nil {
		return []model.Reaction{}
	}
	return rc
}
