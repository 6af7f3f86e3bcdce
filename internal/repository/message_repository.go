package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ecoshare/backend/internal/database"
	"github.com/ecoshare/backend/internal/models"
	"github.com/google/uuid"
)

type MessageRepository struct {
	db *database.DB
}

func NewMessageRepository(db *database.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Read receipts live in message_reads and are folded back in with json_agg.
const messageColumns = `m.id, m.conversation_id, m.sender_id, m.content, m.type, m.metadata, m.reply_to_id,
	m.status, m.reactions, m.is_pinned, m.is_deleted, m.deleted_at, m.deleted_by, m.deletion_reason,
	m.edited, m.moderation, m.created_at, m.updated_at,
	COALESCE((
		SELECT json_agg(json_build_object('userId', r.user_id, 'readAt', r.read_at) ORDER BY r.read_at)
		FROM message_reads r WHERE r.message_id = m.id
	), '[]'::json)`

// Create inserts the message and bumps the conversation's last message,
// updated_at and message count in one transaction.
func (r *MessageRepository) Create(ctx context.Context, msg *models.Message) error {
	enc, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	err = r.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE conversations
			SET last_message_id = $2, updated_at = $3, message_count = message_count + 1
			WHERE id = $1
		`, msg.ConversationID, msg.ID, msg.CreatedAt)
		if err != nil {
			return err
		}
		if err := rowsAffected(res, "update conversation", "conversation"); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, content, type, metadata, reply_to_id, status,
				reactions, is_pinned, is_deleted, is_hidden, edited, moderation, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		`,
			msg.ID,
			msg.ConversationID,
			msg.SenderID,
			msg.Content,
			msg.Type,
			enc.metadata,
			nullUUID(msg.ReplyToID),
			msg.Status,
			enc.reactions,
			msg.IsPinned,
			msg.IsDeleted,
			msg.Hidden(),
			enc.edited,
			enc.moderation,
			msg.CreatedAt,
			msg.UpdatedAt,
		)
		return err
	})
	return pgError(err, "create message", "message")
}

// GetByID retrieves a message by ID
func (r *MessageRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	msg, err := scanMessage(r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages m WHERE m.id = $1`, id))
	if err != nil {
		return nil, pgError(err, "get message", "message")
	}
	return msg, nil
}

func (r *MessageRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Message, error) {
	if len(ids) == 0 {
		return []models.Message{}, nil
	}
	return r.query(ctx, `SELECT `+messageColumns+` FROM messages m WHERE m.id = ANY($1::uuid[])`, uuidArray(ids))
}

// List returns a page of a conversation's messages, newest first.
func (r *MessageRepository) List(ctx context.Context, conversationID uuid.UUID, q models.MessageQuery) ([]models.Message, error) {
	var before, after sql.NullTime
	if q.Before != nil {
		before = sql.NullTime{Time: *q.Before, Valid: true}
	}
	if q.After != nil {
		after = sql.NullTime{Time: *q.After, Valid: true}
	}
	return r.query(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.conversation_id = $1
			AND ($2::boolean OR NOT m.is_hidden)
			AND ($3::timestamptz IS NULL OR m.created_at < $3::timestamptz)
			AND ($4::timestamptz IS NULL OR m.created_at > $4::timestamptz)
		ORDER BY m.created_at DESC, m.seq DESC
		LIMIT $5
	`, conversationID, q.IncludeDeleted, before, after, limitArg(q.Limit))
}

// Search matches content case-insensitively across the given conversations.
func (r *MessageRepository) Search(ctx context.Context, conversationIDs []uuid.UUID, q models.SearchQuery) ([]models.Message, error) {
	if len(conversationIDs) == 0 {
		return []models.Message{}, nil
	}
	return r.query(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.conversation_id = ANY($1::uuid[])
			AND NOT m.is_hidden
			AND m.content ILIKE '%' || $2::text || '%'
			AND ($3::uuid IS NULL OR m.sender_id = $3::uuid)
			AND ($4::text = '' OR m.type = $4::text)
		ORDER BY m.created_at DESC, m.seq DESC
		LIMIT $5
	`, uuidArray(conversationIDs), likeEscaper.Replace(q.Text), nullUUID(q.SenderID), string(q.Type), limitArg(q.Limit))
}

func (r *MessageRepository) Edit(ctx context.Context, id uuid.UUID, content string, at time.Time) (*models.Message, error) {
	return r.mutate(ctx, id, func(_ *sql.Tx, m *models.Message) error {
		m.ApplyEdit(content, at)
		return nil
	})
}

func (r *MessageRepository) SoftDelete(ctx context.Context, id, by uuid.UUID, reason string, at time.Time) (*models.Message, error) {
	return r.mutate(ctx, id, func(_ *sql.Tx, m *models.Message) error {
		if !m.IsDeleted {
			m.Tombstone(by, reason, at)
		}
		return nil
	})
}

// MarkRead records a receipt for userID. It reports false when the receipt
// already existed or userID sent the message.
func (r *MessageRepository) MarkRead(ctx context.Context, id, userID uuid.UUID, at time.Time) (bool, error) {
	var added bool
	_, err := r.mutate(ctx, id, func(tx *sql.Tx, m *models.Message) error {
		if added = m.MarkRead(userID, at); !added {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO message_reads (message_id, user_id, read_at) VALUES ($1, $2, $3)
			ON CONFLICT (message_id, user_id) DO NOTHING
		`, id, userID, at)
		return err
	})
	return added, err
}

// MarkConversationRead records receipts for every non-deleted message userID
// has not read yet and returns their ids.
func (r *MessageRepository) MarkConversationRead(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	marked := []uuid.UUID{}
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			INSERT INTO message_reads (message_id, user_id, read_at)
			SELECT m.id, $2, $3 FROM messages m
			WHERE m.conversation_id = $1 AND m.sender_id <> $2 AND NOT m.is_deleted
			ON CONFLICT (message_id, user_id) DO NOTHING
			RETURNING message_id
		`, conversationID, userID, at)
		if err != nil {
			return err
		}
		marked, err = scanIDs(rows)
		if err != nil || len(marked) == 0 {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE messages SET status = $2, updated_at = $3
			WHERE id = ANY($1::uuid[]) AND status IN ($4, $5)
		`, uuidArray(marked), models.StatusRead, at, models.StatusSent, models.StatusDelivered)
		return err
	})
	if err != nil {
		return nil, pgError(err, "mark conversation read", "message")
	}
	return marked, nil
}

// MarkDelivered moves messages userID did not send from sent to delivered.
func (r *MessageRepository) MarkDelivered(ctx context.Context, conversationID uuid.UUID, ids []uuid.UUID, userID uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return []uuid.UUID{}, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		UPDATE messages SET status = $4, updated_at = NOW()
		WHERE id = ANY($1::uuid[]) AND conversation_id = $2 AND sender_id <> $3 AND status = $5
		RETURNING id
	`, uuidArray(ids), conversationID, userID, models.StatusDelivered, models.StatusSent)
	if err != nil {
		return nil, pgError(err, "mark delivered", "message")
	}
	delivered, err := scanIDs(rows)
	if err != nil {
		return nil, pgError(err, "mark delivered", "message")
	}
	return delivered, nil
}

func (r *MessageRepository) ToggleReaction(ctx context.Context, id, userID uuid.UUID, emoji string, at time.Time) (*models.Message, bool, error) {
	var added bool
	msg, err := r.mutate(ctx, id, func(_ *sql.Tx, m *models.Message) error {
		added = m.ToggleReaction(userID, emoji, at)
		return nil
	})
	return msg, added, err
}

func (r *MessageRepository) SetPinned(ctx context.Context, id uuid.UUID, pinned bool) (*models.Message, error) {
	return r.mutate(ctx, id, func(_ *sql.Tx, m *models.Message) error {
		m.IsPinned = pinned
		return nil
	})
}

// AddReport appends a report and hides the message once threshold reports
// have accumulated.
func (r *MessageRepository) AddReport(ctx context.Context, id uuid.UUID, report models.Report, threshold int) (*models.Message, error) {
	return r.mutate(ctx, id, func(_ *sql.Tx, m *models.Message) error {
		return applyReport(m, report, threshold)
	})
}

func (r *MessageRepository) CountUnread(ctx context.Context, conversationID, userID uuid.UUID, since time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_hidden AND created_at > $3
	`, conversationID, userID, since).Scan(&n)
	if err != nil {
		return 0, pgError(err, "count unread", "message")
	}
	return n, nil
}

// mutate locks the row, applies fn and writes every mutable column back.
func (r *MessageRepository) mutate(ctx context.Context, id uuid.UUID, fn func(*sql.Tx, *models.Message) error) (*models.Message, error) {
	var msg *models.Message
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		m, err := scanMessage(tx.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM messages m WHERE m.id = $1 FOR UPDATE OF m`, id))
		if err != nil {
			return err
		}
		if err := fn(tx, m); err != nil {
			return err
		}

		enc, err := encodeMessage(m)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE messages SET
				content = $2, status = $3, reactions = $4, is_pinned = $5, is_deleted = $6, is_hidden = $7,
				deleted_at = $8, deleted_by = $9, deletion_reason = $10, edited = $11, moderation = $12,
				updated_at = $13
			WHERE id = $1
		`,
			m.ID,
			m.Content,
			m.Status,
			enc.reactions,
			m.IsPinned,
			m.IsDeleted,
			m.Hidden(),
			m.DeletedAt,
			nullUUID(m.DeletedBy),
			m.DeletionReason,
			enc.edited,
			enc.moderation,
			m.UpdatedAt,
		)
		msg = m
		return err
	})
	if err != nil {
		return nil, pgError(err, "update message", "message")
	}
	return msg, nil
}

func (r *MessageRepository) query(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pgError(err, "list messages", "message")
	}
	defer rows.Close()

	list := []models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, pgError(err, "scan message", "message")
		}
		list = append(list, *msg)
	}
	return list, pgError(rows.Err(), "list messages", "message")
}

type encodedMessage struct {
	metadata, reactions, edited, moderation []byte
}

func encodeMessage(m *models.Message) (encodedMessage, error) {
	var enc encodedMessage
	var err error
	if enc.metadata, err = json.Marshal(m.Metadata); err != nil {
		return enc, fmt.Errorf("failed to encode message metadata: %w", err)
	}
	if enc.reactions, err = json.Marshal(nonNil(m.Reactions)); err != nil {
		return enc, fmt.Errorf("failed to encode reactions: %w", err)
	}
	if enc.edited, err = json.Marshal(m.Edited); err != nil {
		return enc, fmt.Errorf("failed to encode edit history: %w", err)
	}
	if enc.moderation, err = json.Marshal(m.Moderation); err != nil {
		return enc, fmt.Errorf("failed to encode moderation: %w", err)
	}
	return enc, nil
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		m                                             models.Message
		replyToID, deletedBy                          uuid.NullUUID
		deletedAt                                     sql.NullTime
		metadata, reactions, edited, moderation, read []byte
	)
	err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.SenderID,
		&m.Content,
		&m.Type,
		&metadata,
		&replyToID,
		&m.Status,
		&reactions,
		&m.IsPinned,
		&m.IsDeleted,
		&deletedAt,
		&deletedBy,
		&m.DeletionReason,
		&edited,
		&moderation,
		&m.CreatedAt,
		&m.UpdatedAt,
		&read,
	)
	if err != nil {
		return nil, err
	}

	m.ReplyToID = uuidPtr(replyToID)
	m.DeletedBy = uuidPtr(deletedBy)
	if deletedAt.Valid {
		at := deletedAt.Time
		m.DeletedAt = &at
	}
	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{metadata, &m.Metadata},
		{reactions, &m.Reactions},
		{edited, &m.Edited},
		{moderation, &m.Moderation},
		{read, &m.ReadBy},
	} {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode message %s: %w", m.ID, err)
		}
	}
	if m.Reactions == nil {
		m.Reactions = []models.Reaction{}
	}
	if m.Edited.EditHistory == nil {
		m.Edited.EditHistory = []models.EditEntry{}
	}
	if m.Moderation.Reports == nil {
		m.Moderation.Reports = []models.Report{}
	}
	return &m, nil
}

func scanIDs(rows *sql.Rows) ([]uuid.UUID, error) {
	defer rows.Close()
	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// limitArg turns a non-positive limit into SQL NULL, which LIMIT treats as
// no limit.
func limitArg(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n > 0}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
