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

type ConversationRepository struct {
	db *database.DB
}

func NewConversationRepository(db *database.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

const conversationColumns = `c.id, c.type, c.item_id, c.item_kind, c.association_id, c.last_message_id,
	c.metadata, c.message_count, c.created_at, c.updated_at`

// Create inserts the conversation and its participant rows atomically. A
// second direct conversation for the same pair violates the direct_key index
// and comes back as a conflict.
func (r *ConversationRepository) Create(ctx context.Context, conv *models.Conversation) error {
	metadata, err := json.Marshal(conv.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode conversation metadata: %w", err)
	}

	var itemID uuid.NullUUID
	var itemKind sql.NullString
	if conv.RelatedItem != nil {
		itemID = uuid.NullUUID{UUID: conv.RelatedItem.ItemID, Valid: true}
		itemKind = sql.NullString{String: conv.RelatedItem.ItemKind, Valid: true}
	}

	err = r.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversations
				(id, type, direct_key, item_id, item_kind, association_id, metadata, message_count, created_at, updated_at)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10)
		`,
			conv.ID,
			conv.Type,
			conv.DirectKey(),
			itemID,
			itemKind,
			nullUUID(conv.AssociationID),
			metadata,
			conv.Stats.MessageCount,
			conv.CreatedAt,
			conv.UpdatedAt,
		)
		if err != nil {
			return err
		}

		for _, p := range conv.Participants {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO conversation_participants (conversation_id, user_id, joined_at, last_read_at, is_active)
				VALUES ($1, $2, $3, $4, $5)
			`, conv.ID, p.UserID, p.JoinedAt, p.LastReadAt, p.IsActive)
			if err != nil {
				return err
			}
		}
		return nil
	})
	return pgError(err, "create conversation", "conversation")
}

// GetByID retrieves a conversation by ID
func (r *ConversationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	return r.getOne(ctx, `SELECT `+conversationColumns+` FROM conversations c WHERE c.id = $1`, id)
}

func (r *ConversationRepository) FindDirect(ctx context.Context, directKey string) (*models.Conversation, error) {
	return r.getOne(ctx, `SELECT `+conversationColumns+` FROM conversations c WHERE c.direct_key = $1`, directKey)
}

func (r *ConversationRepository) FindByItem(ctx context.Context, item models.RelatedItem) ([]models.Conversation, error) {
	return r.getMany(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c
		WHERE c.item_id = $1 AND c.item_kind = $2
		ORDER BY c.updated_at DESC
	`, item.ItemID, item.ItemKind)
}

// ListForUser returns the conversations userID actively participates in,
// most recently active first.
func (r *ConversationRepository) ListForUser(ctx context.Context, userID uuid.UUID, filter models.ConversationFilter) ([]models.Conversation, error) {
	var archived sql.NullBool
	if filter.Archived != nil {
		archived = sql.NullBool{Bool: *filter.Archived, Valid: true}
	}
	return r.getMany(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c
		INNER JOIN conversation_participants cp ON c.id = cp.conversation_id
		WHERE cp.user_id = $1 AND cp.is_active
			AND ($2::text = '' OR c.type = $2::text)
			AND ($3::boolean IS NULL OR COALESCE((c.metadata->>'isArchived')::boolean, false) = $3::boolean)
		ORDER BY c.updated_at DESC
	`, userID, string(filter.Type), archived)
}

// UpsertParticipant adds userID or reactivates a former participant. A
// reactivated participant starts reading from at.
func (r *ConversationRepository) UpsertParticipant(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error {
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = $2 WHERE id = $1`, conversationID, at)
		if err != nil {
			return err
		}
		if err := rowsAffected(res, "update conversation", "conversation"); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, joined_at, last_read_at, is_active)
			VALUES ($1, $2, $3, $3, true)
			ON CONFLICT (conversation_id, user_id) DO UPDATE SET
				joined_at = EXCLUDED.joined_at,
				last_read_at = CASE WHEN conversation_participants.is_active
					THEN conversation_participants.last_read_at
					ELSE EXCLUDED.last_read_at END,
				is_active = true
		`, conversationID, userID, at)
		return err
	})
	return pgError(err, "upsert participant", "conversation")
}

func (r *ConversationRepository) DeactivateParticipant(ctx context.Context, conversationID, userID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE conversation_participants SET is_active = false
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID)
	if err != nil {
		return pgError(err, "deactivate participant", "participant")
	}
	return rowsAffected(res, "deactivate participant", "participant")
}

func (r *ConversationRepository) UpdateLastRead(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE conversation_participants SET last_read_at = $3
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID, at)
	if err != nil {
		return pgError(err, "update last read", "participant")
	}
	return rowsAffected(res, "update last read", "participant")
}

func (r *ConversationRepository) UpdateMetadata(ctx context.Context, conversationID uuid.UUID, md models.ConversationMetadata) error {
	metadata, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("failed to encode conversation metadata: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE conversations SET metadata = $2, updated_at = NOW() WHERE id = $1
	`, conversationID, metadata)
	if err != nil {
		return pgError(err, "update conversation metadata", "conversation")
	}
	return rowsAffected(res, "update conversation metadata", "conversation")
}

func (r *ConversationRepository) getOne(ctx context.Context, query string, args ...any) (*models.Conversation, error) {
	conv, err := scanConversation(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, pgError(err, "get conversation", "conversation")
	}
	list := []models.Conversation{*conv}
	if err := r.attachParticipants(ctx, list); err != nil {
		return nil, err
	}
	return &list[0], nil
}

func (r *ConversationRepository) getMany(ctx context.Context, query string, args ...any) ([]models.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pgError(err, "list conversations", "conversation")
	}
	defer rows.Close()

	list := []models.Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, pgError(err, "scan conversation", "conversation")
		}
		list = append(list, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError(err, "list conversations", "conversation")
	}
	if err := r.attachParticipants(ctx, list); err != nil {
		return nil, err
	}
	return list, nil
}

// attachParticipants loads participant rows for every conversation in one
// query.
func (r *ConversationRepository) attachParticipants(ctx context.Context, list []models.Conversation) error {
	if len(list) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(list))
	index := make(map[uuid.UUID]int, len(list))
	for i := range list {
		ids[i] = list[i].ID
		index[list[i].ID] = i
		list[i].Participants = []models.Participant{}
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT conversation_id, user_id, joined_at, last_read_at, is_active
		FROM conversation_participants
		WHERE conversation_id = ANY($1::uuid[])
		ORDER BY joined_at
	`, uuidArray(ids))
	if err != nil {
		return pgError(err, "get participants", "participant")
	}
	defer rows.Close()

	for rows.Next() {
		var convID uuid.UUID
		var p models.Participant
		if err := rows.Scan(&convID, &p.UserID, &p.JoinedAt, &p.LastReadAt, &p.IsActive); err != nil {
			return pgError(err, "scan participant", "participant")
		}
		if i, ok := index[convID]; ok {
			list[i].Participants = append(list[i].Participants, p)
		}
	}
	return pgError(rows.Err(), "get participants", "participant")
}

func scanConversation(row scanner) (*models.Conversation, error) {
	var (
		conv          models.Conversation
		itemID        uuid.NullUUID
		itemKind      sql.NullString
		associationID uuid.NullUUID
		lastMessageID uuid.NullUUID
		metadata      []byte
	)
	err := row.Scan(
		&conv.ID,
		&conv.Type,
		&itemID,
		&itemKind,
		&associationID,
		&lastMessageID,
		&metadata,
		&conv.Stats.MessageCount,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if itemID.Valid {
		conv.RelatedItem = &models.RelatedItem{ItemID: itemID.UUID, ItemKind: itemKind.String}
	}
	conv.AssociationID = uuidPtr(associationID)
	conv.LastMessageID = uuidPtr(lastMessageID)
	conv.Metadata = models.DefaultConversationMetadata()
	if err := json.Unmarshal(metadata, &conv.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode conversation metadata: %w", err)
	}
	return &conv, nil
}
