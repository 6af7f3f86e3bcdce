// Package chat implements the conversation and message store contracts on top
// of a pluggable persistence layer. Authorization, validation, conflict retry
// and read-model assembly live here; repositories only persist.
package chat

import (
	"context"
	"time"

	"github.com/ecoshare/backend/internal/models"
	"github.com/google/uuid"
)

// ConversationRepository persists conversations and their participant rows.
// Create must fail with apperr.ErrConflict when a direct conversation for the
// same participant pair already exists.
type ConversationRepository interface {
	Create(ctx context.Context, conv *models.Conversation) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	FindDirect(ctx context.Context, directKey string) (*models.Conversation, error)
	FindByItem(ctx context.Context, item models.RelatedItem) ([]models.Conversation, error)
	ListForUser(ctx context.Context, userID uuid.UUID, filter models.ConversationFilter) ([]models.Conversation, error)
	UpsertParticipant(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error
	DeactivateParticipant(ctx context.Context, conversationID, userID uuid.UUID) error
	UpdateLastRead(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error
	UpdateMetadata(ctx context.Context, conversationID uuid.UUID, md models.ConversationMetadata) error
}

// MessageRepository persists messages. Create bumps the owning conversation's
// last message pointer, updated_at and message count in the same transaction.
type MessageRepository interface {
	Create(ctx context.Context, msg *models.Message) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Message, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Message, error)
	List(ctx context.Context, conversationID uuid.UUID, q models.MessageQuery) ([]models.Message, error)
	Search(ctx context.Context, conversationIDs []uuid.UUID, q models.SearchQuery) ([]models.Message, error)
	Edit(ctx context.Context, id uuid.UUID, content string, at time.Time) (*models.Message, error)
	SoftDelete(ctx context.Context, id, by uuid.UUID, reason string, at time.Time) (*models.Message, error)
	MarkRead(ctx context.Context, id, userID uuid.UUID, at time.Time) (bool, error)
	MarkConversationRead(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) ([]uuid.UUID, error)
	MarkDelivered(ctx context.Context, conversationID uuid.UUID, ids []uuid.UUID, userID uuid.UUID) ([]uuid.UUID, error)
	ToggleReaction(ctx context.Context, id, userID uuid.UUID, emoji string, at time.Time) (*models.Message, bool, error)
	SetPinned(ctx context.Context, id uuid.UUID, pinned bool) (*models.Message, error)
	AddReport(ctx context.Context, id uuid.UUID, report models.Report, threshold int) (*models.Message, error)
	CountUnread(ctx context.Context, conversationID, userID uuid.UUID, since time.Time) (int64, error)
}

// UserDirectory resolves user identities for participant checks and
// read-model expansion.
type UserDirectory interface {
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]models.User, error)
}

// Limits bounds pagination, moderation and conflict retry.
type Limits struct {
	DefaultPageSize     int
	MaxPageSize         int
	SearchLimit         int
	ReportThreshold     int
	DirectCreateRetries int
}

func DefaultLimits() Limits {
	return Limits{
		DefaultPageSize:     50,
		MaxPageSize:         100,
		SearchLimit:         50,
		ReportThreshold:     3,
		DirectCreateRetries: 3,
	}
}

func (l Limits) pageSize(n int) int {
	if n <= 0 {
		return l.DefaultPageSize
	}
	if n > l.MaxPageSize {
		return l.MaxPageSize
	}
	return n
}
