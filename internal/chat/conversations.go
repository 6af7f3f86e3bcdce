package chat

import (
	"context"
	"errors"
	"time"

	"github.com/ecoshare/backend/internal/apperr"
	"github.com/ecoshare/backend/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ConversationService struct {
	convs  ConversationRepository
	msgs   MessageRepository
	users  UserDirectory
	limits Limits
	log    *zap.Logger
	now    func() time.Time
}

func NewConversationService(convs ConversationRepository, msgs MessageRepository, users UserDirectory, limits Limits, log *zap.Logger) *ConversationService {
	return &ConversationService{
		convs:  convs,
		msgs:   msgs,
		users:  users,
		limits: limits,
		log:    log.Named("conversations"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// authorize loads a conversation and checks that userID is an active
// participant. It runs before any state change. A missing conversation and
// one the caller is not in fail the same way.
func authorize(ctx context.Context, convs ConversationRepository, conversationID, userID uuid.UUID) (*models.Conversation, error) {
	conv, err := convs.GetByID(ctx, conversationID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Forbidden("user %s cannot access conversation %s", userID, conversationID)
	}
	if err != nil {
		return nil, err
	}
	if !conv.IsParticipant(userID) {
		return nil, apperr.Forbidden("user %s cannot access conversation %s", userID, conversationID)
	}
	return conv, nil
}

// Authorize returns the conversation when userID is an active participant.
func (s *ConversationService) Authorize(ctx context.Context, conversationID, userID uuid.UUID) (*models.Conversation, error) {
	return authorize(ctx, s.convs, conversationID, userID)
}

// Get returns the conversation with the caller's unread count and last
// message filled in.
func (s *ConversationService) Get(ctx context.Context, conversationID, userID uuid.UUID) (*models.Conversation, error) {
	conv, err := authorize(ctx, s.convs, conversationID, userID)
	if err != nil {
		return nil, err
	}
	list := []models.Conversation{*conv}
	if err := s.decorate(ctx, userID, list); err != nil {
		return nil, err
	}
	return &list[0], nil
}

// FindOrCreateDirect returns the single direct conversation between a and b,
// creating it when absent. A lost creation race surfaces as a conflict from
// the store and is resolved by finding again.
func (s *ConversationService) FindOrCreateDirect(ctx context.Context, a, b uuid.UUID) (*models.Conversation, bool, error) {
	if a == b {
		return nil, false, apperr.Validation("cannot start a direct conversation with yourself")
	}
	if err := s.ensureUsers(ctx, []uuid.UUID{a, b}); err != nil {
		return nil, false, err
	}

	key := models.DirectKey(a, b)
	for attempt := 0; attempt <= s.limits.DirectCreateRetries; attempt++ {
		conv, err := s.convs.FindDirect(ctx, key)
		if err == nil {
			conv, err = s.reactivate(ctx, conv, a, b)
			return conv, false, err
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return nil, false, err
		}

		conv = s.newConversation(models.ConversationDirect, []uuid.UUID{a, b})
		err = s.convs.Create(ctx, conv)
		if err == nil {
			s.log.Info("direct conversation created",
				zap.Stringer("conversation_id", conv.ID), zap.String("direct_key", key))
			return conv, true, nil
		}
		if !errors.Is(err, apperr.ErrConflict) {
			return nil, false, err
		}
		s.log.Debug("direct conversation create lost a race, retrying",
			zap.String("direct_key", key), zap.Int("attempt", attempt))
	}
	return nil, false, apperr.Conflict("direct conversation %s could not be resolved", key)
}

// reactivate brings back either side of a direct conversation that had left.
func (s *ConversationService) reactivate(ctx context.Context, conv *models.Conversation, ids ...uuid.UUID) (*models.Conversation, error) {
	changed := false
	for _, id := range ids {
		if conv.IsParticipant(id) {
			continue
		}
		if err := s.convs.UpsertParticipant(ctx, conv.ID, id, s.now()); err != nil {
			return nil, err
		}
		changed = true
	}
	if !changed {
		return conv, nil
	}
	return s.convs.GetByID(ctx, conv.ID)
}

// Create starts a conversation for creatorID. Direct conversations go through
// FindOrCreateDirect; the boolean reports whether a new one was stored.
func (s *ConversationService) Create(ctx context.Context, creatorID uuid.UUID, req models.CreateConversationRequest) (*models.Conversation, bool, error) {
	ids := uniqueIDs(append([]uuid.UUID{creatorID}, req.Participants...))

	typ := req.Type
	if typ == "" {
		typ = models.ConversationDirect
	}
	if !typ.Valid() {
		return nil, false, apperr.Validation("unknown conversation type %q", typ)
	}

	if typ == models.ConversationDirect {
		if len(ids) != 2 {
			return nil, false, apperr.Validation("direct conversations have exactly two participants")
		}
		return s.FindOrCreateDirect(ctx, ids[0], ids[1])
	}

	if len(ids) > models.DefaultMaxParticipants {
		return nil, false, apperr.Validation("conversation exceeds %d participants", models.DefaultMaxParticipants)
	}
	switch typ {
	case models.ConversationItemExchange:
		if req.RelatedItem == nil || req.RelatedItem.ItemID == uuid.Nil {
			return nil, false, apperr.Validation("item exchange conversations require relatedItem")
		}
		if req.RelatedItem.ItemKind != "object" && req.RelatedItem.ItemKind != "food" {
			return nil, false, apperr.Validation("relatedItem.itemKind must be object or food")
		}
	case models.ConversationAssociation:
		if req.Association == nil || *req.Association == uuid.Nil {
			return nil, false, apperr.Validation("association conversations require associationId")
		}
	}
	if err := s.ensureUsers(ctx, ids); err != nil {
		return nil, false, err
	}

	conv := s.newConversation(typ, ids)
	conv.RelatedItem = req.RelatedItem
	conv.AssociationID = req.Association
	conv.Metadata.Title = req.Title
	conv.Metadata.Description = req.Description
	conv.Metadata.Image = req.Image

	if err := s.convs.Create(ctx, conv); err != nil {
		return nil, false, err
	}
	s.log.Info("conversation created",
		zap.Stringer("conversation_id", conv.ID),
		zap.String("type", string(typ)),
		zap.Int("participants", len(ids)))
	return conv, true, nil
}

// AddParticipant adds or reactivates userID. Re-adding an active participant
// only refreshes joinedAt.
func (s *ConversationService) AddParticipant(ctx context.Context, conversationID, actorID, userID uuid.UUID) (*models.Conversation, error) {
	conv, err := authorize(ctx, s.convs, conversationID, actorID)
	if err != nil {
		return nil, err
	}
	if conv.Type == models.ConversationDirect {
		return nil, apperr.Validation("cannot add participants to a direct conversation")
	}
	if !conv.IsParticipant(userID) {
		limit := conv.Metadata.Settings.MaxParticipants
		if limit <= 0 {
			limit = models.DefaultMaxParticipants
		}
		if len(conv.ActiveParticipantIDs()) >= limit {
			return nil, apperr.Validation("conversation is limited to %d participants", limit)
		}
		if err := s.ensureUsers(ctx, []uuid.UUID{userID}); err != nil {
			return nil, err
		}
	}

	if err := s.convs.UpsertParticipant(ctx, conversationID, userID, s.now()); err != nil {
		return nil, err
	}
	return s.convs.GetByID(ctx, conversationID)
}

// RemoveParticipant marks userID inactive. The participant record is kept.
func (s *ConversationService) RemoveParticipant(ctx context.Context, conversationID, actorID, userID uuid.UUID) (*models.Conversation, error) {
	conv, err := authorize(ctx, s.convs, conversationID, actorID)
	if err != nil {
		return nil, err
	}
	if conv.Participant(userID) == nil {
		return nil, apperr.NotFound("participant")
	}
	if err := s.convs.DeactivateParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return s.convs.GetByID(ctx, conversationID)
}

// UpdateLastRead moves the caller's read marker to now.
func (s *ConversationService) UpdateLastRead(ctx context.Context, conversationID, userID uuid.UUID) error {
	if _, err := authorize(ctx, s.convs, conversationID, userID); err != nil {
		return err
	}
	return s.convs.UpdateLastRead(ctx, conversationID, userID, s.now())
}

// UnreadCount counts messages created after the caller's lastReadAt that the
// caller did not author.
func (s *ConversationService) UnreadCount(ctx context.Context, conversationID, userID uuid.UUID) (int64, error) {
	conv, err := authorize(ctx, s.convs, conversationID, userID)
	if err != nil {
		return 0, err
	}
	return s.msgs.CountUnread(ctx, conversationID, userID, conv.Participant(userID).LastReadAt)
}

// ListForUser returns the caller's active conversations, most recently
// updated first.
func (s *ConversationService) ListForUser(ctx context.Context, userID uuid.UUID, filter models.ConversationFilter) ([]models.Conversation, error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, apperr.Validation("unknown conversation type %q", filter.Type)
	}
	list, err := s.convs.ListForUser(ctx, userID, filter)
	if err != nil {
		return nil, err
	}
	if err := s.decorate(ctx, userID, list); err != nil {
		return nil, err
	}
	return list, nil
}

// FindByItem returns the caller's conversations about a marketplace item.
func (s *ConversationService) FindByItem(ctx context.Context, userID uuid.UUID, item models.RelatedItem) ([]models.Conversation, error) {
	if item.ItemID == uuid.Nil {
		return nil, apperr.Validation("itemId is required")
	}
	all, err := s.convs.FindByItem(ctx, item)
	if err != nil {
		return nil, err
	}
	list := make([]models.Conversation, 0, len(all))
	for _, c := range all {
		if c.IsParticipant(userID) {
			list = append(list, c)
		}
	}
	if err := s.decorate(ctx, userID, list); err != nil {
		return nil, err
	}
	return list, nil
}

// UpdateMetadata applies a partial metadata update from an active participant.
func (s *ConversationService) UpdateMetadata(ctx context.Context, conversationID, userID uuid.UUID, req models.UpdateConversationRequest) (*models.Conversation, error) {
	conv, err := authorize(ctx, s.convs, conversationID, userID)
	if err != nil {
		return nil, err
	}
	md := conv.Metadata
	req.Apply(&md)
	if err := s.convs.UpdateMetadata(ctx, conversationID, md); err != nil {
		return nil, err
	}
	conv.Metadata = md
	return conv, nil
}

func (s *ConversationService) decorate(ctx context.Context, userID uuid.UUID, list []models.Conversation) error {
	var lastIDs []uuid.UUID
	for i := range list {
		c := &list[i]
		if p := c.Participant(userID); p != nil {
			n, err := s.msgs.CountUnread(ctx, c.ID, userID, p.LastReadAt)
			if err != nil {
				return err
			}
			c.Stats.UnreadCount = n
		}
		if c.LastMessageID != nil {
			lastIDs = append(lastIDs, *c.LastMessageID)
		}
	}
	if len(lastIDs) == 0 {
		return nil
	}

	msgs, err := s.msgs.GetByIDs(ctx, lastIDs)
	if err != nil {
		return err
	}
	byID := make(map[uuid.UUID]models.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m.Redact()
	}
	for i := range list {
		if id := list[i].LastMessageID; id != nil {
			if m, ok := byID[*id]; ok {
				list[i].LastMessage = &m
			}
		}
	}
	return nil
}

func (s *ConversationService) ensureUsers(ctx context.Context, ids []uuid.UUID) error {
	users, err := s.users.GetByIDs(ctx, ids)
	if err != nil {
		return err
	}
	found := make(map[uuid.UUID]bool, len(users))
	for _, u := range users {
		found[u.ID] = true
	}
	for _, id := range ids {
		if !found[id] {
			return apperr.Validation("user %s does not exist", id)
		}
	}
	return nil
}

func (s *ConversationService) newConversation(typ models.ConversationType, ids []uuid.UUID) *models.Conversation {
	now := s.now()
	conv := &models.Conversation{
		ID:        uuid.New(),
		Type:      typ,
		Metadata:  models.DefaultConversationMetadata(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, id := range ids {
		conv.Participants = append(conv.Participants, models.Participant{
			UserID:     id,
			JoinedAt:   now,
			LastReadAt: now,
			IsActive:   true,
		})
	}
	return conv
}

func uniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
