package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ecoshare/backend/internal/apperr"
	"github.com/ecoshare/backend/internal/models"
	"github.com/google/uuid"
)

// MemoryStore keeps users, conversations and messages in process. It honors
// the same uniqueness and atomicity contracts as the database stores and is
// used by tests and single-node development.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[uuid.UUID]*models.User
	conversations map[uuid.UUID]*models.Conversation
	directKeys    map[string]uuid.UUID
	messages      map[uuid.UUID]*models.Message
	seq           map[uuid.UUID]int64
	next          int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[uuid.UUID]*models.User),
		conversations: make(map[uuid.UUID]*models.Conversation),
		directKeys:    make(map[string]uuid.UUID),
		messages:      make(map[uuid.UUID]*models.Message),
		seq:           make(map[uuid.UUID]int64),
	}
}

type MemoryUserRepository struct{ s *MemoryStore }

type MemoryConversationRepository struct{ s *MemoryStore }

type MemoryMessageRepository struct{ s *MemoryStore }

func (s *MemoryStore) Users() *MemoryUserRepository { return &MemoryUserRepository{s} }

func (s *MemoryStore) Conversations() *MemoryConversationRepository {
	return &MemoryConversationRepository{s}
}

func (s *MemoryStore) Messages() *MemoryMessageRepository { return &MemoryMessageRepository{s} }

// Users

func (r *MemoryUserRepository) Create(_ context.Context, user *models.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, u := range r.s.users {
		if strings.EqualFold(u.Email, user.Email) {
			return apperr.Conflict("email already registered")
		}
	}
	u := *user
	r.s.users[user.ID] = &u
	return nil
}

func (r *MemoryUserRepository) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	u, ok := r.s.users[id]
	if !ok {
		return nil, apperr.NotFound("user")
	}
	out := *u
	return &out, nil
}

func (r *MemoryUserRepository) GetByEmail(_ context.Context, email string) (*models.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, u := range r.s.users {
		if strings.EqualFold(u.Email, email) {
			out := *u
			return &out, nil
		}
	}
	return nil, apperr.NotFound("user")
}

func (r *MemoryUserRepository) GetByIDs(_ context.Context, ids []uuid.UUID) ([]models.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	users := []models.User{}
	for _, id := range ids {
		if u, ok := r.s.users[id]; ok {
			users = append(users, *u)
		}
	}
	return users, nil
}

// Conversations

func (r *MemoryConversationRepository) Create(_ context.Context, conv *models.Conversation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if key := conv.DirectKey(); key != "" {
		if _, taken := r.s.directKeys[key]; taken {
			return apperr.Conflict("direct conversation already exists")
		}
		r.s.directKeys[key] = conv.ID
	}
	r.s.conversations[conv.ID] = cloneConversation(conv)
	return nil
}

func (r *MemoryConversationRepository) GetByID(_ context.Context, id uuid.UUID) (*models.Conversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	c, ok := r.s.conversations[id]
	if !ok {
		return nil, apperr.NotFound("conversation")
	}
	return cloneConversation(c), nil
}

func (r *MemoryConversationRepository) FindDirect(ctx context.Context, directKey string) (*models.Conversation, error) {
	r.s.mu.RLock()
	id, ok := r.s.directKeys[directKey]
	r.s.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("conversation")
	}
	return r.GetByID(ctx, id)
}

func (r *MemoryConversationRepository) FindByItem(_ context.Context, item models.RelatedItem) ([]models.Conversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	list := []models.Conversation{}
	for _, c := range r.s.conversations {
		if c.RelatedItem != nil && *c.RelatedItem == item {
			list = append(list, *cloneConversation(c))
		}
	}
	sortConversations(list)
	return list, nil
}

func (r *MemoryConversationRepository) ListForUser(_ context.Context, userID uuid.UUID, filter models.ConversationFilter) ([]models.Conversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	list := []models.Conversation{}
	for _, c := range r.s.conversations {
		if !c.IsParticipant(userID) {
			continue
		}
		if filter.Type != "" && c.Type != filter.Type {
			continue
		}
		if filter.Archived != nil && c.Metadata.IsArchived != *filter.Archived {
			continue
		}
		list = append(list, *cloneConversation(c))
	}
	sortConversations(list)
	return list, nil
}

func (r *MemoryConversationRepository) UpsertParticipant(_ context.Context, conversationID, userID uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.conversations[conversationID]
	if !ok {
		return apperr.NotFound("conversation")
	}
	if p := c.Participant(userID); p != nil {
		p.JoinedAt = at
		if !p.IsActive {
			p.IsActive = true
			p.LastReadAt = at
		}
	} else {
		c.Participants = append(c.Participants, models.Participant{
			UserID: userID, JoinedAt: at, LastReadAt: at, IsActive: true,
		})
	}
	c.UpdatedAt = at
	return nil
}

func (r *MemoryConversationRepository) DeactivateParticipant(_ context.Context, conversationID, userID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.conversations[conversationID]
	if !ok {
		return apperr.NotFound("conversation")
	}
	p := c.Participant(userID)
	if p == nil {
		return apperr.NotFound("participant")
	}
	p.IsActive = false
	return nil
}

func (r *MemoryConversationRepository) UpdateLastRead(_ context.Context, conversationID, userID uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.conversations[conversationID]
	if !ok {
		return apperr.NotFound("conversation")
	}
	p := c.Participant(userID)
	if p == nil {
		return apperr.NotFound("participant")
	}
	p.LastReadAt = at
	return nil
}

func (r *MemoryConversationRepository) UpdateMetadata(_ context.Context, conversationID uuid.UUID, md models.ConversationMetadata) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.conversations[conversationID]
	if !ok {
		return apperr.NotFound("conversation")
	}
	c.Metadata = md
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// Messages

func (r *MemoryMessageRepository) Create(_ context.Context, msg *models.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.conversations[msg.ConversationID]
	if !ok {
		return apperr.NotFound("conversation")
	}
	if _, dup := r.s.messages[msg.ID]; dup {
		return apperr.Conflict("message %s already exists", msg.ID)
	}
	r.s.messages[msg.ID] = cloneMessage(msg)
	r.s.next++
	r.s.seq[msg.ID] = r.s.next

	id := msg.ID
	c.LastMessageID = &id
	c.UpdatedAt = msg.CreatedAt
	c.Stats.MessageCount++
	return nil
}

func (r *MemoryMessageRepository) GetByID(_ context.Context, id uuid.UUID) (*models.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	m, ok := r.s.messages[id]
	if !ok {
		return nil, apperr.NotFound("message")
	}
	return cloneMessage(m), nil
}

func (r *MemoryMessageRepository) GetByIDs(_ context.Context, ids []uuid.UUID) ([]models.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	list := []models.Message{}
	for _, id := range ids {
		if m, ok := r.s.messages[id]; ok {
			list = append(list, *cloneMessage(m))
		}
	}
	return list, nil
}

func (r *MemoryMessageRepository) List(_ context.Context, conversationID uuid.UUID, q models.MessageQuery) ([]models.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	list := []models.Message{}
	for _, m := range r.s.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if m.Hidden() && !q.IncludeDeleted {
			continue
		}
		if q.Before != nil && !m.CreatedAt.Before(*q.Before) {
			continue
		}
		if q.After != nil && !m.CreatedAt.After(*q.After) {
			continue
		}
		list = append(list, *cloneMessage(m))
	}
	r.s.sortNewestFirst(list)
	if q.Limit > 0 && len(list) > q.Limit {
		list = list[:q.Limit]
	}
	return list, nil
}

func (r *MemoryMessageRepository) Search(_ context.Context, conversationIDs []uuid.UUID, q models.SearchQuery) ([]models.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	scope := make(map[uuid.UUID]bool, len(conversationIDs))
	for _, id := range conversationIDs {
		scope[id] = true
	}
	needle := strings.ToLower(q.Text)

	list := []models.Message{}
	for _, m := range r.s.messages {
		if !scope[m.ConversationID] || m.Hidden() {
			continue
		}
		if q.SenderID != nil && m.SenderID != *q.SenderID {
			continue
		}
		if q.Type != "" && m.Type != q.Type {
			continue
		}
		if !strings.Contains(strings.ToLower(m.Content), needle) {
			continue
		}
		list = append(list, *cloneMessage(m))
	}
	r.s.sortNewestFirst(list)
	if q.Limit > 0 && len(list) > q.Limit {
		list = list[:q.Limit]
	}
	return list, nil
}

func (r *MemoryMessageRepository) Edit(_ context.Context, id uuid.UUID, content string, at time.Time) (*models.Message, error) {
	return r.mutate(id, func(m *models.Message) error {
		m.ApplyEdit(content, at)
		return nil
	})
}

func (r *MemoryMessageRepository) SoftDelete(_ context.Context, id, by uuid.UUID, reason string, at time.Time) (*models.Message, error) {
	return r.mutate(id, func(m *models.Message) error {
		if !m.IsDeleted {
			m.Tombstone(by, reason, at)
		}
		return nil
	})
}

func (r *MemoryMessageRepository) MarkRead(_ context.Context, id, userID uuid.UUID, at time.Time) (bool, error) {
	var added bool
	_, err := r.mutate(id, func(m *models.Message) error {
		added = m.MarkRead(userID, at)
		return nil
	})
	return added, err
}

func (r *MemoryMessageRepository) MarkConversationRead(_ context.Context, conversationID, userID uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	marked := []uuid.UUID{}
	for _, m := range r.s.messages {
		if m.ConversationID != conversationID || m.IsDeleted {
			continue
		}
		if m.MarkRead(userID, at) {
			marked = append(marked, m.ID)
		}
	}
	return marked, nil
}

func (r *MemoryMessageRepository) MarkDelivered(_ context.Context, conversationID uuid.UUID, ids []uuid.UUID, userID uuid.UUID) ([]uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	delivered := []uuid.UUID{}
	for _, id := range ids {
		m, ok := r.s.messages[id]
		if !ok || m.ConversationID != conversationID || m.SenderID == userID {
			continue
		}
		if m.Status == models.StatusSent && m.Advance(models.StatusDelivered) {
			m.UpdatedAt = time.Now().UTC()
			delivered = append(delivered, id)
		}
	}
	return delivered, nil
}

func (r *MemoryMessageRepository) ToggleReaction(_ context.Context, id, userID uuid.UUID, emoji string, at time.Time) (*models.Message, bool, error) {
	var added bool
	m, err := r.mutate(id, func(m *models.Message) error {
		added = m.ToggleReaction(userID, emoji, at)
		return nil
	})
	return m, added, err
}

func (r *MemoryMessageRepository) SetPinned(_ context.Context, id uuid.UUID, pinned bool) (*models.Message, error) {
	return r.mutate(id, func(m *models.Message) error {
		m.IsPinned = pinned
		return nil
	})
}

func (r *MemoryMessageRepository) AddReport(_ context.Context, id uuid.UUID, report models.Report, threshold int) (*models.Message, error) {
	return r.mutate(id, func(m *models.Message) error {
		return applyReport(m, report, threshold)
	})
}

func (r *MemoryMessageRepository) CountUnread(_ context.Context, conversationID, userID uuid.UUID, since time.Time) (int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var n int64
	for _, m := range r.s.messages {
		if m.ConversationID == conversationID && m.SenderID != userID && !m.Hidden() && m.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryMessageRepository) mutate(id uuid.UUID, fn func(*models.Message) error) (*models.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	m, ok := r.s.messages[id]
	if !ok {
		return nil, apperr.NotFound("message")
	}
	if err := fn(m); err != nil {
		return nil, err
	}
	return cloneMessage(m), nil
}

// sortNewestFirst orders by creation time, breaking ties by insertion order.
func (s *MemoryStore) sortNewestFirst(list []models.Message) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return s.seq[list[i].ID] > s.seq[list[j].ID]
	})
}

func sortConversations(list []models.Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
}

func cloneConversation(c *models.Conversation) *models.Conversation {
	out := *c
	out.Participants = append([]models.Participant(nil), c.Participants...)
	if c.RelatedItem != nil {
		item := *c.RelatedItem
		out.RelatedItem = &item
	}
	if c.LastMessageID != nil {
		id := *c.LastMessageID
		out.LastMessageID = &id
	}
	out.LastMessage = nil
	return &out
}

func cloneMessage(m *models.Message) *models.Message {
	out := *m
	out.ReadBy = append([]models.ReadReceipt{}, m.ReadBy...)
	out.Reactions = append([]models.Reaction{}, m.Reactions...)
	out.Edited.EditHistory = append([]models.EditEntry{}, m.Edited.EditHistory...)
	out.Moderation.Reports = append([]models.Report{}, m.Moderation.Reports...)
	out.Sender = nil
	out.ReplyTo = nil
	return &out
}
