package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ecoshare/backend/internal/apperr"
	"github.com/ecoshare/backend/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxEmojiLength = 32

// Expansion declares which references a read resolves.
type Expansion struct {
	Sender  bool
	ReplyTo bool
}

// ParseExpansion reads values such as "sender,replyTo".
func ParseExpansion(values []string) (Expansion, error) {
	var e Expansion
	for _, v := range values {
		for _, f := range strings.Split(v, ",") {
			switch strings.TrimSpace(f) {
			case "":
			case "sender":
				e.Sender = true
			case "replyTo":
				e.ReplyTo = true
			default:
				return e, apperr.Validation("cannot expand %q", f)
			}
		}
	}
	return e, nil
}

type MessageService struct {
	convs  ConversationRepository
	msgs   MessageRepository
	users  UserDirectory
	limits Limits
	log    *zap.Logger
	now    func() time.Time
}

func NewMessageService(convs ConversationRepository, msgs MessageRepository, users UserDirectory, limits Limits, log *zap.Logger) *MessageService {
	return &MessageService{
		convs:  convs,
		msgs:   msgs,
		users:  users,
		limits: limits,
		log:    log.Named("messages"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Send validates and stores a new message from senderID. The returned
// conversation is the state the message was authorized against.
func (s *MessageService) Send(ctx context.Context, conversationID, senderID uuid.UUID, req models.SendMessageRequest) (*models.Message, *models.Conversation, error) {
	now := s.now()
	msg := &models.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        req.Content,
		Type:           req.Type,
		Metadata:       req.Metadata,
		ReplyToID:      req.ReplyToID,
		Status:         models.StatusSent,
		ReadBy:         []models.ReadReceipt{},
		Reactions:      []models.Reaction{},
		Edited:         models.EditInfo{EditHistory: []models.EditEntry{}},
		Moderation:     models.Moderation{Reports: []models.Report{}},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if msg.Type == "" {
		msg.Type = models.MessageText
	}
	if err := msg.Validate(); err != nil {
		return nil, nil, err
	}

	conv, err := authorize(ctx, s.convs, conversationID, senderID)
	if err != nil {
		return nil, nil, err
	}
	settings := conv.Metadata.Settings
	if msg.Type == models.MessageImage && !settings.AllowImageSharing {
		return nil, nil, apperr.Validation("image sharing is disabled in this conversation")
	}
	if msg.Type == models.MessageFile && !settings.AllowFileSharing {
		return nil, nil, apperr.Validation("file sharing is disabled in this conversation")
	}

	if msg.ReplyToID != nil {
		parent, err := s.msgs.GetByID(ctx, *msg.ReplyToID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return nil, nil, err
		}
		if err != nil || parent.ConversationID != conversationID {
			return nil, nil, apperr.Validation("replyTo must reference a message in the same conversation")
		}
		redacted := parent.Redact()
		msg.ReplyTo = &redacted
	}

	if err := s.msgs.Create(ctx, msg); err != nil {
		return nil, nil, err
	}
	if err := s.expandSenders(ctx, []*models.Message{msg}); err != nil {
		s.log.Warn("failed to expand sender", zap.Stringer("message_id", msg.ID), zap.Error(err))
	}
	return msg, conv, nil
}

// Get returns one message the caller can see.
func (s *MessageService) Get(ctx context.Context, messageID, userID uuid.UUID, exp Expansion) (*models.Message, error) {
	msg, err := s.load(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	out := []models.Message{msg.Redact()}
	if err := s.assemble(ctx, out, exp); err != nil {
		return nil, err
	}
	return &out[0], nil
}

// List pages through a conversation newest first. Hidden messages are
// excluded unless q.IncludeDeleted is set, and even then their content is
// replaced by a placeholder.
func (s *MessageService) List(ctx context.Context, conversationID, userID uuid.UUID, q models.MessageQuery, exp Expansion) ([]models.Message, error) {
	if q.Before != nil && q.After != nil && !q.After.Before(*q.Before) {
		return nil, apperr.Validation("after must be earlier than before")
	}
	if _, err := authorize(ctx, s.convs, conversationID, userID); err != nil {
		return nil, err
	}
	q.Limit = s.limits.pageSize(q.Limit)

	list, err := s.msgs.List(ctx, conversationID, q)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i] = list[i].Redact()
	}
	if err := s.assemble(ctx, list, exp); err != nil {
		return nil, err
	}
	return list, nil
}

// Search matches content case-insensitively across the caller's
// conversations, or within one when q.ConversationID is set.
func (s *MessageService) Search(ctx context.Context, userID uuid.UUID, q models.SearchQuery) ([]models.Message, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return nil, apperr.Validation("search text is required")
	}
	if q.Type != "" && !q.Type.Valid() {
		return nil, apperr.Validation("unknown message type %q", q.Type)
	}
	if q.Limit <= 0 || q.Limit > s.limits.SearchLimit {
		q.Limit = s.limits.SearchLimit
	}

	var scope []uuid.UUID
	if q.ConversationID != nil {
		if _, err := authorize(ctx, s.convs, *q.ConversationID, userID); err != nil {
			return nil, err
		}
		scope = []uuid.UUID{*q.ConversationID}
	} else {
		convs, err := s.convs.ListForUser(ctx, userID, models.ConversationFilter{})
		if err != nil {
			return nil, err
		}
		for _, c := range convs {
			scope = append(scope, c.ID)
		}
	}
	if len(scope) == 0 {
		return []models.Message{}, nil
	}
	return s.msgs.Search(ctx, scope, q)
}

// Edit replaces the content of a message. Only a sender who still
// participates may edit, and the previous content is kept in the edit
// history.
func (s *MessageService) Edit(ctx context.Context, messageID, editorID uuid.UUID, content string) (*models.Message, error) {
	msg, err := s.load(ctx, messageID, editorID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != editorID {
		return nil, apperr.Forbidden("only the sender may edit message %s", messageID)
	}
	if msg.Hidden() {
		return nil, apperr.Validation("cannot edit a deleted or hidden message")
	}
	if err := models.ValidateContent(content, msg.Type); err != nil {
		return nil, err
	}
	return s.msgs.Edit(ctx, messageID, content, s.now())
}

// Delete tombstones a message. Deleting twice is a no-op.
func (s *MessageService) Delete(ctx context.Context, messageID, deleterID uuid.UUID, reason string) (*models.Message, error) {
	msg, err := s.load(ctx, messageID, deleterID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != deleterID {
		return nil, apperr.Forbidden("only the sender may delete message %s", messageID)
	}
	if !msg.IsDeleted {
		if msg, err = s.msgs.SoftDelete(ctx, messageID, deleterID, reason, s.now()); err != nil {
			return nil, err
		}
	}
	out := msg.Redact()
	return &out, nil
}

// MarkRead records read receipts for the caller on the given messages of one
// conversation and returns the ids that gained a receipt. The caller's read
// marker only moves past messages that are read, so an unread message older
// than the ones marked still counts as unread.
func (s *MessageService) MarkRead(ctx context.Context, conversationID, userID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, apperr.Validation("messageIds is required")
	}
	conv, err := authorize(ctx, s.convs, conversationID, userID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.msgs.GetByIDs(ctx, uniqueIDs(ids))
	if err != nil {
		return nil, err
	}

	now := s.now()
	marked := []uuid.UUID{}
	for _, m := range msgs {
		if m.ConversationID != conversationID || m.SenderID == userID {
			continue
		}
		ok, err := s.msgs.MarkRead(ctx, m.ID, userID, now)
		if err != nil {
			return nil, err
		}
		if ok {
			marked = append(marked, m.ID)
		}
	}

	if err := s.advanceReadMarker(ctx, conv, userID); err != nil {
		return nil, err
	}
	return marked, nil
}

// advanceReadMarker moves the caller's lastReadAt over the oldest run of
// messages that are read or their own, stopping at the first unread one.
// When more than a page of messages follows the marker it stays put;
// ReadAll covers that case.
func (s *MessageService) advanceReadMarker(ctx context.Context, conv *models.Conversation, userID uuid.UUID) error {
	since := conv.Participant(userID).LastReadAt
	window := s.limits.MaxPageSize
	after, err := s.msgs.List(ctx, conv.ID, models.MessageQuery{After: &since, Limit: window + 1})
	if err != nil {
		return err
	}
	if len(after) > window {
		return nil
	}

	marker := since
	for i := len(after) - 1; i >= 0; i-- {
		m := &after[i]
		if m.SenderID != userID && !m.HasReadBy(userID) {
			break
		}
		marker = m.CreatedAt
	}
	if !marker.After(since) {
		return nil
	}
	return s.convs.UpdateLastRead(ctx, conv.ID, userID, marker)
}

// ReadAll marks every message in the conversation read for the caller and
// moves the read marker to now.
func (s *MessageService) ReadAll(ctx context.Context, conversationID, userID uuid.UUID) ([]uuid.UUID, error) {
	if _, err := authorize(ctx, s.convs, conversationID, userID); err != nil {
		return nil, err
	}
	now := s.now()
	marked, err := s.msgs.MarkConversationRead(ctx, conversationID, userID, now)
	if err != nil {
		return nil, err
	}
	if err := s.convs.UpdateLastRead(ctx, conversationID, userID, now); err != nil {
		return nil, err
	}
	return marked, nil
}

// MarkDelivered moves sent messages the caller did not author to delivered.
func (s *MessageService) MarkDelivered(ctx context.Context, conversationID, userID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, apperr.Validation("messageIds is required")
	}
	if _, err := authorize(ctx, s.convs, conversationID, userID); err != nil {
		return nil, err
	}
	return s.msgs.MarkDelivered(ctx, conversationID, uniqueIDs(ids), userID)
}

// ToggleReaction adds the caller's emoji or removes it when already present.
func (s *MessageService) ToggleReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) (*models.Message, bool, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || utf8.RuneCountInString(emoji) > maxEmojiLength {
		return nil, false, apperr.Validation("emoji must be between 1 and %d characters", maxEmojiLength)
	}
	msg, err := s.load(ctx, messageID, userID)
	if err != nil {
		return nil, false, err
	}
	if msg.Hidden() {
		return nil, false, apperr.Validation("cannot react to a deleted message")
	}
	return s.msgs.ToggleReaction(ctx, messageID, userID, emoji, s.now())
}

// SetPinned pins or unpins a message for every participant. The result is
// what the room sees, so hidden content stays redacted.
func (s *MessageService) SetPinned(ctx context.Context, messageID, userID uuid.UUID, pinned bool) (*models.Message, error) {
	msg, err := s.load(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if pinned && msg.Hidden() {
		return nil, apperr.Validation("cannot pin a deleted message")
	}
	if msg.IsPinned != pinned {
		if msg, err = s.msgs.SetPinned(ctx, messageID, pinned); err != nil {
			return nil, err
		}
	}
	out := msg.Redact()
	return &out, nil
}

// Report flags a message. Each user reports a message at most once and the
// message is hidden once the report threshold is reached, after which only
// its redacted form is returned.
func (s *MessageService) Report(ctx context.Context, messageID, userID uuid.UUID, req models.ReportRequest) (*models.Message, error) {
	if !req.Reason.Valid() {
		return nil, apperr.Validation("unknown report reason %q", req.Reason)
	}
	if utf8.RuneCountInString(req.Description) > 500 {
		return nil, apperr.Validation("description exceeds 500 characters")
	}
	msg, err := s.load(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID == userID {
		return nil, apperr.Validation("cannot report your own message")
	}
	if msg.HasReportFrom(userID) {
		return nil, apperr.Conflict("message %s already reported by this user", messageID)
	}

	report := models.Report{
		ReportedBy:  userID,
		Reason:      req.Reason,
		Description: req.Description,
		ReportedAt:  s.now(),
	}
	msg, err = s.msgs.AddReport(ctx, messageID, report, s.limits.ReportThreshold)
	if err != nil {
		return nil, err
	}
	if msg.Moderation.IsModerated {
		s.log.Info("message hidden after reports",
			zap.Stringer("message_id", messageID),
			zap.Int("reports", len(msg.Moderation.Reports)))
	}
	out := msg.Redact()
	return &out, nil
}

// load fetches a message and checks the caller participates in its
// conversation. A missing message fails like a foreign one.
func (s *MessageService) load(ctx context.Context, messageID, userID uuid.UUID) (*models.Message, error) {
	msg, err := s.msgs.GetByID(ctx, messageID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Forbidden("user %s cannot access message %s", userID, messageID)
	}
	if err != nil {
		return nil, err
	}
	if _, err := authorize(ctx, s.convs, msg.ConversationID, userID); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *MessageService) assemble(ctx context.Context, list []models.Message, exp Expansion) error {
	if exp.Sender {
		ptrs := make([]*models.Message, len(list))
		for i := range list {
			ptrs[i] = &list[i]
		}
		if err := s.expandSenders(ctx, ptrs); err != nil {
			return err
		}
	}
	if !exp.ReplyTo {
		return nil
	}

	var ids []uuid.UUID
	for _, m := range list {
		if m.ReplyToID != nil {
			ids = append(ids, *m.ReplyToID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	parents, err := s.msgs.GetByIDs(ctx, uniqueIDs(ids))
	if err != nil {
		return err
	}
	byID := make(map[uuid.UUID]models.Message, len(parents))
	for _, p := range parents {
		byID[p.ID] = p.Redact()
	}
	for i := range list {
		if id := list[i].ReplyToID; id != nil {
			if p, ok := byID[*id]; ok {
				list[i].ReplyTo = &p
			}
		}
	}
	return nil
}

func (s *MessageService) expandSenders(ctx context.Context, list []*models.Message) error {
	ids := make([]uuid.UUID, 0, len(list))
	for _, m := range list {
		ids = append(ids, m.SenderID)
	}
	users, err := s.users.GetByIDs(ctx, uniqueIDs(ids))
	if err != nil {
		return err
	}
	byID := make(map[uuid.UUID]models.UserSummary, len(users))
	for _, u := range users {
		byID[u.ID] = u.Summary()
	}
	for _, m := range list {
		if sum, ok := byID[m.SenderID]; ok {
			m.Sender = &sum
		}
	}
	return nil
}
