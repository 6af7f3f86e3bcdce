package repository

import (
	"context"
	"regexp"
	"time"

	"github.com/ecoshare/backend/internal/apperr"
	"github.com/ecoshare/backend/internal/models"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoUserRepository struct{ s *MongoStore }

type MongoConversationRepository struct{ s *MongoStore }

type MongoMessageRepository struct{ s *MongoStore }

// conversationDoc adds the stored direct key next to the conversation fields.
type conversationDoc struct {
	models.Conversation `bson:",inline"`
	DirectKey           string `bson:"directKey,omitempty"`
}

// Users

func (r *MongoUserRepository) Create(ctx context.Context, user *models.User) error {
	_, err := r.s.users.InsertOne(ctx, user)
	return mongoError(err, "create user", "user")
}

func (r *MongoUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *MongoUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.findOne(ctx, bson.M{"email": email})
}

func (r *MongoUserRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]models.User, error) {
	users := []models.User{}
	if len(ids) == 0 {
		return users, nil
	}
	cur, err := r.s.users.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, mongoError(err, "get users", "user")
	}
	if err := cur.All(ctx, &users); err != nil {
		return nil, mongoError(err, "decode users", "user")
	}
	return users, nil
}

func (r *MongoUserRepository) findOne(ctx context.Context, filter bson.M) (*models.User, error) {
	var user models.User
	if err := r.s.users.FindOne(ctx, filter).Decode(&user); err != nil {
		return nil, mongoError(err, "get user", "user")
	}
	return &user, nil
}

// Conversations

// Create fails with a conflict when the unique direct key index already holds
// a conversation for the same pair.
func (r *MongoConversationRepository) Create(ctx context.Context, conv *models.Conversation) error {
	doc := conversationDoc{Conversation: *conv, DirectKey: conv.DirectKey()}
	doc.LastMessage = nil
	_, err := r.s.conversations.InsertOne(ctx, doc)
	return mongoError(err, "create conversation", "conversation")
}

func (r *MongoConversationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *MongoConversationRepository) FindDirect(ctx context.Context, directKey string) (*models.Conversation, error) {
	return r.findOne(ctx, bson.M{"directKey": directKey})
}

func (r *MongoConversationRepository) FindByItem(ctx context.Context, item models.RelatedItem) ([]models.Conversation, error) {
	return r.find(ctx, bson.M{"relatedItem.itemId": item.ItemID, "relatedItem.itemKind": item.ItemKind})
}

func (r *MongoConversationRepository) ListForUser(ctx context.Context, userID uuid.UUID, filter models.ConversationFilter) ([]models.Conversation, error) {
	q := bson.M{"participants": bson.M{"$elemMatch": bson.M{"userId": userID, "isActive": true}}}
	if filter.Type != "" {
		q["type"] = filter.Type
	}
	if filter.Archived != nil {
		q["metadata.isArchived"] = *filter.Archived
	}
	return r.find(ctx, q)
}

func (r *MongoConversationRepository) UpsertParticipant(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error {
	err := r.s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		var doc conversationDoc
		if err := r.s.conversations.FindOne(sc, bson.M{"_id": conversationID}).Decode(&doc); err != nil {
			return err
		}
		c := &doc.Conversation
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
		_, err := r.s.conversations.UpdateOne(sc, bson.M{"_id": conversationID}, bson.M{
			"$set": bson.M{"participants": c.Participants, "updatedAt": at},
		})
		return err
	})
	return mongoError(err, "upsert participant", "conversation")
}

func (r *MongoConversationRepository) DeactivateParticipant(ctx context.Context, conversationID, userID uuid.UUID) error {
	return r.setParticipantField(ctx, conversationID, userID, "isActive", false)
}

func (r *MongoConversationRepository) UpdateLastRead(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error {
	return r.setParticipantField(ctx, conversationID, userID, "lastReadAt", at)
}

func (r *MongoConversationRepository) UpdateMetadata(ctx context.Context, conversationID uuid.UUID, md models.ConversationMetadata) error {
	res, err := r.s.conversations.UpdateOne(ctx, bson.M{"_id": conversationID}, bson.M{
		"$set": bson.M{"metadata": md, "updatedAt": time.Now().UTC()},
	})
	if err != nil {
		return mongoError(err, "update conversation metadata", "conversation")
	}
	if res.MatchedCount == 0 {
		return apperr.NotFound("conversation")
	}
	return nil
}

func (r *MongoConversationRepository) setParticipantField(ctx context.Context, conversationID, userID uuid.UUID, field string, value any) error {
	res, err := r.s.conversations.UpdateOne(ctx,
		bson.M{"_id": conversationID, "participants.userId": userID},
		bson.M{"$set": bson.M{"participants.$." + field: value}},
	)
	if err != nil {
		return mongoError(err, "update participant", "participant")
	}
	if res.MatchedCount == 0 {
		return apperr.NotFound("participant")
	}
	return nil
}

func (r *MongoConversationRepository) findOne(ctx context.Context, filter bson.M) (*models.Conversation, error) {
	var doc conversationDoc
	if err := r.s.conversations.FindOne(ctx, filter).Decode(&doc); err != nil {
		return nil, mongoError(err, "get conversation", "conversation")
	}
	return &doc.Conversation, nil
}

func (r *MongoConversationRepository) find(ctx context.Context, filter bson.M) ([]models.Conversation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}})
	cur, err := r.s.conversations.Find(ctx, filter, opts)
	if err != nil {
		return nil, mongoError(err, "list conversations", "conversation")
	}
	var docs []conversationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, mongoError(err, "decode conversations", "conversation")
	}
	list := make([]models.Conversation, 0, len(docs))
	for _, d := range docs {
		list = append(list, d.Conversation)
	}
	return list, nil
}

// Messages

// Create inserts the message and bumps the conversation in one transaction.
func (r *MongoMessageRepository) Create(ctx context.Context, msg *models.Message) error {
	err := r.s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		res, err := r.s.conversations.UpdateOne(sc, bson.M{"_id": msg.ConversationID}, bson.M{
			"$set": bson.M{"lastMessageId": msg.ID, "updatedAt": msg.CreatedAt},
			"$inc": bson.M{"stats.messageCount": 1},
		})
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return apperr.NotFound("conversation")
		}
		_, err = r.s.messages.InsertOne(sc, msg)
		return err
	})
	return mongoError(err, "create message", "message")
}

func (r *MongoMessageRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	var msg models.Message
	if err := r.s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&msg); err != nil {
		return nil, mongoError(err, "get message", "message")
	}
	return normalizeMessage(&msg), nil
}

func (r *MongoMessageRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Message, error) {
	if len(ids) == 0 {
		return []models.Message{}, nil
	}
	return r.find(ctx, bson.M{"_id": bson.M{"$in": ids}}, options.Find())
}

func (r *MongoMessageRepository) List(ctx context.Context, conversationID uuid.UUID, q models.MessageQuery) ([]models.Message, error) {
	filter := bson.M{"conversationId": conversationID}
	if !q.IncludeDeleted {
		addVisible(filter)
	}
	created := bson.M{}
	if q.Before != nil {
		created["$lt"] = *q.Before
	}
	if q.After != nil {
		created["$gt"] = *q.After
	}
	if len(created) > 0 {
		filter["createdAt"] = created
	}
	return r.find(ctx, filter, newestFirst(q.Limit))
}

func (r *MongoMessageRepository) Search(ctx context.Context, conversationIDs []uuid.UUID, q models.SearchQuery) ([]models.Message, error) {
	if len(conversationIDs) == 0 {
		return []models.Message{}, nil
	}
	filter := bson.M{
		"conversationId": bson.M{"$in": conversationIDs},
		"content":        bson.M{"$regex": regexp.QuoteMeta(q.Text), "$options": "i"},
	}
	addVisible(filter)
	if q.SenderID != nil {
		filter["senderId"] = *q.SenderID
	}
	if q.Type != "" {
		filter["type"] = q.Type
	}
	return r.find(ctx, filter, newestFirst(q.Limit))
}

func (r *MongoMessageRepository) Edit(ctx context.Context, id uuid.UUID, content string, at time.Time) (*models.Message, error) {
	return r.mutate(ctx, id, func(m *models.Message) error {
		m.ApplyEdit(content, at)
		return nil
	})
}

func (r *MongoMessageRepository) SoftDelete(ctx context.Context, id, by uuid.UUID, reason string, at time.Time) (*models.Message, error) {
	return r.mutate(ctx, id, func(m *models.Message) error {
		if !m.IsDeleted {
			m.Tombstone(by, reason, at)
		}
		return nil
	})
}

func (r *MongoMessageRepository) MarkRead(ctx context.Context, id, userID uuid.UUID, at time.Time) (bool, error) {
	var added bool
	_, err := r.mutate(ctx, id, func(m *models.Message) error {
		added = m.MarkRead(userID, at)
		return nil
	})
	return added, err
}

func (r *MongoMessageRepository) MarkConversationRead(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	marked := []uuid.UUID{}
	err := r.s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		marked = marked[:0]
		filter := bson.M{
			"conversationId": conversationID,
			"senderId":       bson.M{"$ne": userID},
			"isDeleted":      false,
			"readBy.userId":  bson.M{"$ne": userID},
		}
		ids, err := r.ids(sc, filter)
		if err != nil || len(ids) == 0 {
			return err
		}
		marked = append(marked, ids...)

		byID := bson.M{"_id": bson.M{"$in": ids}}
		if _, err := r.s.messages.UpdateMany(sc, byID, bson.M{
			"$push": bson.M{"readBy": models.ReadReceipt{UserID: userID, ReadAt: at}},
		}); err != nil {
			return err
		}
		_, err = r.s.messages.UpdateMany(sc,
			bson.M{"_id": bson.M{"$in": ids}, "status": bson.M{"$in": []models.MessageStatus{models.StatusSent, models.StatusDelivered}}},
			bson.M{"$set": bson.M{"status": models.StatusRead, "updatedAt": at}},
		)
		return err
	})
	if err != nil {
		return nil, mongoError(err, "mark conversation read", "message")
	}
	return marked, nil
}

func (r *MongoMessageRepository) MarkDelivered(ctx context.Context, conversationID uuid.UUID, ids []uuid.UUID, userID uuid.UUID) ([]uuid.UUID, error) {
	delivered := []uuid.UUID{}
	if len(ids) == 0 {
		return delivered, nil
	}
	err := r.s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		filter := bson.M{
			"_id":            bson.M{"$in": ids},
			"conversationId": conversationID,
			"senderId":       bson.M{"$ne": userID},
			"status":         models.StatusSent,
		}
		found, err := r.ids(sc, filter)
		if err != nil || len(found) == 0 {
			return err
		}
		delivered = found
		_, err = r.s.messages.UpdateMany(sc, filter, bson.M{
			"$set": bson.M{"status": models.StatusDelivered, "updatedAt": time.Now().UTC()},
		})
		return err
	})
	if err != nil {
		return nil, mongoError(err, "mark delivered", "message")
	}
	return delivered, nil
}

func (r *MongoMessageRepository) ToggleReaction(ctx context.Context, id, userID uuid.UUID, emoji string, at time.Time) (*models.Message, bool, error) {
	var added bool
	msg, err := r.mutate(ctx, id, func(m *models.Message) error {
		added = m.ToggleReaction(userID, emoji, at)
		return nil
	})
	return msg, added, err
}

func (r *MongoMessageRepository) SetPinned(ctx context.Context, id uuid.UUID, pinned bool) (*models.Message, error) {
	return r.mutate(ctx, id, func(m *models.Message) error {
		m.IsPinned = pinned
		return nil
	})
}

func (r *MongoMessageRepository) AddReport(ctx context.Context, id uuid.UUID, report models.Report, threshold int) (*models.Message, error) {
	return r.mutate(ctx, id, func(m *models.Message) error {
		return applyReport(m, report, threshold)
	})
}

func (r *MongoMessageRepository) CountUnread(ctx context.Context, conversationID, userID uuid.UUID, since time.Time) (int64, error) {
	filter := bson.M{
		"conversationId": conversationID,
		"senderId":       bson.M{"$ne": userID},
		"createdAt":      bson.M{"$gt": since},
	}
	addVisible(filter)
	n, err := r.s.messages.CountDocuments(ctx, filter)
	if err != nil {
		return 0, mongoError(err, "count unread", "message")
	}
	return n, nil
}

// mutate reads, applies fn and replaces the document inside a transaction.
func (r *MongoMessageRepository) mutate(ctx context.Context, id uuid.UUID, fn func(*models.Message) error) (*models.Message, error) {
	var out *models.Message
	err := r.s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		var m models.Message
		if err := r.s.messages.FindOne(sc, bson.M{"_id": id}).Decode(&m); err != nil {
			return err
		}
		normalizeMessage(&m)
		if err := fn(&m); err != nil {
			return err
		}
		if _, err := r.s.messages.ReplaceOne(sc, bson.M{"_id": id}, &m); err != nil {
			return err
		}
		out = &m
		return nil
	})
	if err != nil {
		return nil, mongoError(err, "update message", "message")
	}
	return out, nil
}

func (r *MongoMessageRepository) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.Message, error) {
	cur, err := r.s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, mongoError(err, "list messages", "message")
	}
	list := []models.Message{}
	if err := cur.All(ctx, &list); err != nil {
		return nil, mongoError(err, "decode messages", "message")
	}
	for i := range list {
		normalizeMessage(&list[i])
	}
	return list, nil
}

func (r *MongoMessageRepository) ids(ctx context.Context, filter bson.M) ([]uuid.UUID, error) {
	cur, err := r.s.messages.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	var rows []struct {
		ID uuid.UUID `bson:"_id"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	return ids, nil
}

// addVisible restricts filter to messages standard reads may show.
func addVisible(filter bson.M) {
	filter["isDeleted"] = false
	filter["moderation.moderationAction"] = bson.M{"$ne": moderationHide}
}

func newestFirst(limit int) *options.FindOptions {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return opts
}

// normalizeMessage replaces nil slices left by documents written without
// them.
func normalizeMessage(m *models.Message) *models.Message {
	m.ReadBy = nonNil(m.ReadBy)
	m.Reactions = nonNil(m.Reactions)
	m.Edited.EditHistory = nonNil(m.Edited.EditHistory)
	m.Moderation.Reports = nonNil(m.Moderation.Reports)
	return m
}
