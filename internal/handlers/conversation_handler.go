package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ecoshare/backend/internal/chat"
	"github.com/ecoshare/backend/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Broadcaster fans REST mutations out to the conversation rooms so socket
// clients see the same events as for socket-originated changes.
type Broadcaster interface {
	ConversationStarted(conv *models.Conversation)
	ParticipantAdded(conv *models.Conversation, userID uuid.UUID)
	ParticipantRemoved(conversationID, userID uuid.UUID)
	MessageCreated(msg *models.Message, conv *models.Conversation)
	MessageUpdated(msg *models.Message)
	MessageDeleted(msg *models.Message)
	MessagePinned(msg *models.Message)
	ReactionUpdated(msg *models.Message, userID uuid.UUID, emoji string, added bool)
	MessagesRead(conversationID uuid.UUID, ids []uuid.UUID, readBy, exclude uuid.UUID)
}

type ConversationHandler struct {
	convs  *chat.ConversationService
	msgs   *chat.MessageService
	events Broadcaster
	log    *zap.Logger
}

func NewConversationHandler(convs *chat.ConversationService, msgs *chat.MessageService, events Broadcaster, log *zap.Logger) *ConversationHandler {
	return &ConversationHandler{
		convs:  convs,
		msgs:   msgs,
		events: events,
		log:    log.Named("conversations"),
	}
}

// GetConversations returns all conversations for the current user
func (h *ConversationHandler) GetConversations(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}

	filter := models.ConversationFilter{Type: models.ConversationType(c.Query("type"))}
	if v := c.Query("archived"); v != "" {
		archived, err := strconv.ParseBool(v)
		if err != nil {
			ErrorResponse(c, http.StatusBadRequest, "Invalid archived flag")
			return
		}
		filter.Archived = &archived
	}

	conversations, err := h.convs.ListForUser(c.Request.Context(), uid, filter)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, conversations)
}

// CreateConversation creates a conversation. Direct conversations are
// find-or-create and answer 200 when one already existed.
func (h *ConversationHandler) CreateConversation(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}

	var req models.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	conv, created, err := h.convs.Create(c.Request.Context(), uid, req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	h.events.ConversationStarted(conv)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, conv)
}

// GetConversation returns one conversation with the caller's unread count.
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	convID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	conv, err := h.convs.Get(c.Request.Context(), convID, uid)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *ConversationHandler) UpdateConversation(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	convID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req models.UpdateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.convs.UpdateMetadata(c.Request.Context(), convID, uid, req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *ConversationHandler) AddParticipant(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	convID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req models.AddParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.convs.AddParticipant(c.Request.Context(), convID, uid, req.UserID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	h.events.ParticipantAdded(conv, req.UserID)
	c.JSON(http.StatusOK, conv)
}

func (h *ConversationHandler) RemoveParticipant(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	convID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	target, ok := uuidParam(c, "userId")
	if !ok {
		return
	}

	conv, err := h.convs.RemoveParticipant(c.Request.Context(), convID, uid, target)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	h.events.ParticipantRemoved(convID, target)
	c.JSON(http.StatusOK, conv)
}

// ReadAll marks every unread message in the conversation read for the caller.
func (h *ConversationHandler) ReadAll(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	convID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	marked, err := h.msgs.ReadAll(c.Request.Context(), convID, uid)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	h.events.MessagesRead(convID, marked, uid, uuid.Nil)
	c.JSON(http.StatusOK, gin.H{"markedRead": marked, "count": len(marked)})
}

// GetMessages returns a page of messages, newest first.
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	convID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req models.GetMessagesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	q := models.MessageQuery{Limit: req.Limit, IncludeDeleted: req.IncludeDeleted}
	for _, cursor := range []struct {
		raw string
		dst **time.Time
	}{{req.Before, &q.Before}, {req.After, &q.After}} {
		if cursor.raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, cursor.raw)
		if err != nil {
			ErrorResponse(c, http.StatusBadRequest, "Cursors must be RFC 3339 timestamps")
			return
		}
		*cursor.dst = &t
	}

	exp, err := chat.ParseExpansion(req.Expand)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	messages, err := h.msgs.List(c.Request.Context(), convID, uid, q, exp)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, messages)
}

// SendMessage persists a message and broadcasts it to the room.
func (h *ConversationHandler) SendMessage(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	convID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	msg, conv, err := h.msgs.Send(c.Request.Context(), convID, uid, req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	h.events.MessageCreated(msg, conv)
	c.JSON(http.StatusCreated, msg)
}

// GetItemConversations lists the caller's conversations about one
// marketplace item.
func (h *ConversationHandler) GetItemConversations(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	itemID, ok := uuidParam(c, "itemId")
	if !ok {
		return
	}

	conversations, err := h.convs.FindByItem(c.Request.Context(), uid, models.RelatedItem{
		ItemID:   itemID,
		ItemKind: c.Param("kind"),
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, conversations)
}
