package handlers

import (
	"net/http"

	"github.com/ecoshare/backend/internal/chat"
	"github.com/ecoshare/backend/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type MessageHandler struct {
	msgs   *chat.MessageService
	events Broadcaster
	log    *zap.Logger
}

func NewMessageHandler(msgs *chat.MessageService, events Broadcaster, log *zap.Logger) *MessageHandler {
	return &MessageHandler{
		msgs:   msgs,
		events: events,
		log:    log.Named("messages"),
	}
}

// SearchMessages searches one conversation, or every conversation the caller
// participates in.
func (h *MessageHandler) SearchMessages(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}

	var req models.SearchMessagesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	q := models.SearchQuery{Text: req.Q, Type: models.MessageType(req.Type), Limit: req.Limit}
	for _, f := range []struct {
		raw string
		dst **uuid.UUID
	}{{req.ConversationID, &q.ConversationID}, {req.SenderID, &q.SenderID}} {
		if f.raw == "" {
			continue
		}
		id, err := uuid.Parse(f.raw)
		if err != nil {
			ErrorResponse(c, http.StatusBadRequest, "Invalid id filter")
			return
		}
		*f.dst = &id
	}

	messages, err := h.msgs.Search(c.Request.Context(), uid, q)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, messages)
}

func (h *MessageHandler) GetMessage(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	msgID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	exp, err := chat.ParseExpansion(c.QueryArray("expand"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	msg, err := h.msgs.Get(c.Request.Context(), msgID, uid, exp)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *MessageHandler) EditMessage(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	msgID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req models.EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.msgs.Edit(c.Request.Context(), msgID, uid, req.Content)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	h.events.MessageUpdated(msg)
	c.JSON(http.StatusOK, msg)
}

// DeleteMessage soft deletes; the reason body is optional.
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	msgID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req models.DeleteMessageRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			ErrorResponse(c, http.StatusBadRequest, err.Error())
			return
		}
	}

	msg, err := h.msgs.Delete(c.Request.Context(), msgID, uid, req.Reason)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	h.events.MessageDeleted(msg)
	c.JSON(http.StatusOK, msg)
}

func (h *MessageHandler) MarkRead(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	msgID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	msg, err := h.msgs.Get(c.Request.Context(), msgID, uid, chat.Expansion{})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	marked, err := h.msgs.MarkRead(c.Request.Context(), msg.ConversationID, uid, []uuid.UUID{msgID})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	h.events.MessagesRead(msg.ConversationID, marked, uid, uuid.Nil)
	c.JSON(http.StatusOK, gin.H{"markedRead": marked})
}

func (h *MessageHandler) ToggleReaction(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	msgID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req models.ReactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	msg, added, err := h.msgs.ToggleReaction(c.Request.Context(), msgID, uid, req.Emoji)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	h.events.ReactionUpdated(msg, uid, req.Emoji, added)
	c.JSON(http.StatusOK, gin.H{"added": added, "reactions": msg.Reactions})
}

func (h *MessageHandler) PinMessage(c *gin.Context)   { h.setPinned(c, true) }
func (h *MessageHandler) UnpinMessage(c *gin.Context) { h.setPinned(c, false) }

func (h *MessageHandler) setPinned(c *gin.Context, pinned bool) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	msgID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	msg, err := h.msgs.SetPinned(c.Request.Context(), msgID, uid, pinned)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	h.events.MessagePinned(msg)
	c.JSON(http.StatusOK, msg)
}

func (h *MessageHandler) ReportMessage(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	msgID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req models.ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.msgs.Report(c.Request.Context(), msgID, uid, req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if msg.Hidden() {
		h.events.MessageUpdated(msg)
	}
	c.JSON(http.StatusOK, gin.H{"reported": true, "hidden": msg.Hidden()})
}
