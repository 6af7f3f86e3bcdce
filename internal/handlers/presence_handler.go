package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/ecoshare/backend/internal/apperr"
	"github.com/ecoshare/backend/internal/chat"
	"github.com/ecoshare/backend/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StateReader reads presence and typing state mirrored by the socket layer.
type StateReader interface {
	GetUserPresence(ctx context.Context, userID uuid.UUID) (*models.UserPresence, error)
	GetTypingUsers(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
}

// OnlineChecker answers presence from this instance's live connections.
type OnlineChecker interface {
	IsUserOnline(userID uuid.UUID) bool
}

// PresenceHandler serves presence and typing state. Without a StateReader
// it falls back to this instance's connections and reports no typists.
type PresenceHandler struct {
	convs  *chat.ConversationService
	state  StateReader
	online OnlineChecker
	log    *zap.Logger
}

func NewPresenceHandler(convs *chat.ConversationService, state StateReader, online OnlineChecker, log *zap.Logger) *PresenceHandler {
	return &PresenceHandler{
		convs:  convs,
		state:  state,
		online: online,
		log:    log.Named("presence"),
	}
}

func (h *PresenceHandler) GetUserPresence(c *gin.Context) {
	if _, ok := currentUser(c); !ok {
		return
	}
	userID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	if h.online.IsUserOnline(userID) {
		c.JSON(http.StatusOK, models.UserPresence{UserID: userID, Status: "online", LastSeen: time.Now().UTC()})
		return
	}
	if h.state == nil {
		c.JSON(http.StatusOK, models.UserPresence{UserID: userID, Status: "offline"})
		return
	}

	presence, err := h.state.GetUserPresence(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.log, apperr.Transient("read presence", err))
		return
	}
	c.JSON(http.StatusOK, presence)
}

// GetTypingUsers lists who is typing in a conversation the caller belongs to.
func (h *PresenceHandler) GetTypingUsers(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	convID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	if _, err := h.convs.Authorize(c.Request.Context(), convID, uid); err != nil {
		respondError(c, h.log, err)
		return
	}

	typing := []uuid.UUID{}
	if h.state != nil {
		users, err := h.state.GetTypingUsers(c.Request.Context(), convID)
		if err != nil {
			respondError(c, h.log, apperr.Transient("read typing users", err))
			return
		}
		for _, u := range users {
			if u != uid {
				typing = append(typing, u)
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"conversationId": convID, "typing": typing})
}
