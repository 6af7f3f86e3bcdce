package websocket

import (
	"github.com/ecoshare/backend/internal/metrics"
	"github.com/ecoshare/backend/internal/models"
	"github.com/google/uuid"
)

// Notifier hands a new message to the offline notification pipeline.
type Notifier interface {
	Dispatch(msg *models.Message, conv *models.Conversation) int
}

// Events fans store changes out to conversation rooms. The socket protocol
// and the REST handlers share it so both paths broadcast the same events.
type Events struct {
	hub      *Hub
	notifier Notifier
}

func NewEvents(hub *Hub, notifier Notifier) *Events {
	return &Events{hub: hub, notifier: notifier}
}

// ConversationStarted joins the live connections of every active participant
// to the conversation's room, so a conversation created or reopened while
// they are connected reaches them without a reconnect.
func (e *Events) ConversationStarted(conv *models.Conversation) {
	e.hub.JoinUsers(conv.ID, conv.ActiveParticipantIDs()...)
}

// ParticipantAdded joins the new participant's connections to the room and
// announces them to it.
func (e *Events) ParticipantAdded(conv *models.Conversation, userID uuid.UUID) {
	e.ConversationStarted(conv)
	e.hub.Broadcast(conv.ID, models.EventParticipantAdded, models.WSParticipantPayload{
		ConversationID: conv.ID,
		UserID:         userID,
	}, uuid.Nil)
}

// ParticipantRemoved pulls every connection of userID out of the room before
// telling the remaining members, then tells the removed user's connections
// they left.
func (e *Events) ParticipantRemoved(conversationID, userID uuid.UUID) {
	e.hub.LeaveUser(conversationID, userID)
	e.hub.Broadcast(conversationID, models.EventParticipantRemoved, models.WSParticipantPayload{
		ConversationID: conversationID,
		UserID:         userID,
	}, uuid.Nil)
	e.hub.SendToUser(userID, models.EventLeftConversation, models.WSConversationPayload{ConversationID: conversationID})
}

// MessageCreated broadcasts a persisted message to its room, sender
// connections included, then notifies offline participants.
func (e *Events) MessageCreated(msg *models.Message, conv *models.Conversation) {
	metrics.MessagesSent.WithLabelValues(string(msg.Type)).Inc()
	e.hub.Broadcast(msg.ConversationID, models.EventNewMessage, msg, uuid.Nil)
	if e.notifier != nil {
		e.notifier.Dispatch(msg, conv)
	}
}

func (e *Events) MessageUpdated(msg *models.Message) {
	e.hub.Broadcast(msg.ConversationID, models.EventMessageUpdated, msg, uuid.Nil)
}

func (e *Events) MessageDeleted(msg *models.Message) {
	e.hub.Broadcast(msg.ConversationID, models.EventMessageDeleted, msg, uuid.Nil)
}

func (e *Events) MessagePinned(msg *models.Message) {
	e.hub.Broadcast(msg.ConversationID, models.EventMessagePinned, msg, uuid.Nil)
}

func (e *Events) ReactionUpdated(msg *models.Message, userID uuid.UUID, emoji string, added bool) {
	e.hub.Broadcast(msg.ConversationID, models.EventReactionUpdated, models.WSReactionUpdatedPayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		UserID:         userID,
		Emoji:          emoji,
		Added:          added,
		Reactions:      msg.Reactions,
	}, uuid.Nil)
}

// MessagesRead tells the rest of the room which messages readBy has read.
// exclude is the connection that reported the reads, or uuid.Nil.
func (e *Events) MessagesRead(conversationID uuid.UUID, ids []uuid.UUID, readBy, exclude uuid.UUID) {
	if len(ids) == 0 {
		return
	}
	e.hub.Broadcast(conversationID, models.EventMessagesRead, models.WSReadPayload{
		ConversationID: conversationID,
		MessageIDs:     ids,
		ReadBy:         readBy,
	}, exclude)
}

func (e *Events) MessagesDelivered(conversationID uuid.UUID, ids []uuid.UUID, deliveredTo, exclude uuid.UUID) {
	if len(ids) == 0 {
		return
	}
	e.hub.Broadcast(conversationID, models.EventMessagesDelivered, models.WSDeliveredPayload{
		ConversationID: conversationID,
		MessageIDs:     ids,
		DeliveredTo:    deliveredTo,
	}, exclude)
}
