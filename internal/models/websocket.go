package models

import "github.com/google/uuid"

// Client to server events.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventMarkMessagesRead  = "mark_messages_read"
	EventMessageDelivered  = "message_delivered"
	EventToggleReaction    = "toggle_reaction"
)

// Server to client events.
const (
	EventJoinedConversation = "joined_conversation"
	EventLeftConversation   = "left_conversation"
	EventNewMessage         = "new_message"
	EventMessageFailed      = "message_failed"
	EventUserTyping         = "user_typing"
	EventUserStoppedTyping  = "user_stopped_typing"
	EventMessagesRead       = "messages_read"
	EventMessagesDelivered  = "messages_delivered"
	EventReactionUpdated    = "reaction_updated"
	EventMessageUpdated     = "message_updated"
	EventMessageDeleted     = "message_deleted"
	EventMessagePinned      = "message_pinned"
	EventParticipantAdded   = "participant_added"
	EventParticipantRemoved = "participant_removed"
	EventUserOnline         = "user_online"
	EventUserOffline        = "user_offline"
	EventError              = "error"
)

type WSMessage struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

type WSConversationPayload struct {
	ConversationID uuid.UUID `json:"conversationId"`
}

type WSSendMessagePayload struct {
	ConversationID  uuid.UUID       `json:"conversationId"`
	Content         string          `json:"content"`
	Type            MessageType     `json:"type"`
	Metadata        MessageMetadata `json:"metadata"`
	ReplyToID       *uuid.UUID      `json:"replyToId,omitempty"`
	ClientMessageID string          `json:"clientMessageId,omitempty"`
}

type WSMessageIDsPayload struct {
	ConversationID uuid.UUID   `json:"conversationId"`
	MessageIDs     []uuid.UUID `json:"messageIds"`
}

type WSReactionPayload struct {
	ConversationID uuid.UUID `json:"conversationId"`
	MessageID      uuid.UUID `json:"messageId"`
	Emoji          string    `json:"emoji"`
}

type WSJoinedPayload struct {
	ConversationID uuid.UUID   `json:"conversationId"`
	UnreadCount    int64       `json:"unreadCount"`
	MarkedRead     []uuid.UUID `json:"markedRead"`
}

type WSTypingPayload struct {
	ConversationID uuid.UUID `json:"conversationId"`
	UserID         uuid.UUID `json:"userId"`
}

type WSReadPayload struct {
	ConversationID uuid.UUID   `json:"conversationId"`
	MessageIDs     []uuid.UUID `json:"messageIds"`
	ReadBy         uuid.UUID   `json:"readBy"`
}

type WSDeliveredPayload struct {
	ConversationID uuid.UUID   `json:"conversationId"`
	MessageIDs     []uuid.UUID `json:"messageIds"`
	DeliveredTo    uuid.UUID   `json:"deliveredTo"`
}

type WSReactionUpdatedPayload struct {
	ConversationID uuid.UUID  `json:"conversationId"`
	MessageID      uuid.UUID  `json:"messageId"`
	UserID         uuid.UUID  `json:"userId"`
	Emoji          string     `json:"emoji"`
	Added          bool       `json:"added"`
	Reactions      []Reaction `json:"reactions"`
}

type WSFailedPayload struct {
	ConversationID  uuid.UUID     `json:"conversationId"`
	ClientMessageID string        `json:"clientMessageId,omitempty"`
	Content         string        `json:"content"`
	Type            MessageType   `json:"type"`
	Status          MessageStatus `json:"status"`
	Error           string        `json:"error"`
}

type WSParticipantPayload struct {
	ConversationID uuid.UUID `json:"conversationId"`
	UserID         uuid.UUID `json:"userId"`
}

type WSPresencePayload struct {
	UserID uuid.UUID `json:"userId"`
}

type WSErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Event   string `json:"event,omitempty"`
}
