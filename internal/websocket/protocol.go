package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ecoshare/backend/internal/apperr"
	"github.com/ecoshare/backend/internal/chat"
	"github.com/ecoshare/backend/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const codeAccessDenied = "access_denied"

type inbound struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Protocol validates inbound socket events against room membership and
// applies them to the stores. Errors only ever go back to the connection
// that sent the event.
type Protocol struct {
	hub     *Hub
	convs   *chat.ConversationService
	msgs    *chat.MessageService
	events  *Events
	timeout time.Duration
	log     *zap.Logger
}

func NewProtocol(hub *Hub, convs *chat.ConversationService, msgs *chat.MessageService, events *Events, timeout time.Duration, log *zap.Logger) *Protocol {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Protocol{
		hub:     hub,
		convs:   convs,
		msgs:    msgs,
		events:  events,
		timeout: timeout,
		log:     log.Named("protocol"),
	}
}

// JoinParticipating joins a fresh connection to the rooms of every
// conversation its user takes part in.
func (p *Protocol) JoinParticipating(ctx context.Context, c *Client) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	convs, err := p.convs.ListForUser(ctx, c.userID, models.ConversationFilter{})
	if err != nil {
		return err
	}
	for _, conv := range convs {
		p.hub.Join(c, conv.ID)
	}
	return nil
}

// Handle decodes and dispatches one inbound event.
func (p *Protocol) Handle(ctx context.Context, c *Client, data []byte) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		p.sendError(c, "", "invalid_message", "invalid message format")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	switch in.Event {
	case models.EventJoinConversation:
		p.handleJoin(ctx, c, in)
	case models.EventLeaveConversation:
		p.handleLeave(c, in)
	case models.EventSendMessage:
		p.handleSend(ctx, c, in)
	case models.EventTypingStart:
		p.handleTyping(ctx, c, in, true)
	case models.EventTypingStop:
		p.handleTyping(ctx, c, in, false)
	case models.EventMarkMessagesRead:
		p.handleMarkRead(ctx, c, in)
	case models.EventMessageDelivered:
		p.handleDelivered(ctx, c, in)
	case models.EventToggleReaction:
		p.handleReaction(ctx, c, in)
	default:
		p.sendError(c, in.Event, "unknown_event", "unknown event type")
	}
}

// handleJoin reports the unread count as it stood before joining, then marks
// the conversation read for the caller.
func (p *Protocol) handleJoin(ctx context.Context, c *Client, in inbound) {
	var req models.WSConversationPayload
	if !p.decode(c, in, &req) {
		return
	}
	if req.ConversationID == uuid.Nil {
		p.fail(c, in.Event, apperr.Validation("conversationId is required"))
		return
	}

	unread, err := p.convs.UnreadCount(ctx, req.ConversationID, c.userID)
	if err != nil {
		p.fail(c, in.Event, err)
		return
	}
	marked, err := p.msgs.ReadAll(ctx, req.ConversationID, c.userID)
	if err != nil {
		p.fail(c, in.Event, err)
		return
	}

	p.hub.Join(c, req.ConversationID)
	p.reply(c, models.EventJoinedConversation, models.WSJoinedPayload{
		ConversationID: req.ConversationID,
		UnreadCount:    unread,
		MarkedRead:     marked,
	})
	p.events.MessagesRead(req.ConversationID, marked, c.userID, c.id)
}

func (p *Protocol) handleLeave(c *Client, in inbound) {
	var req models.WSConversationPayload
	if !p.decode(c, in, &req) {
		return
	}
	if !p.hub.Leave(c, req.ConversationID) {
		p.sendError(c, in.Event, "not_in_room", "connection has not joined this conversation")
		return
	}
	p.reply(c, models.EventLeftConversation, models.WSConversationPayload{ConversationID: req.ConversationID})
}

// handleSend persists first and broadcasts only on success. A store failure
// is echoed to the sender with status failed; retrying is left to the client.
func (p *Protocol) handleSend(ctx context.Context, c *Client, in inbound) {
	var req models.WSSendMessagePayload
	if !p.decode(c, in, &req) {
		return
	}

	msg, conv, err := p.msgs.Send(ctx, req.ConversationID, c.userID, models.SendMessageRequest{
		Content:   req.Content,
		Type:      req.Type,
		Metadata:  req.Metadata,
		ReplyToID: req.ReplyToID,
	})
	if err != nil {
		if isStoreFailure(err) {
			p.log.Warn("failed to persist message",
				zap.Stringer("conversation_id", req.ConversationID),
				zap.Stringer("user_id", c.userID),
				zap.Error(err))
			p.reply(c, models.EventMessageFailed, models.WSFailedPayload{
				ConversationID:  req.ConversationID,
				ClientMessageID: req.ClientMessageID,
				Content:         req.Content,
				Type:            req.Type,
				Status:          models.StatusFailed,
				Error:           apperr.Public(err),
			})
			return
		}
		p.fail(c, in.Event, err)
		return
	}

	msg.ClientMessageID = req.ClientMessageID
	p.hub.Join(c, conv.ID)
	p.events.MessageCreated(msg, conv)
}

func (p *Protocol) handleTyping(ctx context.Context, c *Client, in inbound, typing bool) {
	var req models.WSConversationPayload
	if !p.decode(c, in, &req) {
		return
	}
	if _, err := p.convs.Authorize(ctx, req.ConversationID, c.userID); err != nil {
		p.fail(c, in.Event, err)
		return
	}

	event := models.EventUserStoppedTyping
	if typing {
		event = models.EventUserTyping
	}
	if m := p.hub.mirror; m != nil {
		var err error
		if typing {
			err = m.SetTyping(ctx, req.ConversationID, c.userID)
		} else {
			err = m.RemoveTyping(ctx, req.ConversationID, c.userID)
		}
		if err != nil {
			p.log.Warn("failed to mirror typing state", zap.Error(err))
		}
	}
	p.hub.Broadcast(req.ConversationID, event, models.WSTypingPayload{
		ConversationID: req.ConversationID,
		UserID:         c.userID,
	}, c.id)
}

func (p *Protocol) handleMarkRead(ctx context.Context, c *Client, in inbound) {
	var req models.WSMessageIDsPayload
	if !p.decode(c, in, &req) {
		return
	}
	marked, err := p.msgs.MarkRead(ctx, req.ConversationID, c.userID, req.MessageIDs)
	if err != nil {
		p.fail(c, in.Event, err)
		return
	}
	p.events.MessagesRead(req.ConversationID, marked, c.userID, c.id)
}

func (p *Protocol) handleDelivered(ctx context.Context, c *Client, in inbound) {
	var req models.WSMessageIDsPayload
	if !p.decode(c, in, &req) {
		return
	}
	delivered, err := p.msgs.MarkDelivered(ctx, req.ConversationID, c.userID, req.MessageIDs)
	if err != nil {
		p.fail(c, in.Event, err)
		return
	}
	p.events.MessagesDelivered(req.ConversationID, delivered, c.userID, c.id)
}

func (p *Protocol) handleReaction(ctx context.Context, c *Client, in inbound) {
	var req models.WSReactionPayload
	if !p.decode(c, in, &req) {
		return
	}
	msg, added, err := p.msgs.ToggleReaction(ctx, req.MessageID, c.userID, req.Emoji)
	if err != nil {
		p.fail(c, in.Event, err)
		return
	}
	p.events.ReactionUpdated(msg, c.userID, req.Emoji, added)
}

func (p *Protocol) decode(c *Client, in inbound, v any) bool {
	if len(in.Payload) == 0 {
		p.sendError(c, in.Event, "validation_error", "payload is required")
		return false
	}
	if err := json.Unmarshal(in.Payload, v); err != nil {
		p.sendError(c, in.Event, "validation_error", "invalid payload")
		return false
	}
	return true
}

// fail reports err to the caller. Missing and foreign conversations look the
// same so non-participants learn nothing.
func (p *Protocol) fail(c *Client, event string, err error) {
	if errors.Is(err, apperr.ErrForbidden) || errors.Is(err, apperr.ErrNotFound) {
		p.sendError(c, event, codeAccessDenied, "access denied")
		return
	}
	if isStoreFailure(err) {
		p.log.Warn("event failed", zap.String("event", event), zap.Stringer("user_id", c.userID), zap.Error(err))
	}
	p.sendError(c, event, apperr.Code(err), apperr.Public(err))
}

func (p *Protocol) reply(c *Client, event string, payload any) {
	data, err := encode(event, payload)
	if err != nil {
		p.log.Error("failed to encode event", zap.String("event", event), zap.Error(err))
		return
	}
	if !c.enqueue(data) {
		p.log.Debug("reply dropped", zap.String("event", event), zap.Stringer("conn_id", c.id))
	}
}

func (p *Protocol) sendError(c *Client, event, code, message string) {
	p.reply(c, models.EventError, models.WSErrorPayload{Message: message, Code: code, Event: event})
}

func isStoreFailure(err error) bool {
	switch apperr.Code(err) {
	case "unavailable", "internal":
		return true
	}
	return false
}
