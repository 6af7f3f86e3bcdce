package models

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ecoshare/backend/internal/apperr"
	"github.com/google/uuid"
)

const (
	MaxContentLength = 2000

	// DeletedPlaceholder replaces the content of tombstoned messages on
	// standard reads.
	DeletedPlaceholder = "This message was deleted"
)

type MessageType string

const (
	MessageText           MessageType = "text"
	MessageImage          MessageType = "image"
	MessageFile           MessageType = "file"
	MessageLocation       MessageType = "location"
	MessageContact        MessageType = "contact"
	MessageSystem         MessageType = "system"
	MessageExchangeUpdate MessageType = "exchange_update"
	MessageDeliveryUpdate MessageType = "delivery_update"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageLocation, MessageContact,
		MessageSystem, MessageExchangeUpdate, MessageDeliveryUpdate:
		return true
	}
	return false
}

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// CanAdvance reports whether a message may move from s to next. Status only
// moves forward: sent, delivered, read. Failed is terminal and only reachable
// from sent.
func (s MessageStatus) CanAdvance(next MessageStatus) bool {
	switch s {
	case StatusSent:
		return next == StatusDelivered || next == StatusRead || next == StatusFailed
	case StatusDelivered:
		return next == StatusRead
	default:
		return false
	}
}

type ImageMeta struct {
	URL       string `json:"url" bson:"url"`
	Thumbnail string `json:"thumbnail,omitempty" bson:"thumbnail,omitempty"`
	Width     int    `json:"width,omitempty" bson:"width,omitempty"`
	Height    int    `json:"height,omitempty" bson:"height,omitempty"`
	Size      int64  `json:"size,omitempty" bson:"size,omitempty"`
	Alt       string `json:"alt,omitempty" bson:"alt,omitempty"`
}

type FileMeta struct {
	URL          string `json:"url" bson:"url"`
	Filename     string `json:"filename,omitempty" bson:"filename,omitempty"`
	Size         int64  `json:"size,omitempty" bson:"size,omitempty"`
	MimeType     string `json:"mimeType,omitempty" bson:"mime_type,omitempty"`
	OriginalName string `json:"originalName,omitempty" bson:"original_name,omitempty"`
}

type LocationMeta struct {
	Lat     float64 `json:"lat" bson:"lat"`
	Lng     float64 `json:"lng" bson:"lng"`
	Address string  `json:"address,omitempty" bson:"address,omitempty"`
	Name    string  `json:"name,omitempty" bson:"name,omitempty"`
}

type ContactMeta struct {
	Name  string `json:"name" bson:"name"`
	Phone string `json:"phone,omitempty" bson:"phone,omitempty"`
	Email string `json:"email,omitempty" bson:"email,omitempty"`
}

type ExchangeUpdateMeta struct {
	Status   string         `json:"status" bson:"status"`
	ObjectID string         `json:"objectId,omitempty" bson:"object_id,omitempty"`
	FoodID   string         `json:"foodId,omitempty" bson:"food_id,omitempty"`
	Details  map[string]any `json:"details,omitempty" bson:"details,omitempty"`
}

type DeliveryUpdateMeta struct {
	Status           string        `json:"status" bson:"status"`
	DeliveryID       string        `json:"deliveryId" bson:"delivery_id"`
	Location         *LocationMeta `json:"location,omitempty" bson:"location,omitempty"`
	EstimatedArrival *time.Time    `json:"estimatedArrival,omitempty" bson:"estimated_arrival,omitempty"`
}

type MessageMetadata struct {
	Image          *ImageMeta          `json:"image,omitempty" bson:"image,omitempty"`
	File           *FileMeta           `json:"file,omitempty" bson:"file,omitempty"`
	Location       *LocationMeta       `json:"location,omitempty" bson:"location,omitempty"`
	Contact        *ContactMeta        `json:"contact,omitempty" bson:"contact,omitempty"`
	ExchangeUpdate *ExchangeUpdateMeta `json:"exchangeUpdate,omitempty" bson:"exchange_update,omitempty"`
	DeliveryUpdate *DeliveryUpdateMeta `json:"deliveryUpdate,omitempty" bson:"delivery_update,omitempty"`
}

type ReadReceipt struct {
	UserID uuid.UUID `json:"userId" bson:"userId"`
	ReadAt time.Time `json:"readAt" bson:"readAt"`
}

type Reaction struct {
	UserID  uuid.UUID `json:"userId" bson:"userId"`
	Emoji   string    `json:"emoji" bson:"emoji"`
	AddedAt time.Time `json:"addedAt" bson:"addedAt"`
}

type EditEntry struct {
	Content  string    `json:"content" bson:"content"`
	EditedAt time.Time `json:"editedAt" bson:"editedAt"`
}

type EditInfo struct {
	IsEdited    bool        `json:"isEdited" bson:"isEdited"`
	EditedAt    *time.Time  `json:"editedAt,omitempty" bson:"editedAt,omitempty"`
	EditHistory []EditEntry `json:"editHistory" bson:"editHistory"`
}

type ReportReason string

const (
	ReportSpam          ReportReason = "spam"
	ReportInappropriate ReportReason = "inappropriate"
	ReportHarassment    ReportReason = "harassment"
	ReportFakeNews      ReportReason = "fake_news"
	ReportOther         ReportReason = "other"
)

func (r ReportReason) Valid() bool {
	switch r {
	case ReportSpam, ReportInappropriate, ReportHarassment, ReportFakeNews, ReportOther:
		return true
	}
	return false
}

type Report struct {
	ReportedBy  uuid.UUID    `json:"reportedBy" bson:"reportedBy"`
	Reason      ReportReason `json:"reason" bson:"reason"`
	Description string       `json:"description,omitempty" bson:"description,omitempty"`
	ReportedAt  time.Time    `json:"reportedAt" bson:"reportedAt"`
}

type Moderation struct {
	IsReported       bool       `json:"isReported" bson:"isReported"`
	Reports          []Report   `json:"reports" bson:"reports"`
	IsModerated      bool       `json:"isModerated" bson:"isModerated"`
	ModeratedBy      *uuid.UUID `json:"moderatedBy,omitempty" bson:"moderatedBy,omitempty"`
	ModeratedAt      *time.Time `json:"moderatedAt,omitempty" bson:"moderatedAt,omitempty"`
	ModerationAction string     `json:"moderationAction,omitempty" bson:"moderationAction,omitempty"` // warn, hide, delete, none
}

type Message struct {
	ID             uuid.UUID       `json:"id" bson:"_id" db:"id"`
	ConversationID uuid.UUID       `json:"conversationId" bson:"conversationId" db:"conversation_id"`
	SenderID       uuid.UUID       `json:"senderId" bson:"senderId" db:"sender_id"`
	Content        string          `json:"content" bson:"content" db:"content"`
	Type           MessageType     `json:"type" bson:"type" db:"type"`
	Metadata       MessageMetadata `json:"metadata" bson:"metadata"`
	ReplyToID      *uuid.UUID      `json:"replyToId,omitempty" bson:"replyToId,omitempty" db:"reply_to_id"`
	Status         MessageStatus   `json:"status" bson:"status" db:"status"`
	ReadBy         []ReadReceipt   `json:"readBy" bson:"readBy"`
	Reactions      []Reaction      `json:"reactions" bson:"reactions"`
	IsPinned       bool            `json:"isPinned" bson:"isPinned" db:"is_pinned"`
	IsDeleted      bool            `json:"isDeleted" bson:"isDeleted" db:"is_deleted"`
	DeletedAt      *time.Time      `json:"deletedAt,omitempty" bson:"deletedAt,omitempty" db:"deleted_at"`
	DeletedBy      *uuid.UUID      `json:"deletedBy,omitempty" bson:"deletedBy,omitempty" db:"deleted_by"`
	DeletionReason string          `json:"deletionReason,omitempty" bson:"deletionReason,omitempty" db:"deletion_reason"`
	Edited         EditInfo        `json:"edited" bson:"edited"`
	Moderation     Moderation      `json:"moderation" bson:"moderation"`
	CreatedAt      time.Time       `json:"createdAt" bson:"createdAt" db:"created_at"`
	UpdatedAt      time.Time       `json:"updatedAt" bson:"updatedAt" db:"updated_at"`

	// Read-model expansions, filled only when a caller asks for them.
	Sender          *UserSummary `json:"sender,omitempty" bson:"-"`
	ReplyTo         *Message     `json:"replyTo,omitempty" bson:"-"`
	ClientMessageID string       `json:"clientMessageId,omitempty" bson:"-"`
}

// ValidateContent checks the content bound shared by create and edit.
func ValidateContent(content string, t MessageType) error {
	if n := utf8.RuneCountInString(content); n > MaxContentLength {
		return apperr.Validation("content exceeds %d characters", MaxContentLength)
	}
	if strings.TrimSpace(content) == "" && t == MessageText {
		return apperr.Validation("content is required for text messages")
	}
	return nil
}

// Validate checks content bounds and the metadata each type requires.
func (m *Message) Validate() error {
	if !m.Type.Valid() {
		return apperr.Validation("unknown message type %q", m.Type)
	}
	if err := ValidateContent(m.Content, m.Type); err != nil {
		return err
	}

	md := m.Metadata
	switch m.Type {
	case MessageImage:
		if md.Image == nil || md.Image.URL == "" {
			return apperr.Validation("image messages require metadata.image.url")
		}
	case MessageFile:
		if md.File == nil || md.File.URL == "" {
			return apperr.Validation("file messages require metadata.file.url")
		}
	case MessageLocation:
		if md.Location == nil {
			return apperr.Validation("location messages require metadata.location")
		}
		if md.Location.Lat < -90 || md.Location.Lat > 90 || md.Location.Lng < -180 || md.Location.Lng > 180 {
			return apperr.Validation("location coordinates out of range")
		}
	case MessageContact:
		if md.Contact == nil || md.Contact.Name == "" {
			return apperr.Validation("contact messages require metadata.contact.name")
		}
	case MessageExchangeUpdate:
		if md.ExchangeUpdate == nil || md.ExchangeUpdate.Status == "" {
			return apperr.Validation("exchange updates require metadata.exchangeUpdate.status")
		}
	case MessageDeliveryUpdate:
		if md.DeliveryUpdate == nil || md.DeliveryUpdate.DeliveryID == "" {
			return apperr.Validation("delivery updates require metadata.deliveryUpdate.deliveryId")
		}
	}
	return nil
}

// HasReadBy reports whether userID already has a receipt.
func (m *Message) HasReadBy(userID uuid.UUID) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// MarkRead appends a receipt for userID unless one exists or userID is the
// sender. The first receipt moves the status to read.
func (m *Message) MarkRead(userID uuid.UUID, at time.Time) bool {
	if userID == m.SenderID || m.HasReadBy(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, ReadReceipt{UserID: userID, ReadAt: at})
	m.Advance(StatusRead)
	return true
}

// Advance moves the status forward when the transition is legal.
func (m *Message) Advance(next MessageStatus) bool {
	if !m.Status.CanAdvance(next) {
		return false
	}
	m.Status = next
	return true
}

// ToggleReaction adds the (userID, emoji) pair or removes it when present.
// It returns true when the reaction was added.
func (m *Message) ToggleReaction(userID uuid.UUID, emoji string, at time.Time) bool {
	for i, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			m.Reactions = append(m.Reactions[:i:i], m.Reactions[i+1:]...)
			return false
		}
	}
	m.Reactions = append(m.Reactions, Reaction{UserID: userID, Emoji: emoji, AddedAt: at})
	return true
}

// ApplyEdit records the current content in the history and replaces it.
func (m *Message) ApplyEdit(content string, at time.Time) {
	m.Edited.EditHistory = append(m.Edited.EditHistory, EditEntry{Content: m.Content, EditedAt: at})
	m.Content = content
	m.Edited.IsEdited = true
	m.Edited.EditedAt = &at
	m.UpdatedAt = at
}

// Tombstone flags the message deleted. Content stays stored for audit.
func (m *Message) Tombstone(by uuid.UUID, reason string, at time.Time) {
	m.IsDeleted = true
	m.DeletedAt = &at
	m.DeletedBy = &by
	m.DeletionReason = reason
	m.UpdatedAt = at
}

// Hidden reports whether standard reads must mask the content.
func (m *Message) Hidden() bool {
	return m.IsDeleted || (m.Moderation.IsModerated && m.Moderation.ModerationAction == "hide")
}

// Redact returns a copy safe for standard reads: hidden messages lose their
// content, metadata, edit history and the identity of their reporters.
func (m Message) Redact() Message {
	if !m.Hidden() {
		return m
	}
	m.Content = DeletedPlaceholder
	m.Metadata = MessageMetadata{}
	m.Edited.EditHistory = nil
	m.Moderation.Reports = nil
	return m
}

// HasReportFrom reports whether userID already reported the message.
func (m *Message) HasReportFrom(userID uuid.UUID) bool {
	for _, r := range m.Moderation.Reports {
		if r.ReportedBy == userID {
			return true
		}
	}
	return false
}

// Preview returns at most n runes of displayable text for notifications.
func (m *Message) Preview(n int) string {
	if m.Type != MessageText && strings.TrimSpace(m.Content) == "" {
		return "[" + string(m.Type) + "]"
	}
	if utf8.RuneCountInString(m.Content) <= n {
		return m.Content
	}
	r := []rune(m.Content)
	return string(r[:n]) + "…"
}

// MessageQuery is the cursor pagination for listByConversation.
type MessageQuery struct {
	Limit          int
	Before         *time.Time
	After          *time.Time
	IncludeDeleted bool
}

type SearchQuery struct {
	Text           string
	ConversationID *uuid.UUID
	SenderID       *uuid.UUID
	Type           MessageType
	Limit          int
}

type SendMessageRequest struct {
	Content   string          `json:"content" binding:"max=2000"`
	Type      MessageType     `json:"type"`
	Metadata  MessageMetadata `json:"metadata"`
	ReplyToID *uuid.UUID      `json:"replyToId,omitempty"`
}

type EditMessageRequest struct {
	Content string `json:"content" binding:"required,max=2000"`
}

type DeleteMessageRequest struct {
	Reason string `json:"reason"`
}

type ReactionRequest struct {
	Emoji string `json:"emoji" binding:"required,min=1,max=32"`
}

type ReportRequest struct {
	Reason      ReportReason `json:"reason" binding:"required"`
	Description string       `json:"description"`
}

// GetMessagesRequest carries the raw query; cursors are RFC 3339 timestamps.
type GetMessagesRequest struct {
	Limit          int      `form:"limit"`
	Before         string   `form:"before"`
	After          string   `form:"after"`
	IncludeDeleted bool     `form:"includeDeleted"`
	Expand         []string `form:"expand"`
}

type SearchMessagesRequest struct {
	Q              string `form:"q" binding:"required"`
	ConversationID string `form:"conversationId"`
	SenderID       string `form:"senderId"`
	Type           string `form:"type"`
	Limit          int    `form:"limit"`
}
