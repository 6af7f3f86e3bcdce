package models

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

type ConversationType string

const (
	ConversationDirect       ConversationType = "direct"
	ConversationGroup        ConversationType = "group"
	ConversationItemExchange ConversationType = "item_exchange"
	ConversationAssociation  ConversationType = "association"
)

func (t ConversationType) Valid() bool {
	switch t {
	case ConversationDirect, ConversationGroup, ConversationItemExchange, ConversationAssociation:
		return true
	}
	return false
}

const DefaultMaxParticipants = 10

type Participant struct {
	UserID     uuid.UUID `json:"userId" bson:"userId" db:"user_id"`
	JoinedAt   time.Time `json:"joinedAt" bson:"joinedAt" db:"joined_at"`
	LastReadAt time.Time `json:"lastReadAt" bson:"lastReadAt" db:"last_read_at"`
	IsActive   bool      `json:"isActive" bson:"isActive" db:"is_active"`
}

// RelatedItem is a weak reference to a marketplace entity; the conversation
// never owns it.
type RelatedItem struct {
	ItemID   uuid.UUID `json:"itemId" bson:"itemId"`
	ItemKind string    `json:"itemKind" bson:"itemKind"` // object, food
}

type ConversationSettings struct {
	AllowFileSharing  bool `json:"allowFileSharing" bson:"allowFileSharing"`
	AllowImageSharing bool `json:"allowImageSharing" bson:"allowImageSharing"`
	MaxParticipants   int  `json:"maxParticipants" bson:"maxParticipants"`
}

type ConversationMetadata struct {
	Title       string               `json:"title,omitempty" bson:"title,omitempty"`
	Description string               `json:"description,omitempty" bson:"description,omitempty"`
	Image       string               `json:"image,omitempty" bson:"image,omitempty"`
	IsArchived  bool                 `json:"isArchived" bson:"isArchived"`
	IsMuted     bool                 `json:"isMuted" bson:"isMuted"`
	Settings    ConversationSettings `json:"settings" bson:"settings"`
}

// DefaultConversationMetadata mirrors the defaults new conversations start with.
func DefaultConversationMetadata() ConversationMetadata {
	return ConversationMetadata{
		Settings: ConversationSettings{
			AllowFileSharing:  true,
			AllowImageSharing: true,
			MaxParticipants:   DefaultMaxParticipants,
		},
	}
}

type ConversationStats struct {
	MessageCount int64 `json:"messageCount" bson:"messageCount"`
	UnreadCount  int64 `json:"unreadCount" bson:"-"`
}

type Conversation struct {
	ID            uuid.UUID            `json:"id" bson:"_id" db:"id"`
	Type          ConversationType     `json:"type" bson:"type" db:"type"`
	Participants  []Participant        `json:"participants" bson:"participants"`
	RelatedItem   *RelatedItem         `json:"relatedItem,omitempty" bson:"relatedItem,omitempty"`
	AssociationID *uuid.UUID           `json:"associationId,omitempty" bson:"associationId,omitempty" db:"association_id"`
	LastMessageID *uuid.UUID           `json:"lastMessageId,omitempty" bson:"lastMessageId,omitempty" db:"last_message_id"`
	Metadata      ConversationMetadata `json:"metadata" bson:"metadata"`
	Stats         ConversationStats    `json:"stats" bson:"stats"`
	CreatedAt     time.Time            `json:"createdAt" bson:"createdAt" db:"created_at"`
	UpdatedAt     time.Time            `json:"updatedAt" bson:"updatedAt" db:"updated_at"`

	// Populated by the read path only.
	LastMessage *Message `json:"lastMessage,omitempty" bson:"-"`
}

// Participant returns the participant record for userID, active or not.
func (c *Conversation) Participant(userID uuid.UUID) *Participant {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i]
		}
	}
	return nil
}

// IsParticipant reports whether userID is an active participant.
func (c *Conversation) IsParticipant(userID uuid.UUID) bool {
	p := c.Participant(userID)
	return p != nil && p.IsActive
}

// ActiveParticipantIDs returns the ids of every active participant.
func (c *Conversation) ActiveParticipantIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.IsActive {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

// DirectKey is the order-independent key enforcing one direct conversation
// per pair of users.
func DirectKey(a, b uuid.UUID) string {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return a.String() + ":" + b.String()
}

// DirectKey returns the pair key for a direct conversation, or "" for any
// other type.
func (c *Conversation) DirectKey() string {
	if c.Type != ConversationDirect || len(c.Participants) != 2 {
		return ""
	}
	return DirectKey(c.Participants[0].UserID, c.Participants[1].UserID)
}

type ConversationFilter struct {
	Type     ConversationType
	Archived *bool
}

type CreateConversationRequest struct {
	Participants []uuid.UUID      `json:"participants" binding:"required,min=1"`
	Type         ConversationType `json:"type"`
	Title        string           `json:"title"`
	Description  string           `json:"description"`
	Image        string           `json:"image"`
	RelatedItem  *RelatedItem     `json:"relatedItem,omitempty"`
	Association  *uuid.UUID       `json:"associationId,omitempty"`
}

type AddParticipantRequest struct {
	UserID uuid.UUID `json:"userId" binding:"required"`
}

type UpdateConversationRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Image       *string `json:"image,omitempty"`
	IsArchived  *bool   `json:"isArchived,omitempty"`
	IsMuted     *bool   `json:"isMuted,omitempty"`
}

// Apply copies the set fields onto m.
func (r UpdateConversationRequest) Apply(m *ConversationMetadata) {
	if r.Title != nil {
		m.Title = *r.Title
	}
	if r.Description != nil {
		m.Description = *r.Description
	}
	if r.Image != nil {
		m.Image = *r.Image
	}
	if r.IsArchived != nil {
		m.IsArchived = *r.IsArchived
	}
	if r.IsMuted != nil {
		m.IsMuted = *r.IsMuted
	}
}
