package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID           uuid.UUID `json:"id" bson:"_id" db:"id"`
	Email        string    `json:"email" bson:"email" db:"email"`
	DisplayName  string    `json:"displayName" bson:"displayName" db:"display_name"`
	AvatarURL    *string   `json:"avatarUrl,omitempty" bson:"avatarUrl,omitempty" db:"avatar_url"`
	PasswordHash string    `json:"-" bson:"passwordHash" db:"password_hash"`
	CreatedAt    time.Time `json:"createdAt" bson:"createdAt" db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" bson:"updatedAt" db:"updated_at"`
}

// Validate checks basic user fields
func (u *User) Validate() error {
	if u.Email == "" {
		return fmt.Errorf("email is required")
	}
	if !strings.Contains(u.Email, "@") {
		return fmt.Errorf("invalid email")
	}
	if u.DisplayName == "" {
		return fmt.Errorf("display name is required")
	}
	if len(u.DisplayName) < 2 || len(u.DisplayName) > 100 {
		return fmt.Errorf("display name length invalid")
	}
	return nil
}

// Summary is the public projection embedded into expanded messages.
func (u *User) Summary() UserSummary {
	return UserSummary{ID: u.ID, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL}
}

// UserSummary is what other participants may see about a user.
type UserSummary struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"displayName"`
	AvatarURL   *string   `json:"avatarUrl,omitempty"`
}

type UserPresence struct {
	UserID   uuid.UUID `json:"userId"`
	Status   string    `json:"status"` // online, offline
	LastSeen time.Time `json:"lastSeen"`
}

type CreateUserRequest struct {
	Email       string  `json:"email" binding:"required,email"`
	Password    string  `json:"password" binding:"required,min=8"`
	DisplayName string  `json:"displayName" binding:"required"`
	AvatarURL   *string `json:"avatarUrl,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}
