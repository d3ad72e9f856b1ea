package models

import (
	"strings"
	"time"

	"github.com/consensio/backend/internal/entity"
)

// UserType is the platform-level user classification.
type UserType string

const (
	UserTypeAdmin  UserType = "admin"
	UserTypeMember UserType = "member"
	UserTypeGuest  UserType = "guest"
)

// User is a platform user. Guests are created through invite links and have
// no email.
type User struct {
	ID            string    `json:"id"`
	Type          UserType  `json:"type"`
	Email         string    `json:"email,omitempty"`
	EmailVerified bool      `json:"emailVerified"`
	Nick          string    `json:"nick,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	LastLoginAt   time.Time `json:"lastLoginAt"`
}

func (u User) EntityID() string        { return u.ID }
func (u User) EntityKind() entity.Kind { return entity.KindUser }

// IsAdmin reports whether the user is a platform admin. Admins implicitly
// hold every room permission.
func (u User) IsAdmin() bool { return u.Type == UserTypeAdmin }

// NormalizeEmail lowercases and trims an email address for lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
