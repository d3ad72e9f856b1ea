package models

import (
	"time"

	"github.com/consensio/backend/internal/entity"
)

// SessionValidity distinguishes short anonymous sessions from long-lived
// logged-in ones.
type SessionValidity string

const (
	ValidityTransient SessionValidity = "transient"
	ValidityPermanent SessionValidity = "permanent"
)

// Duration returns how long a session of this validity stays alive without
// renewal.
func (v SessionValidity) Duration() time.Duration {
	if v == ValidityPermanent {
		return 90 * 24 * time.Hour
	}
	return 3 * time.Hour
}

// ValidityFromBool maps the "remember me" flag to a validity.
func ValidityFromBool(permanent bool) SessionValidity {
	if permanent {
		return ValidityPermanent
	}
	return ValidityTransient
}

// PresenterView describes what a presenter window is currently showing.
type PresenterView struct {
	Room     *entity.Ref[Room]     `json:"room,omitempty"`
	Question *entity.Ref[Question] `json:"question,omitempty"`
}

// UserSession is the per-browser-session authoritative record. The user ref
// is nil for anonymous sessions. Ephemeral per-session data (refresh
// signals, presenter window counters) lives in a separate transient table
// and is never part of this record.
type UserSession struct {
	ID            string            `json:"id"`
	User          *entity.Ref[User] `json:"user,omitempty"`
	Language      string            `json:"language"`
	PresenterView *PresenterView    `json:"presenterView,omitempty"`
	Validity      SessionValidity   `json:"validity"`
	ExpiresAt     time.Time         `json:"expiresAt"`
}

func (s UserSession) EntityID() string        { return s.ID }
func (s UserSession) EntityKind() entity.Kind { return entity.KindSession }

// Renew extends the session expiry by its validity window.
func (s UserSession) Renew(now time.Time) UserSession {
	s.ExpiresAt = now.Add(s.Validity.Duration())
	return s
}

// IsExpired reports whether the session has passed its expiry time.
func (s UserSession) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
