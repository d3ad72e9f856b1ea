// Package sessions tracks browser sessions: the persistent session record,
// the cookie that names it, and per-session transient data that never
// touches storage.
package sessions

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/consensio/backend/internal/entity"
	"github.com/consensio/backend/internal/models"
	"github.com/consensio/backend/internal/state"
)

const sessionIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// nonce returns 16 characters of session id entropy.
func nonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("sessions: entropy unavailable: %v", err))
	}
	for i, b := range buf {
		buf[i] = sessionIDAlphabet[int(b)%len(sessionIDAlphabet)]
	}
	return string(buf)
}

// NewSessionID returns a fresh 32-character session id.
func NewSessionID() string {
	return nonce() + nonce()
}

// Tracker manages session lifecycle on top of the session manager.
type Tracker struct {
	store     *state.Store
	transient *TransientStore
	logger    *zap.Logger
}

func NewTracker(store *state.Store, transient *TransientStore, logger *zap.Logger) *Tracker {
	return &Tracker{store: store, transient: transient, logger: logger}
}

// Get returns the live session with the given id. Expired sessions are
// treated as absent.
func (t *Tracker) Get(id string) (models.UserSession, bool) {
	s, ok := t.store.Sessions.Get(id)
	if !ok || s.IsExpired(time.Now()) {
		return models.UserSession{}, false
	}
	return s, true
}

// GetOrCreate resolves the session for a presented id, creating a fresh
// anonymous transient session when the id is empty, unknown or expired.
// The returned bool reports whether a new session was created (and a new
// cookie must be issued).
func (t *Tracker) GetOrCreate(ctx context.Context, id string) (models.UserSession, bool, error) {
	if id != "" {
		if s, ok := t.Get(id); ok {
			return s, false, nil
		}
	}
	now := time.Now()
	s := models.UserSession{
		ID:       NewSessionID(),
		Language: "en",
		Validity: models.ValidityTransient,
	}
	s = s.Renew(now)
	created, err := t.store.Sessions.Create(ctx, s)
	if err != nil {
		return models.UserSession{}, false, err
	}
	return created, true, nil
}

// Modify applies transform to the session and renews its expiry.
func (t *Tracker) Modify(ctx context.Context, id string, transform func(models.UserSession) (models.UserSession, error)) (models.UserSession, error) {
	return t.store.Sessions.Modify(ctx, id, func(s models.UserSession) (models.UserSession, error) {
		s, err := transform(s)
		if err != nil {
			return s, err
		}
		return s.Renew(time.Now()), nil
	})
}

// Login binds a user to the session. permanent widens the validity window
// for "remember me" logins. The user's last-login timestamp is bumped in
// the same mutation batch.
func (t *Tracker) Login(ctx context.Context, id string, user models.User, permanent bool) (models.UserSession, error) {
	var out models.UserSession
	err := t.store.WithMutationLock(ctx, func(ctx context.Context) error {
		s, err := t.Modify(ctx, id, func(s models.UserSession) (models.UserSession, error) {
			ref := entity.NewRef(user)
			s.User = &ref
			s.Validity = models.ValidityFromBool(permanent)
			return s, nil
		})
		if err != nil {
			return err
		}
		_, err = t.store.Users.Modify(ctx, user.ID, func(u models.User) (models.User, error) {
			u.LastLoginAt = time.Now()
			return u, nil
		})
		if err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return models.UserSession{}, err
	}
	t.transient.Refresh(id)
	return out, nil
}

// Logout detaches the user from the session, shrinking it back to a
// transient anonymous one. The session id survives so the client keeps its
// cookie.
func (t *Tracker) Logout(ctx context.Context, id string) error {
	_, err := t.Modify(ctx, id, func(s models.UserSession) (models.UserSession, error) {
		s.User = nil
		s.PresenterView = nil
		s.Validity = models.ValidityTransient
		return s, nil
	})
	if err != nil {
		return err
	}
	t.transient.Refresh(id)
	return nil
}

// Destroy deletes the session record outright.
func (t *Tracker) Destroy(ctx context.Context, id string) error {
	if err := t.store.Sessions.Delete(ctx, id, true); err != nil {
		return err
	}
	t.transient.Refresh(id)
	t.transient.Drop(id)
	return nil
}

// User resolves the session's user, if any.
func (t *Tracker) User(s models.UserSession) *models.User {
	if s.User == nil {
		return nil
	}
	u, ok := s.User.Deref(t.store)
	if !ok {
		return nil
	}
	return &u
}

// RunGC deletes expired sessions every interval until ctx is cancelled.
func (t *Tracker) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.collect(ctx)
		}
	}
}

func (t *Tracker) collect(ctx context.Context) {
	now := time.Now()
	var expired []string
	for id, s := range t.store.Sessions.All() {
		if s.IsExpired(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		if err := t.Destroy(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
			t.logger.Warn("session gc failed", zap.String("session", id), zap.Error(err))
		}
	}
	if len(expired) > 0 {
		t.logger.Info("session gc", zap.Int("expired", len(expired)))
	}
}
