package sessions_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/consensio/backend/internal/models"
	"github.com/consensio/backend/internal/sessions"
	"github.com/consensio/backend/internal/state"
)

func newTracker(t *testing.T) (*sessions.Tracker, *sessions.TransientStore, *state.Store) {
	t.Helper()
	store := state.NewStore(state.NewMemoryBackend(), zap.NewNop())
	transient := sessions.NewTransientStore()
	return sessions.NewTracker(store, transient, zap.NewNop()), transient, store
}

func TestNewSessionID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := sessions.NewSessionID()
		if len(id) != 32 {
			t.Fatalf("session id %q has length %d, want 32", id, len(id))
		}
		if seen[id] {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = true
	}
}

func TestGetOrCreate(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx := context.Background()

	s, created, err := tr.GetOrCreate(ctx, "")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !created {
		t.Error("empty id should create a session")
	}
	if s.Validity != models.ValidityTransient {
		t.Errorf("new session validity = %v", s.Validity)
	}
	if s.Language != "en" {
		t.Errorf("new session language = %q", s.Language)
	}
	if s.ExpiresAt.Before(time.Now()) {
		t.Error("new session already expired")
	}

	again, created, err := tr.GetOrCreate(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if created || again.ID != s.ID {
		t.Errorf("known id produced new session: created=%v id=%q", created, again.ID)
	}

	_, created, err = tr.GetOrCreate(ctx, "bogus-id")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("unknown id should create a replacement session")
	}
}

func TestGetTreatsExpiredAsAbsent(t *testing.T) {
	tr, _, store := newTracker(t)
	ctx := context.Background()

	s, _, err := tr.GetOrCreate(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	_, err = store.Sessions.Modify(ctx, s.ID, func(s models.UserSession) (models.UserSession, error) {
		s.ExpiresAt = time.Now().Add(-time.Minute)
		return s, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := tr.Get(s.ID); ok {
		t.Error("expired session still resolvable")
	}
	replacement, created, err := tr.GetOrCreate(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !created || replacement.ID == s.ID {
		t.Error("expired session should be replaced, not reused")
	}
}

func TestLoginAndLogout(t *testing.T) {
	tr, _, store := newTracker(t)
	ctx := context.Background()

	user, err := store.Users.Create(ctx, models.User{
		ID: "u1", Type: models.UserTypeMember, Email: "u1@example.com",
	})
	if err != nil {
		t.Fatal(err)
	}
	s, _, err := tr.GetOrCreate(ctx, "")
	if err != nil {
		t.Fatal(err)
	}

	logged, err := tr.Login(ctx, s.ID, user, true)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if logged.User == nil || logged.User.ID != "u1" {
		t.Errorf("session user after login = %+v", logged.User)
	}
	if logged.Validity != models.ValidityPermanent {
		t.Errorf("permanent login validity = %v", logged.Validity)
	}
	if got := tr.User(logged); got == nil || got.ID != "u1" {
		t.Errorf("tracker.User = %+v", got)
	}
	if u, _ := store.Users.Get("u1"); u.LastLoginAt.IsZero() {
		t.Error("login did not record last-login time")
	}

	if err := tr.Logout(ctx, s.ID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	after, ok := tr.Get(s.ID)
	if !ok {
		t.Fatal("session gone after logout; it should survive anonymously")
	}
	if after.User != nil || after.Validity != models.ValidityTransient {
		t.Errorf("session after logout = %+v", after)
	}
}

func TestDestroy(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx := context.Background()

	s, _, err := tr.GetOrCreate(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Destroy(ctx, s.ID); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, ok := tr.Get(s.ID); ok {
		t.Error("destroyed session still resolvable")
	}
	if err := tr.Destroy(ctx, s.ID); err != nil {
		t.Errorf("second destroy = %v, want nil", err)
	}
}

func TestRefreshChannelSignals(t *testing.T) {
	ts := sessions.NewTransientStore()

	ch := ts.RefreshChannel("s1")
	select {
	case <-ch:
		t.Fatal("channel signalled before any refresh")
	default:
	}

	ts.Refresh("s1")
	select {
	case <-ch:
	default:
		t.Fatal("refresh did not close the channel")
	}

	// Each signal hands out a fresh channel.
	next := ts.RefreshChannel("s1")
	select {
	case <-next:
		t.Fatal("replacement channel already closed")
	default:
	}
}

func TestRefreshUnknownSessionIsNoop(t *testing.T) {
	ts := sessions.NewTransientStore()
	ts.Refresh("never-seen")
}

func TestPresenterWindowCounting(t *testing.T) {
	ts := sessions.NewTransientStore()

	if !ts.PresenterWindowOpened("s1") {
		t.Error("first window should report true")
	}
	if ts.PresenterWindowOpened("s1") {
		t.Error("second window should report false")
	}
	if !ts.PresenterActive("s1") {
		t.Error("session should be presenter-active")
	}
	if ts.PresenterWindowClosed("s1") {
		t.Error("closing one of two windows should report false")
	}
	if !ts.PresenterWindowClosed("s1") {
		t.Error("closing the last window should report true")
	}
	if ts.PresenterActive("s1") {
		t.Error("session should no longer be presenter-active")
	}
	if ts.PresenterWindowClosed("s1") {
		t.Error("closing below zero should report false")
	}
}
