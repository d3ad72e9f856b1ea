package realtime_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/consensio/backend/internal/entity"
	"github.com/consensio/backend/internal/models"
	"github.com/consensio/backend/internal/realtime"
	"github.com/consensio/backend/internal/sessions"
	"github.com/consensio/backend/internal/state"
)

type hubFixture struct {
	store     *state.Store
	transient *sessions.TransientStore
	tracker   *sessions.Tracker
	hub       *realtime.Hub
	user      models.User
	session   models.UserSession
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	ctx := context.Background()

	store := state.NewStore(state.NewMemoryBackend(), zap.NewNop())
	transient := sessions.NewTransientStore()
	tracker := sessions.NewTracker(store, transient, zap.NewNop())
	hub := realtime.NewHub(store, tracker, transient, zap.NewNop())
	t.Cleanup(hub.Close)

	user, err := store.Users.Create(ctx, models.User{
		ID: "alice", Type: models.UserTypeMember, Email: "alice@example.com",
	})
	if err != nil {
		t.Fatal(err)
	}
	session, _, err := tracker.GetOrCreate(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	session, err = tracker.Login(ctx, session.ID, user, false)
	if err != nil {
		t.Fatal(err)
	}

	return &hubFixture{store: store, transient: transient, tracker: tracker, hub: hub, user: user, session: session}
}

func recvFrame(t *testing.T, frames <-chan realtime.Frame) realtime.Frame {
	t.Helper()
	select {
	case f, ok := <-frames:
		if !ok {
			t.Fatal("frame stream closed unexpectedly")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return realtime.Frame{}
	}
}

func expectNoFrame(t *testing.T, frames <-chan realtime.Frame) {
	t.Helper()
	select {
	case f, ok := <-frames:
		if ok {
			t.Fatalf("unexpected frame: %+v", f)
		}
		t.Fatal("frame stream closed unexpectedly")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubscribeSendsLoadingThenSnapshot(t *testing.T) {
	f := newHubFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := f.hub.Subscribe(ctx, f.session.ID)
	frames := sub.Frames()

	if got := recvFrame(t, frames); got.Type != realtime.FrameLoading {
		t.Fatalf("first frame type = %q, want loading", got.Type)
	}
	snap := recvFrame(t, frames)
	if snap.Type != realtime.FrameOK {
		t.Fatalf("second frame type = %q, want ok", snap.Type)
	}
	if !bytes.Contains(snap.Data, []byte(`"alice"`)) {
		t.Errorf("snapshot does not mention the session user: %s", snap.Data)
	}
	if f.hub.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount = %d, want 1", f.hub.SubscriberCount())
	}
}

func TestMutationTriggersExactlyOneUpdate(t *testing.T) {
	f := newHubFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := f.hub.Subscribe(ctx, f.session.ID)
	frames := sub.Frames()
	recvFrame(t, frames) // loading
	recvFrame(t, frames) // initial snapshot

	_, err := f.store.Rooms.Create(ctx, models.Room{
		ID: "r1", Name: "visible to alice",
		Members: []models.RoomMembership{
			{User: entity.NewRef(f.user), Role: models.RoleOwner},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	update := recvFrame(t, frames)
	if update.Type != realtime.FrameOK {
		t.Fatalf("update frame type = %q", update.Type)
	}
	if !bytes.Contains(update.Data, []byte(`"r1"`)) {
		t.Errorf("update does not contain the new room: %s", update.Data)
	}
	expectNoFrame(t, frames)
}

func TestInvisibleMutationProducesNoFrame(t *testing.T) {
	f := newHubFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := f.hub.Subscribe(ctx, f.session.ID)
	frames := sub.Frames()
	recvFrame(t, frames)
	recvFrame(t, frames)

	// A user outside every room never shows up in this session's view.
	_, err := f.store.Users.Create(ctx, models.User{
		ID: "bob", Type: models.UserTypeMember, Email: "bob@example.com",
	})
	if err != nil {
		t.Fatal(err)
	}
	expectNoFrame(t, frames)
}

func TestRefreshRecomputesWithoutDuplicates(t *testing.T) {
	f := newHubFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := f.hub.Subscribe(ctx, f.session.ID)
	frames := sub.Frames()
	recvFrame(t, frames)
	recvFrame(t, frames)

	// A refresh with unchanged state is suppressed by the diff.
	f.transient.Refresh(f.session.ID)
	expectNoFrame(t, frames)
}

func TestSessionExpiryEndsStream(t *testing.T) {
	f := newHubFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := f.hub.Subscribe(ctx, f.session.ID)
	frames := sub.Frames()
	recvFrame(t, frames)
	recvFrame(t, frames)

	_, err := f.store.Sessions.Modify(ctx, f.session.ID, func(s models.UserSession) (models.UserSession, error) {
		s.ExpiresAt = time.Now().Add(-time.Minute)
		return s, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	end := recvFrame(t, frames)
	if end.Type != realtime.FrameErr || end.ErrType != realtime.ErrDisconnected {
		t.Fatalf("terminal frame = %+v, want err/DISCONNECTED", end)
	}
	select {
	case _, ok := <-frames:
		if ok {
			t.Error("frames after terminal error")
		}
	case <-time.After(2 * time.Second):
		t.Error("stream did not close after terminal error")
	}
}

func TestCancelUnsubscribes(t *testing.T) {
	f := newHubFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	sub := f.hub.Subscribe(ctx, f.session.ID)
	frames := sub.Frames()
	recvFrame(t, frames)
	recvFrame(t, frames)

	cancel()
	deadline := time.After(2 * time.Second)
	for f.hub.SubscriberCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("subscriber not removed after cancel")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
