package state_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/consensio/backend/internal/entity"
	"github.com/consensio/backend/internal/models"
	"github.com/consensio/backend/internal/state"
)

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	return state.NewStore(state.NewMemoryBackend(), zap.NewNop())
}

func testUser(id string) models.User {
	return models.User{ID: id, Type: models.UserTypeMember, Email: id + "@example.com", CreatedAt: time.Now()}
}

func TestManagerCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.Users.Create(ctx, testUser("u1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, ok := s.Users.Get(u.ID)
	if !ok || got.Email != "u1@example.com" {
		t.Errorf("Get = %+v, %v", got, ok)
	}
	if s.Users.Count() != 1 {
		t.Errorf("Count = %d, want 1", s.Users.Count())
	}
}

func TestManagerCreateConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Users.Create(ctx, testUser("u1")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := s.Users.Create(ctx, testUser("u1"))
	if !errors.Is(err, state.ErrConflict) {
		t.Errorf("duplicate create error = %v, want ErrConflict", err)
	}
}

func TestManagerCreateEmptyID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Users.Create(context.Background(), models.User{})
	if !errors.Is(err, state.ErrValidation) {
		t.Errorf("empty id create error = %v, want ErrValidation", err)
	}
}

func TestManagerReplace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Users.Replace(ctx, testUser("u1"), false)
	if !errors.Is(err, state.ErrNotFound) {
		t.Errorf("replace missing without upsert = %v, want ErrNotFound", err)
	}

	if _, err := s.Users.Replace(ctx, testUser("u1"), true); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	u := testUser("u1")
	u.Nick = "renamed"
	if _, err := s.Users.Replace(ctx, u, false); err != nil {
		t.Fatalf("replace existing: %v", err)
	}
	got, _ := s.Users.Get("u1")
	if got.Nick != "renamed" {
		t.Errorf("Nick = %q after replace", got.Nick)
	}
}

func TestManagerModify(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Users.Create(ctx, testUser("u1")); err != nil {
		t.Fatal(err)
	}

	updated, err := s.Users.Modify(ctx, "u1", func(u models.User) (models.User, error) {
		u.Nick = "via modify"
		return u, nil
	})
	if err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if updated.Nick != "via modify" {
		t.Errorf("returned snapshot Nick = %q", updated.Nick)
	}

	_, err = s.Users.Modify(ctx, "missing", func(u models.User) (models.User, error) { return u, nil })
	if !errors.Is(err, state.ErrNotFound) {
		t.Errorf("modify missing = %v, want ErrNotFound", err)
	}

	_, err = s.Users.Modify(ctx, "u1", func(u models.User) (models.User, error) {
		u.ID = "mutated"
		return u, nil
	})
	if !errors.Is(err, state.ErrValidation) {
		t.Errorf("id-changing transform = %v, want ErrValidation", err)
	}
}

func TestManagerModifyTransformError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Users.Create(ctx, testUser("u1")); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	_, err := s.Users.Modify(ctx, "u1", func(u models.User) (models.User, error) {
		u.Nick = "should not stick"
		return u, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("transform error not propagated: %v", err)
	}
	got, _ := s.Users.Get("u1")
	if got.Nick == "should not stick" {
		t.Error("failed transform mutated state")
	}
}

func TestManagerDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Users.Create(ctx, testUser("u1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Users.Delete(ctx, "u1", false); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Users.Get("u1"); ok {
		t.Error("entity still present after delete")
	}

	err := s.Users.Delete(ctx, "u1", false)
	if !errors.Is(err, state.ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
	if err := s.Users.Delete(ctx, "u1", true); err != nil {
		t.Errorf("idempotent delete = %v, want nil", err)
	}
}

func TestManagerGetBlockingFallsBackToBackend(t *testing.T) {
	backend := state.NewMemoryBackend()
	ctx := context.Background()

	// Seed the backend directly; the store's memory starts empty.
	doc, _ := json.Marshal(testUser("cold"))
	if err := backend.PutDoc(ctx, entity.KindUser, "cold", doc); err != nil {
		t.Fatal(err)
	}

	s := state.NewStore(backend, zap.NewNop())
	if _, ok := s.Users.Get("cold"); ok {
		t.Fatal("unexpected cache hit")
	}
	u, err := s.Users.GetBlocking(ctx, "cold")
	if err != nil {
		t.Fatalf("GetBlocking: %v", err)
	}
	if u.ID != "cold" {
		t.Errorf("GetBlocking returned %+v", u)
	}

	_, err = s.Users.GetBlocking(ctx, "nowhere")
	if !errors.Is(err, state.ErrDanglingRef) {
		t.Errorf("GetBlocking missing = %v, want ErrDanglingRef", err)
	}
}

func TestDerefAfterDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.Users.Create(ctx, testUser("u1"))
	if err != nil {
		t.Fatal(err)
	}
	ref := entity.NewRef(u)
	if _, ok := ref.Deref(s); !ok {
		t.Fatal("deref before delete failed")
	}
	if err := s.Users.Delete(ctx, u.ID, false); err != nil {
		t.Fatal(err)
	}
	if _, ok := ref.Deref(s); ok {
		t.Error("deref after delete should fail")
	}
	if _, err := ref.DerefBlocking(ctx, s); !errors.Is(err, state.ErrDanglingRef) {
		t.Errorf("blocking deref after delete = %v, want ErrDanglingRef", err)
	}
}

func TestLoadRebuildsState(t *testing.T) {
	backend := state.NewMemoryBackend()
	ctx := context.Background()

	first := state.NewStore(backend, zap.NewNop())
	u, err := first.Users.Create(ctx, testUser("u1"))
	if err != nil {
		t.Fatal(err)
	}
	room := models.Room{
		ID:   "r1",
		Name: "persisted",
		Members: []models.RoomMembership{
			{User: entity.NewRef(u), Role: models.RoleOwner},
		},
	}
	if _, err := first.Rooms.Create(ctx, room); err != nil {
		t.Fatal(err)
	}

	second := state.NewStore(backend, zap.NewNop())
	if err := second.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := second.Rooms.Get("r1")
	if !ok || got.Name != "persisted" {
		t.Errorf("room after reload = %+v, %v", got, ok)
	}
	if _, ok := second.UserByEmail("u1@example.com"); !ok {
		t.Error("email index not rebuilt on load")
	}
}
