package state_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/consensio/backend/internal/entity"
	"github.com/consensio/backend/internal/models"
	"github.com/consensio/backend/internal/state"
)

func binaryQuestion(t *testing.T, s *state.Store, id string) models.Question {
	t.Helper()
	q, err := s.Questions.Create(context.Background(), models.Question{
		ID:          id,
		Name:        "will it rain",
		Visible:     true,
		Open:        true,
		AnswerSpace: models.AnswerSpace{Type: models.SpaceBinary},
	})
	if err != nil {
		t.Fatalf("create question: %v", err)
	}
	return q
}

func TestAddPredictionFlow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	q := binaryQuestion(t, s, "q1")

	alice, _ := s.Users.Create(ctx, testUser("alice"))
	bob, _ := s.Users.Create(ctx, testUser("bob"))

	p, err := s.AddPrediction(ctx, q, entity.NewRef(alice), models.Distribution{Type: models.SpaceBinary, Prob: 0.2})
	if err != nil {
		t.Fatalf("AddPrediction: %v", err)
	}
	if p.ID != "q1:alice" {
		t.Errorf("prediction id = %q", p.ID)
	}
	if _, err := s.AddPrediction(ctx, q, entity.NewRef(bob), models.Distribution{Type: models.SpaceBinary, Prob: 0.8}); err != nil {
		t.Fatalf("AddPrediction: %v", err)
	}

	if got, ok := s.UserPrediction("q1", "alice"); !ok || got.Dist.Prob != 0.2 {
		t.Errorf("UserPrediction = %+v, %v", got, ok)
	}
	if n := s.PredictorCount("q1"); n != 2 {
		t.Errorf("PredictorCount = %d, want 2", n)
	}
	if n := s.PredictionCount("q1"); n != 2 {
		t.Errorf("PredictionCount = %d, want 2", n)
	}

	group := s.GroupPrediction("q1")
	if group == nil {
		t.Fatal("no group prediction")
	}
	if group.ID != "group:q1" {
		t.Errorf("group id = %q", group.ID)
	}
	if group.User != nil {
		t.Error("group prediction must carry no user")
	}
	if math.Abs(group.Dist.Prob-0.5) > 1e-9 {
		t.Errorf("group prob = %v, want 0.5", group.Dist.Prob)
	}

	// Two distinct users means two history entries; the group history for
	// two submissions in quick succession collapses into one.
	if n := s.PredictionHist.Count(); n != 2 {
		t.Errorf("user history entries = %d, want 2", n)
	}
	if n := s.GroupPredHist.Count(); n != 1 {
		t.Errorf("group history entries = %d, want 1", n)
	}
}

func TestAddPredictionCoalescesRapidUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	q := binaryQuestion(t, s, "q1")
	alice, _ := s.Users.Create(ctx, testUser("alice"))

	for _, prob := range []float64{0.1, 0.4, 0.9} {
		if _, err := s.AddPrediction(ctx, q, entity.NewRef(alice), models.Distribution{Type: models.SpaceBinary, Prob: prob}); err != nil {
			t.Fatalf("AddPrediction(%v): %v", prob, err)
		}
	}

	if n := s.Predictions.Count(); n != 1 {
		t.Errorf("current predictions = %d, want 1", n)
	}
	if n := s.PredictionHist.Count(); n != 1 {
		t.Errorf("history entries = %d, want 1 after coalescing", n)
	}
	if n := s.PredictionCount("q1"); n != 3 {
		t.Errorf("PredictionCount = %d, want 3", n)
	}

	for _, h := range s.PredictionHist.All() {
		if h.Dist.Prob != 0.9 {
			t.Errorf("coalesced history holds prob %v, want latest 0.9", h.Dist.Prob)
		}
	}
}

func TestAddPredictionNumericGroupMoments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	q, err := s.Questions.Create(ctx, models.Question{
		ID:      "q1",
		Name:    "how many",
		Visible: true,
		Open:    true,
		AnswerSpace: models.AnswerSpace{
			Type: models.SpaceNumeric, Min: 0, Max: 100,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	alice, _ := s.Users.Create(ctx, testUser("alice"))
	bob, _ := s.Users.Create(ctx, testUser("bob"))

	if _, err := s.AddPrediction(ctx, q, entity.NewRef(alice), models.Distribution{Type: models.SpaceNumeric, Mean: 10}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddPrediction(ctx, q, entity.NewRef(bob), models.Distribution{Type: models.SpaceNumeric, Mean: 20}); err != nil {
		t.Fatal(err)
	}

	group := s.GroupPrediction("q1")
	if group == nil {
		t.Fatal("no group prediction")
	}
	// Point forecasts at 10 and 20 pool to mean 15 with stdev 5.
	if math.Abs(group.Dist.Mean-15) > 1e-9 {
		t.Errorf("group mean = %v, want 15", group.Dist.Mean)
	}
	if math.Abs(group.Dist.Stdev-5) > 1e-9 {
		t.Errorf("group stdev = %v, want 5", group.Dist.Stdev)
	}
}

func TestAddPredictionRejectsInvalidDistribution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	q := binaryQuestion(t, s, "q1")
	alice, _ := s.Users.Create(ctx, testUser("alice"))

	_, err := s.AddPrediction(ctx, q, entity.NewRef(alice), models.Distribution{Type: models.SpaceBinary, Prob: 1.5})
	if !errors.Is(err, state.ErrValidation) {
		t.Errorf("invalid distribution = %v, want ErrValidation", err)
	}
	if s.GroupPrediction("q1") != nil {
		t.Error("rejected prediction must not produce a group aggregate")
	}
}

func TestWatchDeliversOneBatchAfterCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	var batches [][]state.Change
	cancel := s.Watch(func(cs []state.Change) {
		mu.Lock()
		batches = append(batches, cs)
		mu.Unlock()
	})
	defer cancel()

	err := s.WithMutationLock(ctx, func(ctx context.Context) error {
		if _, err := s.Users.Create(ctx, testUser("a")); err != nil {
			return err
		}
		if _, err := s.Users.Create(ctx, testUser("b")); err != nil {
			return err
		}
		mu.Lock()
		n := len(batches)
		mu.Unlock()
		if n != 0 {
			t.Errorf("watcher fired %d times before commit", n)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 1 {
		t.Fatalf("batches after commit = %d, want 1", len(batches))
	}
	if len(batches[0]) != 2 {
		t.Errorf("batch size = %d, want 2", len(batches[0]))
	}
	if batches[0][0].ID != "a" || batches[0][1].ID != "b" {
		t.Errorf("batch order = %s, %s", batches[0][0].ID, batches[0][1].ID)
	}
}

func TestWatchCancel(t *testing.T) {
	s := newTestStore(t)
	fired := 0
	cancel := s.Watch(func([]state.Change) { fired++ })
	cancel()
	if _, err := s.Users.Create(context.Background(), testUser("a")); err != nil {
		t.Fatal(err)
	}
	if fired != 0 {
		t.Error("cancelled watcher still fired")
	}
}

func TestTransactionDoesNotNest(t *testing.T) {
	s := newTestStore(t)
	err := s.WithTransaction(context.Background(), func(ctx context.Context) error {
		return s.WithTransaction(ctx, func(ctx context.Context) error { return nil })
	})
	if !errors.Is(err, state.ErrNestedTransaction) {
		t.Errorf("nested transaction = %v, want ErrNestedTransaction", err)
	}
}

func TestTransactionSpansManagers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	room, err := s.Rooms.Create(ctx, models.Room{ID: "r1", Name: "room"})
	if err != nil {
		t.Fatal(err)
	}

	err = s.WithTransaction(ctx, func(ctx context.Context) error {
		q, err := s.Questions.Create(ctx, models.Question{
			ID: "q1", Name: "q", Visible: true, Open: true,
			AnswerSpace: models.AnswerSpace{Type: models.SpaceBinary},
		})
		if err != nil {
			return err
		}
		_, err = s.Rooms.Modify(ctx, room.ID, func(r models.Room) (models.Room, error) {
			r.Questions = append(r.Questions, entity.NewRef(q))
			return r, nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	if got, ok := s.RoomOfQuestion("q1"); !ok || got.ID != "r1" {
		t.Errorf("RoomOfQuestion = %+v, %v", got, ok)
	}
}

func TestConcurrentPredictionsSerialize(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	q := binaryQuestion(t, s, "q1")

	const n = 16
	users := make([]models.User, n)
	for i := range users {
		u, err := s.Users.Create(ctx, testUser(fmt.Sprintf("u%02d", i)))
		if err != nil {
			t.Fatal(err)
		}
		users[i] = u
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, u := range users {
		wg.Add(1)
		go func(u models.User) {
			defer wg.Done()
			_, err := s.AddPrediction(ctx, q, entity.NewRef(u), models.Distribution{Type: models.SpaceBinary, Prob: 0.5})
			errs <- err
		}(u)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent AddPrediction: %v", err)
		}
	}

	if got := s.PredictorCount("q1"); got != n {
		t.Errorf("PredictorCount = %d, want %d", got, n)
	}
	if got := s.PredictionCount("q1"); got != n {
		t.Errorf("PredictionCount = %d, want %d", got, n)
	}
}

func TestConcurrentRoomAppendsLoseNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Rooms.Create(ctx, models.Room{ID: "r1", Name: "room"}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, qid := range []string{"q1", "q2"} {
		wg.Add(1)
		go func(qid string) {
			defer wg.Done()
			errs <- s.WithTransaction(ctx, func(ctx context.Context) error {
				q, err := s.Questions.Create(ctx, models.Question{
					ID: qid, Name: qid, Visible: true, Open: true,
					AnswerSpace: models.AnswerSpace{Type: models.SpaceBinary},
				})
				if err != nil {
					return err
				}
				_, err = s.Rooms.Modify(ctx, "r1", func(r models.Room) (models.Room, error) {
					r.Questions = append(r.Questions, entity.NewRef(q))
					return r, nil
				})
				return err
			})
		}(qid)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("transaction: %v", err)
		}
	}

	room, _ := s.Rooms.Get("r1")
	if len(room.Questions) != 2 {
		t.Fatalf("room question list = %d entries, want both appends", len(room.Questions))
	}
}

func TestLoadRecalculatesGroupPrediction(t *testing.T) {
	backend := state.NewMemoryBackend()
	ctx := context.Background()

	// Build state through one store, reload through another.
	a := state.NewStore(backend, zap.NewNop())
	q := binaryQuestion(t, a, "q1")
	alice, _ := a.Users.Create(ctx, testUser("alice"))
	if _, err := a.AddPrediction(ctx, q, entity.NewRef(alice), models.Distribution{Type: models.SpaceBinary, Prob: 0.3}); err != nil {
		t.Fatal(err)
	}

	b := state.NewStore(backend, zap.NewNop())
	if err := b.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	group := b.GroupPrediction("q1")
	if group == nil || math.Abs(group.Dist.Prob-0.3) > 1e-9 {
		t.Errorf("group prediction after reload = %+v", group)
	}
	if got, ok := b.UserPrediction("q1", "alice"); !ok || got.Dist.Prob != 0.3 {
		t.Errorf("user prediction after reload = %+v, %v", got, ok)
	}
}

func putDoc(t *testing.T, backend *state.MemoryBackend, e entity.Entity) {
	t.Helper()
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	if err := backend.PutDoc(context.Background(), e.EntityKind(), e.EntityID(), raw); err != nil {
		t.Fatal(err)
	}
}

func TestLoadRebuildsPredictionCountFromHistory(t *testing.T) {
	backend := state.NewMemoryBackend()
	ctx := context.Background()

	// One user with two history entries far enough apart that they were
	// never coalesced: the event counter must come back as 2, not as the
	// single current prediction.
	userRef := entity.RefTo[models.User]("alice")
	current := models.Prediction{
		ID:       models.CurrentPredictionID("q1", "alice"),
		Question: entity.RefTo[models.Question]("q1"),
		User:     &userRef,
		Ts:       500,
		Dist:     models.Distribution{Type: models.SpaceBinary, Prob: 0.4},
	}
	putDoc(t, backend, current)

	early := models.HistPrediction{Prediction: current}
	early.ID = "hist-early"
	early.Ts = 100
	early.Dist.Prob = 0.2
	putDoc(t, backend, early)

	late := models.HistPrediction{Prediction: current}
	late.ID = "hist-late"
	putDoc(t, backend, late)

	s := state.NewStore(backend, zap.NewNop())
	if err := s.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := s.PredictionCount("q1"); got != 2 {
		t.Errorf("PredictionCount after reload = %d, want 2", got)
	}
	if got := s.PredictorCount("q1"); got != 1 {
		t.Errorf("PredictorCount after reload = %d, want 1", got)
	}
}
