package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/consensio/backend/internal/entity"
	"github.com/consensio/backend/internal/models"
)

// predictionCoalesceInterval is the window within which a user's repeated
// prediction updates collapse into a single history entry.
const predictionCoalesceInterval = 60 * time.Second

// Store is the authoritative shared state of the whole application: one
// manager per entity kind, derived indexes over them, and the global
// mutation lock that serializes every write. Reads are lock-free with
// respect to the mutation lock.
type Store struct {
	backend Backend
	logger  *zap.Logger

	managers map[entity.Kind]managerCore

	Rooms          *Manager[models.Room]
	Questions      *Manager[models.Question]
	Users          *Manager[models.User]
	Sessions       *Manager[models.UserSession]
	Predictions    *Manager[models.Prediction]
	PredictionHist *Manager[models.HistPrediction]
	GroupPredHist  *Manager[models.GroupHistPrediction]
	Comments       *Manager[models.Comment]

	// mutationMu serializes every mutation across all managers. pending
	// accumulates committed changes under the lock; they reach watchers
	// only after the outermost section releases it.
	mutationMu sync.Mutex
	pending    []Change

	watchMu  sync.Mutex
	watchers map[int]func([]Change)
	watchSeq int

	idx indexes

	predHooks []func(ctx context.Context, q models.Question, p models.Prediction)
}

// indexes are derived lookups maintained synchronously by manager
// callbacks. They carry their own lock because readers do not hold the
// mutation lock.
type indexes struct {
	mu sync.RWMutex

	questionRoom    map[string]string                   // question id -> room id
	usersByEmail    map[string]string                   // lowercased email -> user id
	predsByQuestion map[string]map[string]string        // question id -> user id -> prediction id
	predictionCount map[string]int                      // question id -> total prediction events
	groupPred       map[string]*models.Prediction       // question id -> current group prediction
	lastUserHist    map[string]string                   // "question:user" -> latest history entry id
	lastGroupHist   map[string]string                   // question id -> latest group history entry id
	commentsByQ     map[string]map[string]struct{}      // question id -> comment ids
}

// NewStore wires the managers and their index callbacks. Call Load before
// serving traffic.
func NewStore(backend Backend, logger *zap.Logger) *Store {
	s := &Store{
		backend:  backend,
		logger:   logger,
		managers: make(map[entity.Kind]managerCore),
		idx: indexes{
			questionRoom:    make(map[string]string),
			usersByEmail:    make(map[string]string),
			predsByQuestion: make(map[string]map[string]string),
			predictionCount: make(map[string]int),
			groupPred:       make(map[string]*models.Prediction),
			lastUserHist:    make(map[string]string),
			lastGroupHist:   make(map[string]string),
			commentsByQ:     make(map[string]map[string]struct{}),
		},
	}

	s.Rooms = newManager[models.Room](s)
	s.Questions = newManager[models.Question](s)
	s.Users = newManager[models.User](s)
	s.Sessions = newManager[models.UserSession](s)
	s.Predictions = newManager[models.Prediction](s)
	s.PredictionHist = newManager[models.HistPrediction](s)
	s.GroupPredHist = newManager[models.GroupHistPrediction](s)
	s.Comments = newManager[models.Comment](s)

	s.Rooms.OnAddedOrUpdated(func(r models.Room) {
		s.idx.mu.Lock()
		defer s.idx.mu.Unlock()
		for qid, rid := range s.idx.questionRoom {
			if rid == r.ID {
				delete(s.idx.questionRoom, qid)
			}
		}
		for _, q := range r.Questions {
			s.idx.questionRoom[q.ID] = r.ID
		}
	})
	s.Rooms.OnDeleted(func(r models.Room) {
		s.idx.mu.Lock()
		defer s.idx.mu.Unlock()
		for _, q := range r.Questions {
			delete(s.idx.questionRoom, q.ID)
		}
	})

	s.Users.OnAddedOrUpdated(func(u models.User) {
		s.idx.mu.Lock()
		defer s.idx.mu.Unlock()
		for email, uid := range s.idx.usersByEmail {
			if uid == u.ID {
				delete(s.idx.usersByEmail, email)
			}
		}
		if u.Email != "" {
			s.idx.usersByEmail[models.NormalizeEmail(u.Email)] = u.ID
		}
	})
	s.Users.OnDeleted(func(u models.User) {
		s.idx.mu.Lock()
		defer s.idx.mu.Unlock()
		if u.Email != "" {
			delete(s.idx.usersByEmail, models.NormalizeEmail(u.Email))
		}
	})

	s.Predictions.OnAddedOrUpdated(func(p models.Prediction) {
		if p.User == nil {
			return
		}
		s.idx.mu.Lock()
		defer s.idx.mu.Unlock()
		qid := p.Question.ID
		if s.idx.predsByQuestion[qid] == nil {
			s.idx.predsByQuestion[qid] = make(map[string]string)
		}
		s.idx.predsByQuestion[qid][p.User.ID] = p.ID
		s.idx.predictionCount[qid]++
	})
	s.Predictions.OnDeleted(func(p models.Prediction) {
		if p.User == nil {
			return
		}
		s.idx.mu.Lock()
		defer s.idx.mu.Unlock()
		delete(s.idx.predsByQuestion[p.Question.ID], p.User.ID)
	})

	s.PredictionHist.OnAddedOrUpdated(func(h models.HistPrediction) {
		if h.User == nil {
			return
		}
		s.idx.mu.Lock()
		defer s.idx.mu.Unlock()
		key := models.CurrentPredictionID(h.Question.ID, h.User.ID)
		s.idx.lastUserHist[key] = h.ID
	})

	s.GroupPredHist.OnAddedOrUpdated(func(h models.GroupHistPrediction) {
		s.idx.mu.Lock()
		defer s.idx.mu.Unlock()
		s.idx.lastGroupHist[h.Question.ID] = h.ID
	})

	s.Comments.OnAdded(func(c models.Comment) {
		s.idx.mu.Lock()
		defer s.idx.mu.Unlock()
		if s.idx.commentsByQ[c.Question.ID] == nil {
			s.idx.commentsByQ[c.Question.ID] = make(map[string]struct{})
		}
		s.idx.commentsByQ[c.Question.ID][c.ID] = struct{}{}
	})
	s.Comments.OnDeleted(func(c models.Comment) {
		s.idx.mu.Lock()
		defer s.idx.mu.Unlock()
		delete(s.idx.commentsByQ[c.Question.ID], c.ID)
	})

	return s
}

// Load replays all persisted collections into memory and rebuilds derived
// aggregates. Must complete before the store serves traffic.
func (s *Store) Load(ctx context.Context) error {
	order := []entity.Kind{
		entity.KindUser, entity.KindRoom, entity.KindQuestion,
		entity.KindSession, entity.KindPrediction,
		entity.KindPredictionHist, entity.KindGroupPredHist,
		entity.KindComment,
	}
	for _, kind := range order {
		m, ok := s.managers[kind]
		if !ok {
			return fmt.Errorf("load: no manager for kind %q", kind)
		}
		if err := m.load(ctx); err != nil {
			return err
		}
	}

	// Replay only sees current predictions, so the event counters are
	// rebuilt from retained history entries instead. Updates that were
	// coalesced into one entry count once from here on.
	s.idx.mu.Lock()
	s.idx.predictionCount = make(map[string]int)
	for _, h := range s.PredictionHist.All() {
		s.idx.predictionCount[h.Question.ID]++
	}
	s.idx.mu.Unlock()

	for qid := range s.Questions.All() {
		s.recalcGroupPredLocked(qid)
	}

	s.logger.Info("state loaded",
		zap.Int("rooms", s.Rooms.Count()),
		zap.Int("questions", s.Questions.Count()),
		zap.Int("users", s.Users.Count()),
		zap.Int("sessions", s.Sessions.Count()),
		zap.Int("predictions", s.Predictions.Count()),
	)
	return nil
}

// Watch registers a change observer. The callback runs synchronously after
// a mutation batch commits, outside the mutation lock; it must not block.
// The returned function cancels the registration.
func (s *Store) Watch(fn func([]Change)) func() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watchers == nil {
		s.watchers = make(map[int]func([]Change))
	}
	id := s.watchSeq
	s.watchSeq++
	s.watchers[id] = fn
	return func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		delete(s.watchers, id)
	}
}

func (s *Store) flush(changes []Change) {
	s.watchMu.Lock()
	fns := make([]func([]Change), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.watchMu.Unlock()
	for _, fn := range fns {
		fn(changes)
	}
}

// OnPrediction registers a hook fired after a prediction lands. Hooks run
// inside the same transaction as the prediction itself.
func (s *Store) OnPrediction(fn func(ctx context.Context, q models.Question, p models.Prediction)) {
	s.predHooks = append(s.predHooks, fn)
}

// DerefNonBlocking resolves a reference against in-memory state.
func (s *Store) DerefNonBlocking(kind entity.Kind, id string) (entity.Entity, bool) {
	m, ok := s.managers[kind]
	if !ok {
		return nil, false
	}
	return m.derefNonBlocking(id)
}

// DerefBlocking resolves a reference, consulting the persistence backend
// when the entity is not cached.
func (s *Store) DerefBlocking(ctx context.Context, kind entity.Kind, id string) (entity.Entity, error) {
	m, ok := s.managers[kind]
	if !ok {
		return nil, fmt.Errorf("no manager for kind %q: %w", kind, ErrDanglingRef)
	}
	return m.derefBlocking(ctx, id)
}

var (
	_ entity.Resolver         = (*Store)(nil)
	_ entity.BlockingResolver = (*Store)(nil)
)

// RoomOfQuestion returns the room a question belongs to.
func (s *Store) RoomOfQuestion(questionID string) (models.Room, bool) {
	s.idx.mu.RLock()
	rid, ok := s.idx.questionRoom[questionID]
	s.idx.mu.RUnlock()
	if !ok {
		return models.Room{}, false
	}
	return s.Rooms.Get(rid)
}

// UserByEmail looks a user up by email, case-insensitively.
func (s *Store) UserByEmail(email string) (models.User, bool) {
	s.idx.mu.RLock()
	uid, ok := s.idx.usersByEmail[models.NormalizeEmail(email)]
	s.idx.mu.RUnlock()
	if !ok {
		return models.User{}, false
	}
	return s.Users.Get(uid)
}

// UserPrediction returns the user's current prediction on a question.
func (s *Store) UserPrediction(questionID, userID string) (models.Prediction, bool) {
	return s.Predictions.Get(models.CurrentPredictionID(questionID, userID))
}

// GroupPrediction returns the current aggregate prediction for a question,
// or nil when nobody has predicted.
func (s *Store) GroupPrediction(questionID string) *models.Prediction {
	s.idx.mu.RLock()
	defer s.idx.mu.RUnlock()
	return s.idx.groupPred[questionID]
}

// PredictorCount returns the number of distinct users with a current
// prediction on the question.
func (s *Store) PredictorCount(questionID string) int {
	s.idx.mu.RLock()
	defer s.idx.mu.RUnlock()
	return len(s.idx.predsByQuestion[questionID])
}

// PredictionCount returns the total number of prediction events on the
// question, updates included. Across a restart the counter degrades to the
// number of retained history entries, since coalesced updates persist as
// one entry.
func (s *Store) PredictionCount(questionID string) int {
	s.idx.mu.RLock()
	defer s.idx.mu.RUnlock()
	return s.idx.predictionCount[questionID]
}

// QuestionComments returns the comments on a question.
func (s *Store) QuestionComments(questionID string) []models.Comment {
	s.idx.mu.RLock()
	ids := make([]string, 0, len(s.idx.commentsByQ[questionID]))
	for id := range s.idx.commentsByQ[questionID] {
		ids = append(ids, id)
	}
	s.idx.mu.RUnlock()
	out := make([]models.Comment, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.Comments.Get(id); ok {
			out = append(out, c)
		}
	}
	return out
}

// AddPrediction records a user's prediction on a question: it upserts the
// current prediction, appends (or coalesces) the per-user history entry,
// recomputes the group aggregate and appends its history, all in one
// transaction. The distribution must already match the question's answer
// space.
func (s *Store) AddPrediction(ctx context.Context, q models.Question, user entity.Ref[models.User], dist models.Distribution) (models.Prediction, error) {
	if err := q.AnswerSpace.ValidatePrediction(dist); err != nil {
		return models.Prediction{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	var result models.Prediction
	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		now := time.Now().Unix()
		pred := models.Prediction{
			ID:       models.CurrentPredictionID(q.ID, user.ID),
			Question: entity.RefTo[models.Question](q.ID),
			User:     &user,
			Ts:       now,
			Dist:     dist,
		}

		old, hadOld := s.Predictions.Get(pred.ID)

		if _, err := s.Predictions.Replace(ctx, pred, true); err != nil {
			return err
		}

		if err := s.appendUserHistory(ctx, q, pred, old, hadOld); err != nil {
			return err
		}

		if err := s.recalcAndRecordGroupPred(ctx, q); err != nil {
			return err
		}

		for _, hook := range s.predHooks {
			hook(ctx, q, pred)
		}

		result = pred
		return nil
	})
	return result, err
}

// appendUserHistory adds a history entry for the prediction, collapsing
// rapid successive updates into the latest entry. Coalescing never crosses
// the question's score time: entries on either side stay distinct so
// scoring sees the prediction that was current at that moment.
func (s *Store) appendUserHistory(ctx context.Context, q models.Question, pred models.Prediction, old models.Prediction, hadOld bool) error {
	if hadOld && s.canCoalesce(q, old.Ts, pred.Ts) {
		s.idx.mu.RLock()
		histID, ok := s.idx.lastUserHist[pred.ID]
		s.idx.mu.RUnlock()
		if ok {
			_, err := s.PredictionHist.Modify(ctx, histID, func(h models.HistPrediction) (models.HistPrediction, error) {
				h.Ts = pred.Ts
				h.Dist = pred.Dist
				return h, nil
			})
			return err
		}
	}
	hist := models.HistPrediction{Prediction: pred}
	hist.ID = entity.NewID()
	_, err := s.PredictionHist.Create(ctx, hist)
	return err
}

// canCoalesce reports whether two consecutive prediction timestamps may
// share one history entry.
func (s *Store) canCoalesce(q models.Question, oldTs, newTs int64) bool {
	if newTs-oldTs >= int64(predictionCoalesceInterval/time.Second) {
		return false
	}
	if q.ScoreTime != nil {
		st := q.ScoreTime.Unix()
		if oldTs < st && st <= newTs {
			return false
		}
	}
	return true
}

// recalcAndRecordGroupPred recomputes the group aggregate from all current
// predictions on the question, updates the index and appends (or coalesces)
// the group history entry.
func (s *Store) recalcAndRecordGroupPred(ctx context.Context, q models.Question) error {
	group := s.calcGroupPred(q)

	s.idx.mu.Lock()
	prev := s.idx.groupPred[q.ID]
	if group == nil {
		delete(s.idx.groupPred, q.ID)
	} else {
		s.idx.groupPred[q.ID] = group
	}
	lastID, hasLast := s.idx.lastGroupHist[q.ID]
	s.idx.mu.Unlock()

	if group == nil {
		return nil
	}

	if prev != nil && hasLast && s.canCoalesce(q, prev.Ts, group.Ts) {
		_, err := s.GroupPredHist.Modify(ctx, lastID, func(h models.GroupHistPrediction) (models.GroupHistPrediction, error) {
			h.Ts = group.Ts
			h.Dist = group.Dist
			return h, nil
		})
		return err
	}

	hist := models.GroupHistPrediction{Prediction: *group}
	hist.ID = entity.NewID()
	hist.User = nil
	_, err := s.GroupPredHist.Create(ctx, hist)
	return err
}

// recalcGroupPredLocked recomputes the group aggregate index entry without
// touching history. Used when rebuilding state at load time.
func (s *Store) recalcGroupPredLocked(questionID string) {
	q, ok := s.Questions.Get(questionID)
	if !ok {
		return
	}
	group := s.calcGroupPred(q)
	s.idx.mu.Lock()
	if group == nil {
		delete(s.idx.groupPred, questionID)
	} else {
		s.idx.groupPred[questionID] = group
	}
	s.idx.mu.Unlock()
}

// currentPredictions returns all current predictions on a question.
func (s *Store) currentPredictions(questionID string) []models.Prediction {
	s.idx.mu.RLock()
	ids := make([]string, 0, len(s.idx.predsByQuestion[questionID]))
	for _, pid := range s.idx.predsByQuestion[questionID] {
		ids = append(ids, pid)
	}
	s.idx.mu.RUnlock()
	out := make([]models.Prediction, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.Predictions.Get(id); ok {
			out = append(out, p)
		}
	}
	return out
}
