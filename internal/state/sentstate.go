package state

import (
	"github.com/consensio/backend/internal/entity"
	"github.com/consensio/backend/internal/models"
)

// SentState is the per-session view of the shared state pushed over the
// websocket. It is already censored: it contains exactly what the receiving
// session is allowed to see, so the client may render it directly.
type SentState struct {
	Rooms     map[string]models.Room     `json:"rooms"`
	Questions map[string]models.Question `json:"questions"`
	Users     map[string]models.User     `json:"users"`
	Comments  map[string]models.Comment  `json:"comments"`

	// MyPredictions maps question id to the session user's current
	// prediction.
	MyPredictions map[string]models.Prediction `json:"myPredictions"`
	// GroupPred maps question id to the anonymous group aggregate.
	GroupPred map[string]models.Prediction `json:"groupPred"`
	// PredictorCount maps question id to the number of distinct predictors.
	PredictorCount map[string]int `json:"predictorCount"`
	// PredictionCount maps question id to the total prediction events.
	PredictionCount map[string]int `json:"predictionCount"`

	Session               *models.UserSession `json:"session,omitempty"`
	PresenterWindowActive bool                `json:"presenterWindowActive"`
}

func newSentState() SentState {
	return SentState{
		Rooms:           make(map[string]models.Room),
		Questions:       make(map[string]models.Question),
		Users:           make(map[string]models.User),
		Comments:        make(map[string]models.Comment),
		MyPredictions:   make(map[string]models.Prediction),
		GroupPred:       make(map[string]models.Prediction),
		PredictorCount:  make(map[string]int),
		PredictionCount: make(map[string]int),
	}
}

// DerefNonBlocking resolves references against the received snapshot, so a
// SentState doubles as a client-side entity resolver.
func (s SentState) DerefNonBlocking(kind entity.Kind, id string) (entity.Entity, bool) {
	switch kind {
	case entity.KindRoom:
		if r, ok := s.Rooms[id]; ok {
			return r, true
		}
	case entity.KindQuestion:
		if q, ok := s.Questions[id]; ok {
			return q, true
		}
	case entity.KindUser:
		if u, ok := s.Users[id]; ok {
			return u, true
		}
	case entity.KindComment:
		if c, ok := s.Comments[id]; ok {
			return c, true
		}
	case entity.KindSession:
		if s.Session != nil && s.Session.ID == id {
			return *s.Session, true
		}
	}
	return nil, false
}

var _ entity.Resolver = SentState{}
