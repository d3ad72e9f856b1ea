package state

import (
	"github.com/consensio/backend/internal/entity"
	"github.com/consensio/backend/internal/models"
)

// GlobalState is the read-only face of the store: reference resolution plus
// the derived lookups handlers and extensions need. Reads never contend
// with the mutation lock. The Store is the only server-side implementation;
// SentState covers the resolver part on the receiving side.
type GlobalState interface {
	entity.Resolver
	entity.BlockingResolver

	RoomOfQuestion(questionID string) (models.Room, bool)
	UserByEmail(email string) (models.User, bool)
	UserPrediction(questionID, userID string) (models.Prediction, bool)
	GroupPrediction(questionID string) *models.Prediction
	PredictorCount(questionID string) int
	PredictionCount(questionID string) int
	QuestionComments(questionID string) []models.Comment
}

var _ GlobalState = (*Store)(nil)
