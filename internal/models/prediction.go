package models

import (
	"github.com/consensio/backend/internal/entity"
)

// Distribution is a forecast: a yes-probability for binary questions or a
// mean and standard deviation for numeric ones.
type Distribution struct {
	Type  SpaceType `json:"type"`
	Prob  float64   `json:"prob,omitempty"`
	Mean  float64   `json:"mean,omitempty"`
	Stdev float64   `json:"stdev,omitempty"`
}

// Prediction is one user's current forecast for a question. Group
// predictions use the same record with a nil user.
type Prediction struct {
	ID       string                   `json:"id"`
	Question entity.Ref[Question]     `json:"question"`
	User     *entity.Ref[User]        `json:"user,omitempty"`
	Ts       int64                    `json:"ts"` // unix seconds
	Dist     Distribution             `json:"dist"`
}

func (p Prediction) EntityID() string        { return p.ID }
func (p Prediction) EntityKind() entity.Kind { return entity.KindPrediction }

// CurrentPredictionID is the fixed id of a user's current prediction for a
// question: one row per (question, user), replaced on every submission.
func CurrentPredictionID(questionID, userID string) string {
	return questionID + ":" + userID
}

// HistPrediction is a per-user prediction history entry. It shares the
// Prediction payload but lives in its own collection so current predictions
// stay one row per (question, user).
type HistPrediction struct {
	Prediction
}

func (p HistPrediction) EntityKind() entity.Kind { return entity.KindPredictionHist }

// GroupHistPrediction is a group prediction history entry, appended whenever
// the group aggregate changes.
type GroupHistPrediction struct {
	Prediction
}

func (p GroupHistPrediction) EntityKind() entity.Kind { return entity.KindGroupPredHist }
