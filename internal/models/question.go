package models

import (
	"fmt"
	"time"

	"github.com/consensio/backend/internal/entity"
)

// SpaceType discriminates the two supported answer spaces.
type SpaceType string

const (
	SpaceBinary  SpaceType = "binary"
	SpaceNumeric SpaceType = "numeric"
)

// AnswerSpace defines what answers a question accepts. Binary spaces take a
// yes-probability; numeric spaces take a mean and standard deviation within
// [Min, Max].
type AnswerSpace struct {
	Type SpaceType `json:"type"`
	Min  float64   `json:"min,omitempty"`
	Max  float64   `json:"max,omitempty"`
}

// ValidatePrediction checks a distribution against the space.
func (s AnswerSpace) ValidatePrediction(d Distribution) error {
	if d.Type != s.Type {
		return fmt.Errorf("distribution type %q does not match answer space %q", d.Type, s.Type)
	}
	switch s.Type {
	case SpaceBinary:
		if d.Prob < 0 || d.Prob > 1 {
			return fmt.Errorf("binary probability %v outside [0,1]", d.Prob)
		}
	case SpaceNumeric:
		if d.Mean < s.Min || d.Mean > s.Max {
			return fmt.Errorf("mean %v outside [%v,%v]", d.Mean, s.Min, s.Max)
		}
		if d.Stdev < 0 || d.Stdev > (s.Max-s.Min)/2 {
			return fmt.Errorf("stdev %v outside [0,%v]", d.Stdev, (s.Max-s.Min)/2)
		}
	default:
		return fmt.Errorf("unknown answer space type %q", s.Type)
	}
	return nil
}

// Resolution is the resolved answer of a question.
type Resolution struct {
	Type  SpaceType `json:"type"`
	Yes   bool      `json:"yes,omitempty"`
	Value float64   `json:"value,omitempty"`
}

// Question is a forecasting question inside a room.
type Question struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Visible     bool        `json:"visible"`
	Open        bool        `json:"open"`
	AnswerSpace AnswerSpace `json:"answerSpace"`
	Resolved    bool        `json:"resolved"`
	Resolution  *Resolution `json:"resolution,omitempty"`
	// ScoreTime, when set, marks the instant predictions are scored at.
	// History coalescing never merges across it.
	ScoreTime *time.Time `json:"scoreTime,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

func (q Question) EntityID() string        { return q.ID }
func (q Question) EntityKind() entity.Kind { return entity.KindQuestion }
