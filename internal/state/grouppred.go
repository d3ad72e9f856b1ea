package state

import (
	"math"

	"github.com/consensio/backend/internal/entity"
	"github.com/consensio/backend/internal/models"
)

// calcGroupPred aggregates every current prediction on the question into a
// single anonymous group prediction. Returns nil when nobody has predicted.
func (s *Store) calcGroupPred(q models.Question) *models.Prediction {
	preds := s.currentPredictions(q.ID)
	if len(preds) == 0 {
		return nil
	}

	var maxTs int64
	dists := make([]models.Distribution, 0, len(preds))
	for _, p := range preds {
		if p.Ts > maxTs {
			maxTs = p.Ts
		}
		dists = append(dists, p.Dist)
	}

	return &models.Prediction{
		ID:       "group:" + q.ID,
		Question: entity.RefTo[models.Question](q.ID),
		Ts:       maxTs,
		Dist:     aggregateDists(q.AnswerSpace, dists),
	}
}

// aggregateDists combines individual forecast distributions. Binary answers
// average the yes-probabilities. Numeric answers pool the first two moments:
// the mixture mean is the average of means and the mixture variance adds the
// spread of the means to the average individual variance.
func aggregateDists(space models.AnswerSpace, dists []models.Distribution) models.Distribution {
	n := float64(len(dists))
	if space.Type == models.SpaceBinary {
		var sum float64
		for _, d := range dists {
			sum += d.Prob
		}
		return models.Distribution{
			Type: models.SpaceBinary,
			Prob: clamp(sum/n, 0, 1),
		}
	}

	var meanSum, secondMomentSum float64
	for _, d := range dists {
		meanSum += d.Mean
		secondMomentSum += d.Stdev*d.Stdev + d.Mean*d.Mean
	}
	mean := meanSum / n
	variance := secondMomentSum/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return models.Distribution{
		Type:  models.SpaceNumeric,
		Mean:  clamp(mean, space.Min, space.Max),
		Stdev: math.Sqrt(variance),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
