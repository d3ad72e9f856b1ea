package extensions

import (
	"context"

	"go.uber.org/zap"

	"github.com/consensio/backend/internal/models"
)

// ActivityLog records prediction activity in the structured log. It is the
// smallest useful extension and doubles as a wiring example.
type ActivityLog struct {
	logger *zap.Logger
}

func NewActivityLog(logger *zap.Logger) *ActivityLog {
	return &ActivityLog{logger: logger}
}

func (a *ActivityLog) Name() string { return "activity-log" }

func (a *ActivityLog) OnPrediction(_ context.Context, q models.Question, p models.Prediction) {
	userID := ""
	if p.User != nil {
		userID = p.User.ID
	}
	a.logger.Info("prediction recorded",
		zap.String("question_id", q.ID),
		zap.String("user_id", userID),
		zap.Int64("ts", p.Ts),
	)
}
