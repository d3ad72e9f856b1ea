package predictions

import (
	"sort"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/consensio/backend/internal/entity"
	"github.com/consensio/backend/internal/models"
	"github.com/consensio/backend/internal/sessions"
	"github.com/consensio/backend/internal/state"
	"github.com/consensio/backend/pkg/response"
)

// PredictRequest is the body for PUT /questions/:id/predict.
type PredictRequest struct {
	Dist models.Distribution `json:"dist" binding:"required"`
}

// Handler handles prediction submission and history endpoints.
type Handler struct {
	store   *state.Store
	tracker *sessions.Tracker
	logger  *zap.Logger
}

func NewHandler(store *state.Store, tracker *sessions.Tracker, logger *zap.Logger) *Handler {
	return &Handler{store: store, tracker: tracker, logger: logger}
}

func (h *Handler) currentUser(c *gin.Context) *models.User {
	session, ok := sessions.FromContext(c)
	if !ok {
		return nil
	}
	return h.tracker.User(session)
}

// Predict handles PUT /questions/:id/predict: validates against the answer
// space and records the prediction, replacing the user's previous one.
func (h *Handler) Predict(c *gin.Context) {
	user := h.currentUser(c)
	if user == nil {
		response.Unauthorized(c, "not logged in")
		return
	}
	question, ok := h.store.Questions.Get(c.Param("id"))
	if !ok {
		response.NotFound(c, "question not found")
		return
	}
	room, ok := h.store.RoomOfQuestion(question.ID)
	if !ok {
		response.NotFound(c, "question not found")
		return
	}
	if !room.HasPermission(user, models.PermSubmitPrediction) {
		response.Forbidden(c, "not allowed to predict here")
		return
	}
	if !question.Open || question.Resolved {
		response.Conflict(c, "question is not open for predictions")
		return
	}

	var req PredictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	pred, err := h.store.AddPrediction(c.Request.Context(), question, entity.NewRef(*user), req.Dist)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, pred)
}

// List handles GET /questions/:id/predictions: every member's current
// prediction, for members allowed to see individual forecasts.
func (h *Handler) List(c *gin.Context) {
	user := h.currentUser(c)
	question, ok := h.store.Questions.Get(c.Param("id"))
	if !ok {
		response.NotFound(c, "question not found")
		return
	}
	room, ok := h.store.RoomOfQuestion(question.ID)
	if !ok {
		response.NotFound(c, "question not found")
		return
	}
	if !room.HasPermission(user, models.PermViewIndividualPredictions) {
		response.Forbidden(c, "not allowed to view individual predictions")
		return
	}

	preds := make([]models.Prediction, 0)
	for _, p := range h.store.Predictions.All() {
		if p.Question.ID == question.ID {
			preds = append(preds, p)
		}
	}
	sort.Slice(preds, func(i, j int) bool { return preds[i].Ts < preds[j].Ts })
	response.OK(c, gin.H{"predictions": preds})
}

// MyHistory handles GET /questions/:id/history: the caller's own prediction
// history on the question, oldest first.
func (h *Handler) MyHistory(c *gin.Context) {
	user := h.currentUser(c)
	if user == nil {
		response.Unauthorized(c, "not logged in")
		return
	}
	question, ok := h.store.Questions.Get(c.Param("id"))
	if !ok {
		response.NotFound(c, "question not found")
		return
	}
	room, ok := h.store.RoomOfQuestion(question.ID)
	if !ok {
		response.NotFound(c, "question not found")
		return
	}
	if !room.HasPermission(user, models.PermViewQuestions) {
		response.Forbidden(c, "not allowed to view this question")
		return
	}

	hist := make([]models.HistPrediction, 0)
	for _, entry := range h.store.PredictionHist.All() {
		if entry.Question.ID == question.ID && entry.User != nil && entry.User.ID == user.ID {
			hist = append(hist, entry)
		}
	}
	sort.Slice(hist, func(i, j int) bool { return hist[i].Ts < hist[j].Ts })
	response.OK(c, gin.H{"history": hist})
}

// GroupHistory handles GET /questions/:id/group-history: the anonymous
// aggregate's history, visible to anyone who can see the question.
func (h *Handler) GroupHistory(c *gin.Context) {
	user := h.currentUser(c)
	question, ok := h.store.Questions.Get(c.Param("id"))
	if !ok {
		response.NotFound(c, "question not found")
		return
	}
	room, ok := h.store.RoomOfQuestion(question.ID)
	if !ok {
		response.NotFound(c, "question not found")
		return
	}
	if !room.HasPermission(user, models.PermViewQuestions) {
		response.Forbidden(c, "not allowed to view this question")
		return
	}

	hist := make([]models.GroupHistPrediction, 0)
	for _, entry := range h.store.GroupPredHist.All() {
		if entry.Question.ID == question.ID {
			hist = append(hist, entry)
		}
	}
	sort.Slice(hist, func(i, j int) bool { return hist[i].Ts < hist[j].Ts })
	response.OK(c, gin.H{"history": hist})
}
