package questions

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/consensio/backend/internal/entity"
	"github.com/consensio/backend/internal/models"
	"github.com/consensio/backend/internal/sessions"
	"github.com/consensio/backend/internal/state"
	"github.com/consensio/backend/pkg/response"
)

// CreateRequest is the body for POST /rooms/:id/questions.
type CreateRequest struct {
	Name        string             `json:"name" binding:"required,max=200"`
	Description string             `json:"description" binding:"max=2000"`
	AnswerSpace models.AnswerSpace `json:"answerSpace" binding:"required"`
	Visible     bool               `json:"visible"`
	Open        bool               `json:"open"`
}

// UpdateRequest is the body for PATCH /questions/:id.
type UpdateRequest struct {
	Name        *string    `json:"name" binding:"omitempty,max=200"`
	Description *string    `json:"description" binding:"omitempty,max=2000"`
	Visible     *bool      `json:"visible"`
	Open        *bool      `json:"open"`
	ScoreTime   *time.Time `json:"scoreTime"`
}

// ResolveRequest is the body for POST /questions/:id/resolve.
type ResolveRequest struct {
	Resolution models.Resolution `json:"resolution" binding:"required"`
	// Publish makes the resolution visible to the whole room.
	Publish bool `json:"publish"`
}

// ReorderRequest is the body for POST /rooms/:id/questions/reorder.
type ReorderRequest struct {
	Questions []string `json:"questions" binding:"required"`
}

// Handler handles question management endpoints.
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

// Create handles POST /rooms/:id/questions. The question entity and the
// room's question list update together in one transaction.
func (h *Handler) Create(c *gin.Context) {
	user := h.currentUser(c)
	room, ok := h.store.Rooms.Get(c.Param("id"))
	if !ok {
		response.NotFound(c, "room not found")
		return
	}
	if !room.HasPermission(user, models.PermAddQuestion) {
		response.Forbidden(c, "not allowed to add questions")
		return
	}

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.AnswerSpace.Type != models.SpaceBinary && req.AnswerSpace.Type != models.SpaceNumeric {
		response.BadRequest(c, "unknown answer space type")
		return
	}
	if req.AnswerSpace.Type == models.SpaceNumeric && req.AnswerSpace.Min >= req.AnswerSpace.Max {
		response.BadRequest(c, "numeric range must have min < max")
		return
	}

	question := models.Question{
		ID:          entity.NewID(),
		Name:        req.Name,
		Description: req.Description,
		Visible:     req.Visible,
		Open:        req.Open,
		AnswerSpace: req.AnswerSpace,
		CreatedAt:   time.Now(),
	}

	err := h.store.WithTransaction(c.Request.Context(), func(ctx context.Context) error {
		if _, err := h.store.Questions.Create(ctx, question); err != nil {
			return err
		}
		_, err := h.store.Rooms.Modify(ctx, room.ID, func(r models.Room) (models.Room, error) {
			qs := make([]entity.Ref[models.Question], len(r.Questions), len(r.Questions)+1)
			copy(qs, r.Questions)
			r.Questions = append(qs, entity.NewRef(question))
			return r, nil
		})
		return err
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	h.logger.Info("question created", zap.String("question_id", question.ID), zap.String("room_id", room.ID))
	response.Created(c, question)
}

// Update handles PATCH /questions/:id.
func (h *Handler) Update(c *gin.Context) {
	user := h.currentUser(c)
	question, room, ok := h.questionRoom(c.Param("id"))
	if !ok {
		response.NotFound(c, "question not found")
		return
	}
	if !room.HasPermission(user, models.PermManageQuestions) {
		response.Forbidden(c, "not allowed to manage questions")
		return
	}

	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	updated, err := h.store.Questions.Modify(c.Request.Context(), question.ID, func(q models.Question) (models.Question, error) {
		if req.Name != nil {
			q.Name = *req.Name
		}
		if req.Description != nil {
			q.Description = *req.Description
		}
		if req.Visible != nil {
			q.Visible = *req.Visible
		}
		if req.Open != nil {
			q.Open = *req.Open
		}
		if req.ScoreTime != nil {
			t := *req.ScoreTime
			q.ScoreTime = &t
		}
		return q, nil
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, updated)
}

// Resolve handles POST /questions/:id/resolve. An unpublished resolution is
// visible only to members with the resolution permission; publishing closes
// the question.
func (h *Handler) Resolve(c *gin.Context) {
	user := h.currentUser(c)
	question, room, ok := h.questionRoom(c.Param("id"))
	if !ok {
		response.NotFound(c, "question not found")
		return
	}
	if !room.HasPermission(user, models.PermManageQuestions) {
		response.Forbidden(c, "not allowed to manage questions")
		return
	}

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.Resolution.Type != question.AnswerSpace.Type {
		response.BadRequest(c, "resolution type does not match answer space")
		return
	}

	updated, err := h.store.Questions.Modify(c.Request.Context(), question.ID, func(q models.Question) (models.Question, error) {
		res := req.Resolution
		q.Resolution = &res
		q.Resolved = req.Publish
		if req.Publish {
			q.Open = false
		}
		return q, nil
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, updated)
}

// Reorder handles POST /rooms/:id/questions/reorder. The new order must be
// a permutation of the room's current question list.
func (h *Handler) Reorder(c *gin.Context) {
	user := h.currentUser(c)
	room, ok := h.store.Rooms.Get(c.Param("id"))
	if !ok {
		response.NotFound(c, "room not found")
		return
	}
	if !room.HasPermission(user, models.PermManageQuestions) {
		response.Forbidden(c, "not allowed to manage questions")
		return
	}

	var req ReorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	updated, err := h.store.Rooms.Modify(c.Request.Context(), room.ID, func(r models.Room) (models.Room, error) {
		if len(req.Questions) != len(r.Questions) {
			return r, state.ErrValidation
		}
		current := make(map[string]bool, len(r.Questions))
		for _, q := range r.Questions {
			current[q.ID] = true
		}
		ordered := make([]entity.Ref[models.Question], 0, len(req.Questions))
		for _, id := range req.Questions {
			if !current[id] {
				return r, state.ErrValidation
			}
			delete(current, id)
			ordered = append(ordered, entity.RefTo[models.Question](id))
		}
		r.Questions = ordered
		return r, nil
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, updated)
}

// Delete handles DELETE /questions/:id. The entity and the room's reference
// to it go in one transaction.
func (h *Handler) Delete(c *gin.Context) {
	user := h.currentUser(c)
	question, room, ok := h.questionRoom(c.Param("id"))
	if !ok {
		response.NotFound(c, "question not found")
		return
	}
	if !room.HasPermission(user, models.PermManageQuestions) {
		response.Forbidden(c, "not allowed to manage questions")
		return
	}

	err := h.store.WithTransaction(c.Request.Context(), func(ctx context.Context) error {
		_, err := h.store.Rooms.Modify(ctx, room.ID, func(r models.Room) (models.Room, error) {
			kept := make([]entity.Ref[models.Question], 0, len(r.Questions))
			for _, q := range r.Questions {
				if q.ID != question.ID {
					kept = append(kept, q)
				}
			}
			r.Questions = kept
			return r, nil
		})
		if err != nil {
			return err
		}
		return h.store.Questions.Delete(ctx, question.ID, false)
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

func (h *Handler) questionRoom(id string) (models.Question, models.Room, bool) {
	question, ok := h.store.Questions.Get(id)
	if !ok {
		return models.Question{}, models.Room{}, false
	}
	room, ok := h.store.RoomOfQuestion(id)
	if !ok {
		return models.Question{}, models.Room{}, false
	}
	return question, room, true
}
