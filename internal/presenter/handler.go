package presenter

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/consensio/backend/internal/entity"
	"github.com/consensio/backend/internal/models"
	"github.com/consensio/backend/internal/sessions"
	"github.com/consensio/backend/internal/state"
	"github.com/consensio/backend/pkg/response"
)

// SetViewRequest is the body for PUT /presenter/view.
type SetViewRequest struct {
	RoomID     string `json:"roomId" binding:"required"`
	QuestionID string `json:"questionId"`
}

// AcceptRequest is the body for POST /presenter/accept.
type AcceptRequest struct {
	Token string `json:"token" binding:"required"`
}

// Handler handles presenter view control and share tokens.
type Handler struct {
	store     *state.Store
	tracker   *sessions.Tracker
	transient *sessions.TransientStore
	tokens    *TokenService
	logger    *zap.Logger
}

func NewHandler(store *state.Store, tracker *sessions.Tracker, transient *sessions.TransientStore, tokens *TokenService, logger *zap.Logger) *Handler {
	return &Handler{store: store, tracker: tracker, transient: transient, tokens: tokens, logger: logger}
}

// view validates a room/question pair against the caller's permissions and
// builds the presenter view.
func (h *Handler) view(user *models.User, roomID, questionID string) (*models.PresenterView, error) {
	room, ok := h.store.Rooms.Get(roomID)
	if !ok {
		return nil, state.ErrNotFound
	}
	if !room.HasPermission(user, models.PermViewQuestions) {
		return nil, state.ErrUnauthorized
	}
	roomRef := entity.NewRef(room)
	pv := &models.PresenterView{Room: &roomRef}
	if questionID != "" {
		if _, ok := h.store.Questions.Get(questionID); !ok {
			return nil, state.ErrNotFound
		}
		if owner, ok := h.store.RoomOfQuestion(questionID); !ok || owner.ID != room.ID {
			return nil, state.ErrNotFound
		}
		qRef := entity.RefTo[models.Question](questionID)
		pv.Question = &qRef
	}
	return pv, nil
}

func (h *Handler) setView(c *gin.Context, session models.UserSession, pv *models.PresenterView) error {
	_, err := h.tracker.Modify(c.Request.Context(), session.ID, func(s models.UserSession) (models.UserSession, error) {
		s.PresenterView = pv
		return s, nil
	})
	if err != nil {
		return err
	}
	h.transient.Refresh(session.ID)
	return nil
}

// SetView handles PUT /presenter/view: points the session's presenter
// windows at a room (and optionally a question).
func (h *Handler) SetView(c *gin.Context) {
	session, ok := sessions.FromContext(c)
	if !ok {
		response.Unauthorized(c, "no session")
		return
	}
	user := h.tracker.User(session)

	var req SetViewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	pv, err := h.view(user, req.RoomID, req.QuestionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := h.setView(c, session, pv); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, pv)
}

// ClearView handles DELETE /presenter/view.
func (h *Handler) ClearView(c *gin.Context) {
	session, ok := sessions.FromContext(c)
	if !ok {
		response.Unauthorized(c, "no session")
		return
	}
	if err := h.setView(c, session, nil); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Share handles POST /presenter/share: issues a token another device can
// present to adopt the caller's current presenter view.
func (h *Handler) Share(c *gin.Context) {
	session, ok := sessions.FromContext(c)
	if !ok {
		response.Unauthorized(c, "no session")
		return
	}
	current, ok := h.tracker.Get(session.ID)
	if !ok || current.PresenterView == nil || current.PresenterView.Room == nil {
		response.Conflict(c, "no presenter view to share")
		return
	}

	questionID := ""
	if current.PresenterView.Question != nil {
		questionID = current.PresenterView.Question.ID
	}
	token, err := h.tokens.Generate(current.PresenterView.Room.ID, questionID)
	if err != nil {
		response.Internal(c, "could not create share token")
		return
	}
	response.OK(c, gin.H{"token": token})
}

// Accept handles POST /presenter/accept: adopts a shared presenter view on
// this session. Permission is checked against the accepting user, not the
// sharer.
func (h *Handler) Accept(c *gin.Context) {
	session, ok := sessions.FromContext(c)
	if !ok {
		response.Unauthorized(c, "no session")
		return
	}
	user := h.tracker.User(session)

	var req AcceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	claims, err := h.tokens.Validate(req.Token)
	if err != nil {
		response.Unauthorized(c, "invalid or expired token")
		return
	}

	pv, err := h.view(user, claims.RoomID, claims.QuestionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := h.setView(c, session, pv); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, pv)
}
