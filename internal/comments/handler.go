package comments

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/consensio/backend/internal/entity"
	"github.com/consensio/backend/internal/models"
	"github.com/consensio/backend/internal/sessions"
	"github.com/consensio/backend/internal/state"
	"github.com/consensio/backend/pkg/response"
)

// CreateRequest is the body for POST /questions/:id/comments.
type CreateRequest struct {
	Content string `json:"content" binding:"required,max=5000"`
}

// Handler handles question comments.
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

// Create handles POST /questions/:id/comments.
func (h *Handler) Create(c *gin.Context) {
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
	if !room.HasPermission(user, models.PermPostComment) {
		response.Forbidden(c, "not allowed to comment here")
		return
	}

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		response.BadRequest(c, "comment content required")
		return
	}

	comment := models.Comment{
		ID:        entity.NewID(),
		Question:  entity.NewRef(question),
		User:      entity.NewRef(*user),
		Content:   strings.TrimSpace(req.Content),
		CreatedAt: time.Now(),
	}
	created, err := h.store.Comments.Create(c.Request.Context(), comment)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, created)
}

// Delete handles DELETE /comments/:id. Authors delete their own comments;
// question managers delete anyone's.
func (h *Handler) Delete(c *gin.Context) {
	user := h.currentUser(c)
	if user == nil {
		response.Unauthorized(c, "not logged in")
		return
	}
	comment, ok := h.store.Comments.Get(c.Param("id"))
	if !ok {
		response.NotFound(c, "comment not found")
		return
	}
	room, ok := h.store.RoomOfQuestion(comment.Question.ID)
	if !ok {
		response.NotFound(c, "comment not found")
		return
	}

	own := comment.User.Is(*user)
	if !own && !room.HasPermission(user, models.PermManageQuestions) {
		response.Forbidden(c, "not allowed to delete this comment")
		return
	}

	if err := h.store.Comments.Delete(c.Request.Context(), comment.ID, false); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
