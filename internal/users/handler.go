package users

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/consensio/backend/internal/models"
	"github.com/consensio/backend/internal/sessions"
	"github.com/consensio/backend/internal/state"
	"github.com/consensio/backend/pkg/response"
)

// LoginRequest is the body for POST /login.
type LoginRequest struct {
	Email     string `json:"email" binding:"required,email"`
	Permanent bool   `json:"permanent"`
}

// UpdateProfileRequest is the body for PATCH /profile.
type UpdateProfileRequest struct {
	Nick string `json:"nick" binding:"required,max=64"`
}

// Handler handles login, logout and profile endpoints.
type Handler struct {
	store   *state.Store
	tracker *sessions.Tracker
	logger  *zap.Logger
}

func NewHandler(store *state.Store, tracker *sessions.Tracker, logger *zap.Logger) *Handler {
	return &Handler{store: store, tracker: tracker, logger: logger}
}

// Login handles POST /login: binds a known user to the current session.
func (h *Handler) Login(c *gin.Context) {
	session, ok := sessions.FromContext(c)
	if !ok {
		response.Unauthorized(c, "no session")
		return
	}

	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	user, found := h.store.UserByEmail(req.Email)
	if !found {
		response.NotFound(c, "no account with this email")
		return
	}

	updated, err := h.tracker.Login(c.Request.Context(), session.ID, user, req.Permanent)
	if err != nil {
		response.Error(c, err)
		return
	}
	sessions.SetSessionCookie(c, updated.ID, req.Permanent)

	h.logger.Info("user logged in", zap.String("user_id", user.ID), zap.String("session", session.ID))
	response.OK(c, gin.H{"user": user.ID})
}

// Logout handles POST /logout: detaches the user but keeps the session.
func (h *Handler) Logout(c *gin.Context) {
	session, ok := sessions.FromContext(c)
	if !ok {
		response.Unauthorized(c, "no session")
		return
	}
	if err := h.tracker.Logout(c.Request.Context(), session.ID); err != nil {
		response.Error(c, err)
		return
	}
	sessions.SetSessionCookie(c, session.ID, false)
	response.NoContent(c)
}

// Profile handles GET /profile.
func (h *Handler) Profile(c *gin.Context) {
	session, ok := sessions.FromContext(c)
	if !ok {
		response.Unauthorized(c, "no session")
		return
	}
	user := h.tracker.User(session)
	if user == nil {
		response.Unauthorized(c, "not logged in")
		return
	}
	response.OK(c, user)
}

// UpdateProfile handles PATCH /profile.
func (h *Handler) UpdateProfile(c *gin.Context) {
	session, ok := sessions.FromContext(c)
	if !ok {
		response.Unauthorized(c, "no session")
		return
	}
	user := h.tracker.User(session)
	if user == nil {
		response.Unauthorized(c, "not logged in")
		return
	}

	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	updated, err := h.store.Users.Modify(c.Request.Context(), user.ID, func(u models.User) (models.User, error) {
		u.Nick = req.Nick
		return u, nil
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, updated)
}
