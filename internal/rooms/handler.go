package rooms

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/consensio/backend/internal/entity"
	"github.com/consensio/backend/internal/models"
	"github.com/consensio/backend/internal/sessions"
	"github.com/consensio/backend/internal/state"
	"github.com/consensio/backend/pkg/response"
)

// CreateRequest is the body for POST /rooms.
type CreateRequest struct {
	Name        string `json:"name" binding:"required,max=100"`
	Description string `json:"description" binding:"max=2000"`
}

// UpdateRequest is the body for PATCH /rooms/:id.
type UpdateRequest struct {
	Name        *string `json:"name" binding:"omitempty,max=100"`
	Description *string `json:"description" binding:"omitempty,max=2000"`
}

// SetRoleRequest is the body for PUT /rooms/:id/members/:userID.
type SetRoleRequest struct {
	Role models.RoomRole `json:"role" binding:"required"`
}

// Handler handles room CRUD and membership management.
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

// Create handles POST /rooms. The creator becomes the room's owner.
func (h *Handler) Create(c *gin.Context) {
	user := h.currentUser(c)
	if user == nil {
		response.Unauthorized(c, "not logged in")
		return
	}
	if user.Type == models.UserTypeGuest {
		response.Forbidden(c, "guests cannot create rooms")
		return
	}

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	id := entity.NewID()
	room := models.Room{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		CreatedAt:   time.Now(),
		Color:       models.ColorFromID(id),
		Members: []models.RoomMembership{
			{User: entity.NewRef(*user), Role: models.RoleOwner},
		},
	}
	created, err := h.store.Rooms.Create(c.Request.Context(), room)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.logger.Info("room created", zap.String("room_id", created.ID), zap.String("owner", user.ID))
	response.Created(c, created)
}

// Update handles PATCH /rooms/:id.
func (h *Handler) Update(c *gin.Context) {
	user := h.currentUser(c)
	room, ok := h.store.Rooms.Get(c.Param("id"))
	if !ok {
		response.NotFound(c, "room not found")
		return
	}
	if !room.HasPermission(user, models.PermManageMembers) {
		response.Forbidden(c, "not allowed to edit this room")
		return
	}

	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	updated, err := h.store.Rooms.Modify(c.Request.Context(), room.ID, func(r models.Room) (models.Room, error) {
		if req.Name != nil {
			r.Name = *req.Name
		}
		if req.Description != nil {
			r.Description = *req.Description
		}
		return r, nil
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, updated)
}

// SetMemberRole handles PUT /rooms/:id/members/:userID. The actor's role
// must outrank both the member's current role and the requested one.
func (h *Handler) SetMemberRole(c *gin.Context) {
	user := h.currentUser(c)
	room, ok := h.store.Rooms.Get(c.Param("id"))
	if !ok {
		response.NotFound(c, "room not found")
		return
	}
	if !room.HasPermission(user, models.PermManageMembers) {
		response.Forbidden(c, "not allowed to manage members")
		return
	}

	var req SetRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Role.Valid() {
		response.BadRequest(c, "invalid role")
		return
	}

	actorRole, _ := room.UserRole(user)
	targetID := c.Param("userID")

	updated, err := h.store.Rooms.Modify(c.Request.Context(), room.ID, func(r models.Room) (models.Room, error) {
		// Copy before editing: the snapshot's slice must stay untouched.
		members := make([]models.RoomMembership, len(r.Members))
		copy(members, r.Members)
		for i, m := range members {
			if m.User.ID != targetID {
				continue
			}
			if !actorRole.CanChangeRole(m.Role) || !actorRole.CanChangeRole(req.Role) {
				return r, state.ErrUnauthorized
			}
			members[i].Role = req.Role
			r.Members = members
			return r, nil
		}
		if !actorRole.CanChangeRole(req.Role) {
			return r, state.ErrUnauthorized
		}
		if _, ok := h.store.Users.Get(targetID); !ok {
			return r, state.ErrNotFound
		}
		r.Members = append(members, models.RoomMembership{
			User: entity.RefTo[models.User](targetID),
			Role: req.Role,
		})
		return r, nil
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, updated)
}

// RemoveMember handles DELETE /rooms/:id/members/:userID.
func (h *Handler) RemoveMember(c *gin.Context) {
	user := h.currentUser(c)
	room, ok := h.store.Rooms.Get(c.Param("id"))
	if !ok {
		response.NotFound(c, "room not found")
		return
	}
	if !room.HasPermission(user, models.PermManageMembers) {
		response.Forbidden(c, "not allowed to manage members")
		return
	}

	actorRole, _ := room.UserRole(user)
	targetID := c.Param("userID")

	_, err := h.store.Rooms.Modify(c.Request.Context(), room.ID, func(r models.Room) (models.Room, error) {
		kept := make([]models.RoomMembership, 0, len(r.Members))
		removed := false
		for _, m := range r.Members {
			if m.User.ID == targetID {
				if !actorRole.CanChangeRole(m.Role) {
					return r, state.ErrUnauthorized
				}
				removed = true
				continue
			}
			kept = append(kept, m)
		}
		if !removed {
			return r, state.ErrNotFound
		}
		r.Members = kept
		return r, nil
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
