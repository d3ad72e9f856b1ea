package invites

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/consensio/backend/internal/entity"
	"github.com/consensio/backend/internal/models"
	"github.com/consensio/backend/internal/sessions"
	"github.com/consensio/backend/internal/state"
	"github.com/consensio/backend/pkg/redis"
	"github.com/consensio/backend/pkg/response"
)

const (
	// shortlinkTTL bounds how long a numeric join code stays valid.
	shortlinkTTL = 30 * time.Minute
	shortlinkKey = "invite:shortlink:"
	tokenLength  = 20
)

// CreateRequest is the body for POST /rooms/:id/invites.
type CreateRequest struct {
	Description    string          `json:"description" binding:"max=200"`
	Role           models.RoomRole `json:"role" binding:"required"`
	AllowAnonymous bool            `json:"allowAnonymous"`
}

// UpdateRequest is the body for PATCH /rooms/:id/invites/:linkID.
type UpdateRequest struct {
	State models.InviteLinkState `json:"state" binding:"required"`
}

// ShortlinkRequest is the body for POST /invites/shortlink.
type ShortlinkRequest struct {
	RoomID string `json:"roomId" binding:"required"`
	LinkID string `json:"linkId" binding:"required"`
}

// JoinRequest is the body for POST /invites/join.
type JoinRequest struct {
	RoomID string `json:"roomId" binding:"required"`
	Token  string `json:"token" binding:"required"`
	// Nick names the guest account created for anonymous joins.
	Nick string `json:"nick" binding:"max=64"`
}

// Handler handles invite link management and the join flow.
type Handler struct {
	store   *state.Store
	tracker *sessions.Tracker
	rdb     *redis.Client
	logger  *zap.Logger
}

func NewHandler(store *state.Store, tracker *sessions.Tracker, rdb *redis.Client, logger *zap.Logger) *Handler {
	return &Handler{store: store, tracker: tracker, rdb: rdb, logger: logger}
}

func (h *Handler) currentUser(c *gin.Context) *models.User {
	session, ok := sessions.FromContext(c)
	if !ok {
		return nil
	}
	return h.tracker.User(session)
}

// newToken returns a random url-safe invite token.
func newToken() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	var b strings.Builder
	for i := 0; i < tokenLength; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			panic(fmt.Sprintf("invites: token entropy unavailable: %v", err))
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String()
}

// Create handles POST /rooms/:id/invites. The granted role may not outrank
// what the creator could assign directly.
func (h *Handler) Create(c *gin.Context) {
	user := h.currentUser(c)
	room, ok := h.store.Rooms.Get(c.Param("id"))
	if !ok {
		response.NotFound(c, "room not found")
		return
	}
	if !room.HasPermission(user, models.PermCreateInviteLink) {
		response.Forbidden(c, "not allowed to create invite links")
		return
	}

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Role.Valid() {
		response.BadRequest(c, "invalid invite link request")
		return
	}
	actorRole, _ := room.UserRole(user)
	if !actorRole.CanChangeRole(req.Role) {
		response.Forbidden(c, "cannot grant a role you do not control")
		return
	}

	link := models.InviteLink{
		ID:             entity.NewID(),
		Token:          newToken(),
		Description:    req.Description,
		Role:           req.Role,
		CreatedBy:      entity.NewRef(*user),
		CreatedAt:      time.Now(),
		AllowAnonymous: req.AllowAnonymous,
		State:          models.InviteEnabled,
	}

	_, err := h.store.Rooms.Modify(c.Request.Context(), room.ID, func(r models.Room) (models.Room, error) {
		links := make([]models.InviteLink, len(r.InviteLinks), len(r.InviteLinks)+1)
		copy(links, r.InviteLinks)
		r.InviteLinks = append(links, link)
		return r, nil
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, link)
}

// Update handles PATCH /rooms/:id/invites/:linkID: state transitions only.
func (h *Handler) Update(c *gin.Context) {
	user := h.currentUser(c)
	room, ok := h.store.Rooms.Get(c.Param("id"))
	if !ok {
		response.NotFound(c, "room not found")
		return
	}
	if !room.HasPermission(user, models.PermCreateInviteLink) {
		response.Forbidden(c, "not allowed to manage invite links")
		return
	}

	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	switch req.State {
	case models.InviteEnabled, models.InviteDisabledJoin, models.InviteDisabledFull:
	default:
		response.BadRequest(c, "unknown invite link state")
		return
	}

	linkID := c.Param("linkID")
	updated, err := h.store.Rooms.Modify(c.Request.Context(), room.ID, func(r models.Room) (models.Room, error) {
		links := make([]models.InviteLink, len(r.InviteLinks))
		copy(links, r.InviteLinks)
		for i := range links {
			if links[i].ID == linkID {
				links[i].State = req.State
				r.InviteLinks = links
				return r, nil
			}
		}
		return r, state.ErrNotFound
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, updated)
}

// CreateShortlink handles POST /invites/shortlink: a six-digit code that
// resolves to the full invite for a limited time, for reading out loud.
func (h *Handler) CreateShortlink(c *gin.Context) {
	user := h.currentUser(c)

	var req ShortlinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	room, ok := h.store.Rooms.Get(req.RoomID)
	if !ok {
		response.NotFound(c, "room not found")
		return
	}
	if !room.HasPermission(user, models.PermCreateInviteLink) {
		response.Forbidden(c, "not allowed to share invite links")
		return
	}
	link, ok := room.FindLink(req.LinkID)
	if !ok {
		response.NotFound(c, "invite link not found")
		return
	}

	code, err := h.storeShortlink(c.Request.Context(), room.ID, link.Token)
	if err != nil {
		response.Internal(c, "could not create shortlink")
		return
	}
	response.OK(c, gin.H{"code": code, "expiresIn": int(shortlinkTTL.Seconds())})
}

func (h *Handler) storeShortlink(ctx context.Context, roomID, token string) (string, error) {
	// Retry on collision; six digits gives a million slots.
	for attempt := 0; attempt < 5; attempt++ {
		n, err := rand.Int(rand.Reader, big.NewInt(1000000))
		if err != nil {
			return "", err
		}
		code := fmt.Sprintf("%06d", n.Int64())
		set, err := h.rdb.SetNX(ctx, shortlinkKey+code, roomID+":"+token, shortlinkTTL).Result()
		if err != nil {
			return "", err
		}
		if set {
			return code, nil
		}
	}
	return "", fmt.Errorf("shortlink space exhausted")
}

// ResolveShortlink handles GET /invites/shortlink/:code.
func (h *Handler) ResolveShortlink(c *gin.Context) {
	code := c.Param("code")
	val, err := h.rdb.Get(c.Request.Context(), shortlinkKey+code).Result()
	if err == goredis.Nil {
		response.NotFound(c, "unknown or expired code")
		return
	}
	if err != nil {
		response.Internal(c, "could not resolve shortlink")
		return
	}
	parts := strings.SplitN(val, ":", 2)
	if len(parts) != 2 {
		response.Internal(c, "malformed shortlink")
		return
	}
	response.OK(c, gin.H{"roomId": parts[0], "token": parts[1]})
}

// Join handles POST /invites/join: adds the session user to the room via an
// invite token, creating a guest account first when the session is
// anonymous and the link allows it.
func (h *Handler) Join(c *gin.Context) {
	session, ok := sessions.FromContext(c)
	if !ok {
		response.Unauthorized(c, "no session")
		return
	}
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	room, ok := h.store.Rooms.Get(req.RoomID)
	if !ok {
		response.NotFound(c, "room not found")
		return
	}
	link, ok := room.FindLinkByToken(req.Token)
	if !ok {
		response.NotFound(c, "invalid invite token")
		return
	}
	if !link.CanJoin() {
		response.Forbidden(c, "this invite link no longer accepts joins")
		return
	}

	user := h.tracker.User(session)
	if user == nil && !link.AllowAnonymous {
		response.Unauthorized(c, "this invite link requires an account")
		return
	}

	err := h.store.WithTransaction(c.Request.Context(), func(ctx context.Context) error {
		if user == nil {
			guest := models.User{
				ID:        entity.NewID(),
				Type:      models.UserTypeGuest,
				Nick:      strings.TrimSpace(req.Nick),
				CreatedAt: time.Now(),
			}
			created, err := h.store.Users.Create(ctx, guest)
			if err != nil {
				return err
			}
			user = &created
			_, err = h.tracker.Modify(ctx, session.ID, func(s models.UserSession) (models.UserSession, error) {
				ref := entity.NewRef(created)
				s.User = &ref
				return s, nil
			})
			if err != nil {
				return err
			}
		}

		_, err := h.store.Rooms.Modify(ctx, room.ID, func(r models.Room) (models.Room, error) {
			for _, m := range r.Members {
				if m.User.Is(*user) {
					return r, state.ErrConflict
				}
			}
			members := make([]models.RoomMembership, len(r.Members), len(r.Members)+1)
			copy(members, r.Members)
			r.Members = append(members, models.RoomMembership{
				User:       entity.NewRef(*user),
				Role:       link.Role,
				InvitedVia: link.ID,
			})
			return r, nil
		})
		return err
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	h.logger.Info("user joined via invite",
		zap.String("room_id", room.ID),
		zap.String("user_id", user.ID),
		zap.String("link_id", link.ID),
	)
	response.OK(c, gin.H{"room": room.ID, "role": link.Role, "user": user.ID})
}
