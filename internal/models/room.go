package models

import (
	"time"

	"github.com/consensio/backend/internal/entity"
)

// RoomPermission is a single capability inside a room.
type RoomPermission string

const (
	PermViewQuestions             RoomPermission = "view_questions"
	PermViewHiddenQuestions       RoomPermission = "view_hidden_questions"
	PermSubmitPrediction          RoomPermission = "submit_prediction"
	PermAddQuestion               RoomPermission = "add_question"
	PermManageQuestions           RoomPermission = "manage_questions"
	PermManageMembers             RoomPermission = "manage_members"
	PermCreateInviteLink          RoomPermission = "create_invite_link"
	PermViewAllInviteTokens       RoomPermission = "view_all_invite_tokens"
	PermViewAllResolutions        RoomPermission = "view_all_resolutions"
	PermViewIndividualPredictions RoomPermission = "view_individual_predictions"
	PermViewComments              RoomPermission = "view_comments"
	PermPostComment               RoomPermission = "post_comment"
)

// RoomRole is one of the fixed room roles. Roles are a closed enumeration,
// each mapped to a precomputed permission set; they are not user-definable.
type RoomRole string

const (
	RoleViewer     RoomRole = "viewer"
	RoleForecaster RoomRole = "forecaster"
	RoleModerator  RoomRole = "moderator"
	RoleOwner      RoomRole = "owner"
)

var rolePermissions = buildRolePermissions()

func buildRolePermissions() map[RoomRole]map[RoomPermission]bool {
	viewer := permSet(PermViewQuestions, PermViewComments)
	forecaster := permSet(
		PermViewQuestions, PermViewComments,
		PermSubmitPrediction, PermPostComment,
	)
	moderator := permSet(
		PermViewQuestions, PermViewComments,
		PermSubmitPrediction, PermPostComment,
		PermAddQuestion, PermViewHiddenQuestions, PermManageQuestions,
		PermManageMembers, PermCreateInviteLink, PermViewAllInviteTokens,
		PermViewAllResolutions, PermViewIndividualPredictions,
	)
	owner := make(map[RoomPermission]bool)
	for p := range moderator {
		owner[p] = true
	}
	return map[RoomRole]map[RoomPermission]bool{
		RoleViewer:     viewer,
		RoleForecaster: forecaster,
		RoleModerator:  moderator,
		RoleOwner:      owner,
	}
}

func permSet(perms ...RoomPermission) map[RoomPermission]bool {
	m := make(map[RoomPermission]bool, len(perms))
	for _, p := range perms {
		m[p] = true
	}
	return m
}

// Valid reports whether the role is one of the known variants.
func (r RoomRole) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// HasPermission reports whether the role grants the permission.
func (r RoomRole) HasPermission(p RoomPermission) bool {
	return rolePermissions[r][p]
}

// CanChangeRole reports whether a member holding r may grant or revoke
// the other role. Moderators manage viewers and forecasters; only owners
// touch moderators and other owners.
func (r RoomRole) CanChangeRole(other RoomRole) bool {
	owner := r == RoleOwner
	moderator := owner || r == RoleModerator
	switch other {
	case RoleViewer, RoleForecaster:
		return moderator
	case RoleModerator, RoleOwner:
		return owner
	default:
		return false
	}
}

// InviteLinkState controls what an invite link still allows.
type InviteLinkState string

const (
	// InviteEnabled allows both joining and continued access.
	InviteEnabled InviteLinkState = "enabled"
	// InviteDisabledJoin blocks new joins but lets existing members stay.
	InviteDisabledJoin InviteLinkState = "disabled_join"
	// InviteDisabledFull revokes access for everyone who joined through it.
	InviteDisabledFull InviteLinkState = "disabled_full"
)

// InviteLink grants a role in a room to whoever presents its token.
type InviteLink struct {
	ID             string                `json:"id"`
	Token          string                `json:"token"`
	Description    string                `json:"description"`
	Role           RoomRole              `json:"role"`
	CreatedBy      entity.Ref[User]      `json:"createdBy"`
	CreatedAt      time.Time             `json:"createdAt"`
	AllowAnonymous bool                  `json:"allowAnonymous"`
	State          InviteLinkState       `json:"state"`
}

// CanJoin reports whether new users may still join through the link.
func (l InviteLink) CanJoin() bool { return l.State == InviteEnabled }

// CanAccess reports whether members who joined through the link keep access.
func (l InviteLink) CanAccess() bool { return l.State != InviteDisabledFull }

// RoomMembership ties a user to a room with a role, optionally recording the
// invite link it came from.
type RoomMembership struct {
	User       entity.Ref[User] `json:"user"`
	Role       RoomRole         `json:"role"`
	InvitedVia string           `json:"invitedVia,omitempty"` // invite link id
}

// RoomColor is a display color derived deterministically from the room id.
type RoomColor string

var roomColors = []RoomColor{
	"red", "orange", "yellow", "green", "cyan", "blue", "magenta", "gray",
}

// ColorFromID picks a stable color for a room id.
func ColorFromID(id string) RoomColor {
	base := 47
	for _, c := range id {
		base = (base*257 + int(c)) % 65537
	}
	return roomColors[base%len(roomColors)]
}

// Room groups questions and members. The question list is room-ordered and
// is never re-sorted by the server.
type Room struct {
	ID          string                   `json:"id"`
	Name        string                   `json:"name"`
	Description string                   `json:"description,omitempty"`
	CreatedAt   time.Time                `json:"createdAt"`
	Color       RoomColor                `json:"color,omitempty"`
	Questions   []entity.Ref[Question]   `json:"questions"`
	Members     []RoomMembership         `json:"members"`
	InviteLinks []InviteLink             `json:"inviteLinks"`
}

func (r Room) EntityID() string        { return r.ID }
func (r Room) EntityKind() entity.Kind { return entity.KindRoom }

// FindLink returns the invite link with the given id, if any.
func (r Room) FindLink(id string) (InviteLink, bool) {
	if id == "" {
		return InviteLink{}, false
	}
	for _, l := range r.InviteLinks {
		if l.ID == id {
			return l, true
		}
	}
	return InviteLink{}, false
}

// FindLinkByToken returns the invite link carrying the given token.
func (r Room) FindLinkByToken(token string) (InviteLink, bool) {
	if token == "" {
		return InviteLink{}, false
	}
	for _, l := range r.InviteLinks {
		if l.Token == token {
			return l, true
		}
	}
	return InviteLink{}, false
}

// UserRole returns the effective role of a user in the room. Platform
// admins are treated as owners.
func (r Room) UserRole(user *User) (RoomRole, bool) {
	if user == nil {
		return "", false
	}
	if user.IsAdmin() {
		return RoleOwner, true
	}
	for _, m := range r.Members {
		if m.User.Is(*user) {
			return m.Role, true
		}
	}
	return "", false
}

// HasPermission reports whether the user holds the permission in this room:
// true iff the user is a platform admin, or some membership matches the user,
// its invite link (if any) still permits access, and its role grants the
// permission. A nil user holds no permissions.
func (r Room) HasPermission(user *User, perm RoomPermission) bool {
	if user == nil {
		return false
	}
	if user.IsAdmin() {
		return true
	}
	// One user can hold multiple memberships.
	for _, m := range r.Members {
		if !m.User.Is(*user) {
			continue
		}
		if link, ok := r.FindLink(m.InvitedVia); ok && !link.CanAccess() {
			continue
		}
		if m.Role.HasPermission(perm) {
			return true
		}
	}
	return false
}
