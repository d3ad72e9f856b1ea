package state

import (
	"github.com/consensio/backend/internal/models"
)

// Censor projects the authoritative state into the view one session may
// see. Every datum crossing the wire goes through it; the fan-out layer
// never serializes raw store state.
type Censor struct {
	store           *Store
	session         *models.UserSession
	user            *models.User
	presenterActive bool
}

// NewCensor builds a censor for the given session. session and user may be
// nil for anonymous connections; presenterActive reports whether the session
// currently has a presenter window open.
func NewCensor(store *Store, session *models.UserSession, user *models.User, presenterActive bool) *Censor {
	return &Censor{store: store, session: session, user: user, presenterActive: presenterActive}
}

// SentState assembles the censored view.
func (c *Censor) SentState() SentState {
	out := newSentState()
	out.Session = c.session
	out.PresenterWindowActive = c.presenterActive

	if c.user != nil {
		out.Users[c.user.ID] = *c.user
	}

	for _, room := range c.store.Rooms.All() {
		if !room.HasPermission(c.user, models.PermViewQuestions) {
			continue
		}
		out.Rooms[room.ID] = c.censorRoom(room, &out)
	}

	return out
}

// censorRoom trims a room to what the session user may see and pulls its
// visible questions (with their per-question data) into the state.
func (c *Censor) censorRoom(room models.Room, out *SentState) models.Room {
	seeHidden := room.HasPermission(c.user, models.PermViewHiddenQuestions)
	seeMembers := room.HasPermission(c.user, models.PermManageMembers)
	seeTokens := room.HasPermission(c.user, models.PermViewAllInviteTokens)
	seeComments := room.HasPermission(c.user, models.PermViewComments)
	seeResolutions := room.HasPermission(c.user, models.PermViewAllResolutions)

	censored := room
	censored.Questions = nil
	censored.Members = nil
	censored.InviteLinks = nil

	for _, ref := range room.Questions {
		q, ok := ref.Deref(c.store)
		if !ok {
			continue
		}
		if !q.Visible && !seeHidden {
			continue
		}
		censored.Questions = append(censored.Questions, ref)
		out.Questions[q.ID] = c.censorQuestion(q, seeResolutions)
		c.fillQuestionData(q, seeComments, out)
	}

	for _, m := range room.Members {
		self := c.user != nil && m.User.Is(*c.user)
		if !seeMembers && !self {
			continue
		}
		censored.Members = append(censored.Members, m)
		if u, ok := m.User.Deref(c.store); ok {
			out.Users[u.ID] = c.censorUser(u)
		}
	}

	for _, l := range room.InviteLinks {
		self := c.user != nil && l.CreatedBy.Is(*c.user)
		if !seeTokens && !self {
			// Members still learn the link exists so joined-via labels
			// render, but never its token.
			l.Token = ""
		}
		censored.InviteLinks = append(censored.InviteLinks, l)
	}

	return censored
}

// censorQuestion hides unpublished resolutions. A resolution that has been
// entered but not yet published is visible only with the room-wide
// resolution permission.
func (c *Censor) censorQuestion(q models.Question, seeResolutions bool) models.Question {
	if !q.Resolved && !seeResolutions {
		q.Resolution = nil
	}
	return q
}

func (c *Censor) fillQuestionData(q models.Question, seeComments bool, out *SentState) {
	if c.user != nil {
		if p, ok := c.store.UserPrediction(q.ID, c.user.ID); ok {
			out.MyPredictions[q.ID] = p
		}
	}
	if g := c.store.GroupPrediction(q.ID); g != nil {
		out.GroupPred[q.ID] = *g
	}
	out.PredictorCount[q.ID] = c.store.PredictorCount(q.ID)
	out.PredictionCount[q.ID] = c.store.PredictionCount(q.ID)

	if seeComments {
		for _, cm := range c.store.QuestionComments(q.ID) {
			out.Comments[cm.ID] = cm
			if u, ok := cm.User.Deref(c.store); ok {
				out.Users[u.ID] = c.censorUser(u)
			}
		}
	}
}

// censorUser scrubs private fields from everyone except the session user.
func (c *Censor) censorUser(u models.User) models.User {
	if c.user != nil && c.user.ID == u.ID {
		return u
	}
	u.Email = ""
	u.EmailVerified = false
	return u
}
