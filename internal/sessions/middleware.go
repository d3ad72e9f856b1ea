package sessions

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/consensio/backend/internal/models"
)

const ctxSessionKey = "userSession"

// Middleware resolves the session cookie into a live session, creating an
// anonymous one when the browser presents none (or a stale one). The session
// is stashed in the gin context for handlers. Resolution failures leave the
// request anonymous; the handlers downstream treat that as not logged in.
func Middleware(tracker *Tracker, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := ""
		if cookie, err := c.Cookie(CookieName); err == nil {
			presented = cookie
		}
		session, created, err := tracker.GetOrCreate(c.Request.Context(), presented)
		if err != nil {
			logger.Error("session resolution failed",
				zap.String("path", c.Request.URL.Path),
				zap.Error(err),
			)
			c.Next()
			return
		}
		if created {
			SetSessionCookie(c, session.ID, session.Validity == models.ValidityPermanent)
		}
		c.Set(ctxSessionKey, session)
		c.Next()
	}
}

// FromContext returns the session placed by Middleware.
func FromContext(c *gin.Context) (models.UserSession, bool) {
	v, ok := c.Get(ctxSessionKey)
	if !ok {
		return models.UserSession{}, false
	}
	s, ok := v.(models.UserSession)
	return s, ok
}
