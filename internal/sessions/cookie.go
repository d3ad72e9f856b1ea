package sessions

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CookieName is the single session cookie. One cookie covers both anonymous
// and logged-in sessions; login upgrades the record behind it in place.
const CookieName = "session"

const permanentCookieMaxAge = 365 * 24 * 60 * 60

// SetSessionCookie issues the session cookie. Permanent sessions get a
// year-long max-age; transient ones stay browser-session cookies.
func SetSessionCookie(c *gin.Context, id string, permanent bool) {
	maxAge := 0
	if permanent {
		maxAge = permanentCookieMaxAge
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie expires the session cookie.
func ClearSessionCookie(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
