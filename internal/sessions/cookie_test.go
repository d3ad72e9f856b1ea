package sessions_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/consensio/backend/internal/sessions"
)

func issueCookie(t *testing.T, permanent bool) *http.Cookie {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	sessions.SetSessionCookie(c, "abc123", permanent)

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies issued = %d, want 1", len(cookies))
	}
	return cookies[0]
}

func TestSetSessionCookieTransient(t *testing.T) {
	cookie := issueCookie(t, false)
	if cookie.Name != sessions.CookieName || cookie.Value != "abc123" {
		t.Errorf("cookie = %s=%s", cookie.Name, cookie.Value)
	}
	if cookie.Path != "/" {
		t.Errorf("Path = %q", cookie.Path)
	}
	if !cookie.HttpOnly {
		t.Error("cookie not HttpOnly")
	}
	if cookie.SameSite != http.SameSiteLaxMode {
		t.Errorf("SameSite = %v", cookie.SameSite)
	}
	// Browser-session cookie: no max-age.
	if cookie.MaxAge != 0 {
		t.Errorf("transient MaxAge = %d, want 0", cookie.MaxAge)
	}
}

func TestSetSessionCookiePermanent(t *testing.T) {
	cookie := issueCookie(t, true)
	if cookie.MaxAge != 365*24*60*60 {
		t.Errorf("permanent MaxAge = %d, want one year", cookie.MaxAge)
	}
}

func TestClearSessionCookie(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	sessions.ClearSessionCookie(c)

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Fatalf("clearing should issue one expired cookie, got %+v", cookies)
	}
}
