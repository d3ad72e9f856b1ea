package sessions_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/consensio/backend/internal/entity"
	"github.com/consensio/backend/internal/sessions"
	"github.com/consensio/backend/internal/state"
)

// brokenBackend refuses writes, simulating a storage outage during
// anonymous session creation.
type brokenBackend struct {
	state.Backend
}

func (brokenBackend) PutDoc(context.Context, entity.Kind, string, []byte) error {
	return errors.New("storage unavailable")
}

func serveOnce(t *testing.T, tracker *sessions.Tracker, logger *zap.Logger) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(sessions.Middleware(tracker, logger))

	hadSession := false
	router.GET("/", func(c *gin.Context) {
		_, hadSession = sessions.FromContext(c)
		c.Status(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	return rec, hadSession
}

func TestMiddlewareCreatesAnonymousSession(t *testing.T) {
	tr, _, _ := newTracker(t)

	rec, hadSession := serveOnce(t, tr, zap.NewNop())
	if !hadSession {
		t.Error("handler saw no session")
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != sessions.CookieName {
		t.Errorf("cookies = %+v, want one session cookie", cookies)
	}
}

func TestMiddlewareLogsSessionCreationFailure(t *testing.T) {
	store := state.NewStore(brokenBackend{state.NewMemoryBackend()}, zap.NewNop())
	transient := sessions.NewTransientStore()
	tracker := sessions.NewTracker(store, transient, zap.NewNop())

	core, logs := observer.New(zap.ErrorLevel)
	rec, hadSession := serveOnce(t, tracker, zap.New(core))

	// The request proceeds anonymously instead of failing.
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if hadSession {
		t.Error("broken storage should leave the request without a session")
	}

	entries := logs.FilterMessage("session resolution failed").All()
	if len(entries) != 1 {
		t.Fatalf("error logs = %d, want 1", len(entries))
	}
}
