package response_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/consensio/backend/internal/state"
	"github.com/consensio/backend/pkg/response"
)

func sendError(t *testing.T, err error) (*httptest.ResponseRecorder, response.Body) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	response.Error(c, err)

	var body response.Body
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec, body
}

func TestErrorMapsStoreSentinels(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("room abc: %w", state.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("user ref: %w", state.ErrDanglingRef), http.StatusNotFound},
		{fmt.Errorf("room abc: %w", state.ErrConflict), http.StatusConflict},
		{fmt.Errorf("role change: %w", state.ErrUnauthorized), http.StatusForbidden},
		{fmt.Errorf("bad dist: %w", state.ErrValidation), http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec, body := sendError(t, tc.err)
		if rec.Code != tc.status {
			t.Errorf("%v -> status %d, want %d", tc.err, rec.Code, tc.status)
		}
		if body.Success || body.Error == "" {
			t.Errorf("%v -> body %+v", tc.err, body)
		}
	}
}

func TestErrorHidesUnexpectedDetail(t *testing.T) {
	wrapped := fmt.Errorf("store room/abc: %w",
		errors.New(`ERROR: relation "entities" does not exist (SQLSTATE 42P01)`))

	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	response.Error(c, wrapped)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "SQLSTATE") || strings.Contains(rec.Body.String(), "entities") {
		t.Errorf("backend detail leaked to client: %s", rec.Body.String())
	}

	var body response.Body
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error != "internal server error" {
		t.Errorf("client message = %q, want generic", body.Error)
	}

	// The real error stays on the context for the request logger.
	if len(c.Errors) != 1 || !strings.Contains(c.Errors[0].Error(), "SQLSTATE 42P01") {
		t.Errorf("context errors = %v", c.Errors)
	}
}
