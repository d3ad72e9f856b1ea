package realtime_test

import (
	"encoding/json"
	"testing"

	"github.com/consensio/backend/internal/realtime"
)

func TestLoadingFrameJSON(t *testing.T) {
	raw, err := json.Marshal(realtime.Loading())
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"type":"loading"}` {
		t.Errorf("loading frame = %s", raw)
	}
}

func TestOKFrameJSON(t *testing.T) {
	f, err := realtime.OK(map[string]int{"n": 3})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"type":"ok","data":{"n":3}}` {
		t.Errorf("ok frame = %s", raw)
	}
}

func TestErrFrameJSON(t *testing.T) {
	raw, err := json.Marshal(realtime.Err(realtime.ErrUnauthorized, "not yours"))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"err","errType":"UNAUTHORIZED","message":"not yours"}`
	if string(raw) != want {
		t.Errorf("err frame = %s, want %s", raw, want)
	}
}
