package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Klingon-tech/recurve-relayer/internal/log"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestState_Transitions(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewStateWithClock(c.now)

	r := s.Snapshot()
	if r.Status != StatusOK || r.LastCheck != nil || r.Service != ServiceName {
		t.Errorf("initial report = %+v", r)
	}

	c.t = c.t.Add(90 * time.Second)
	s.MarkError(c.t, errors.New("no ledger endpoint available"))
	r = s.Snapshot()
	if r.Status != StatusError || r.LastCheck == nil || !r.LastCheck.Equal(c.t) {
		t.Errorf("after error = %+v", r)
	}
	if r.Uptime != 90 {
		t.Errorf("Uptime = %v, want 90", r.Uptime)
	}
	if r.Error == "" {
		t.Error("error report should carry the cause")
	}

	s.MarkOK(c.t.Add(time.Second))
	if r := s.Snapshot(); r.Status != StatusOK || r.Error != "" {
		t.Errorf("after recovery = %+v", r)
	}
}

func TestHandler_Routes(t *testing.T) {
	state := NewState()
	srv := NewServer("127.0.0.1:0", state, log.Nop())
	h := srv.Handler()

	tests := []struct {
		path string
		code int
	}{
		{"/health", http.StatusOK},
		{"/", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/status", http.StatusNotFound},
		{"/health/extra", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.code {
			t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.code)
		}
	}
}

func TestHandler_Body(t *testing.T) {
	state := NewState()
	state.MarkOK(time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))
	h := NewServer("127.0.0.1:0", state, log.Nop()).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["service"] != ServiceName {
		t.Errorf("body = %v", body)
	}
	if body["lastCheck"] != "2026-10-19T12:00:00Z" {
		t.Errorf("lastCheck = %v", body["lastCheck"])
	}
	if _, ok := body["uptime"].(float64); !ok {
		t.Errorf("uptime = %v, want a number", body["uptime"])
	}
}

func TestHandler_NullLastCheck(t *testing.T) {
	h := NewServer("127.0.0.1:0", NewState(), log.Nop()).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !strings.Contains(rec.Body.String(), `"lastCheck":null`) {
		t.Errorf("body = %s, want lastCheck null before the first tick", rec.Body.String())
	}
}

func TestServerAndClient(t *testing.T) {
	state := NewState()
	state.MarkError(time.Now(), errors.New("boom"))

	srv := NewServer("127.0.0.1:0", state, log.Nop())
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	r, err := NewClient("http://" + srv.Addr() + "/").Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if r.Status != StatusError || r.Error != "boom" {
		t.Errorf("report = %+v", r)
	}
}

func TestClient_NonOK(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	_, err := NewClient(ts.URL).Status()
	var se *HTTPError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Errorf("Status() error = %v, want HTTPError 404", err)
	}
}
