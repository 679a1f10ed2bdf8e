package debughttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDebugMuxServesPprofIndex(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
	rr := httptest.NewRecorder()

	newDebugMux(nil).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "profile?debug=1") {
		t.Fatalf("expected pprof index body, got %q", rr.Body.String())
	}
}

func TestDebugMuxServesStats(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/debug/stats", nil)
	rr := httptest.NewRecorder()

	newDebugMux(func() map[string]int { return map[string]int{"connections": 3} }).ServeHTTP(rr, req)

	var got map[string]int
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["connections"] != 3 {
		t.Fatalf("expected 3 connections, got %v", got)
	}
}

func TestStartServerDisabledWithoutAddr(t *testing.T) {
	t.Parallel()

	if err := StartServer(context.Background(), "  ", nil, nil); err != nil {
		t.Fatalf("expected empty addr to be a no-op, got %v", err)
	}
}
