package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCsrfProtectAllowsNoOrigin(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/board/tasks", nil)
	csrfProtect(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (no Origin header, e.g. curl/CLI caller)", rec.Code)
	}
}

func TestCsrfProtectAllowsLocalhostOrigin(t *testing.T) {
	for _, origin := range []string{"http://localhost:3000", "http://127.0.0.1:3000", "http://[::1]:3000"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/board/tasks", nil)
		req.Header.Set("Origin", origin)
		csrfProtect(okHandler()).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("origin %s: status = %d, want 200", origin, rec.Code)
		}
	}
}

func TestCsrfProtectRejectsForeignOrigin(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/board/tasks", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	csrfProtect(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestCsrfProtectAllowsGetRegardlessOfOrigin(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/board/tasks", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	csrfProtect(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (GET bypasses the Origin check)", rec.Code)
	}
}
