package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/rwasmd/rwasmd/rlang"
	"github.com/rwasmd/rwasmd/runtime"
	"github.com/rwasmd/rwasmd/service"
)

// newTestMux builds the serve mux on a manager whose interpreter image
// does not exist, so any path that reaches the runtime fails cleanly.
func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()
	logger := log.New(io.Discard)
	mgr := runtime.NewManager(
		rlang.New(rlang.Config{WasmPath: "/nonexistent/R.wasm"}),
		runtime.Config{ScratchDir: t.TempDir()},
		logger,
	)
	t.Cleanup(func() { mgr.Close() })
	svc := service.New(mgr, service.Config{}, logger)
	return newServeMux(svc, logger, 1024*1024)
}

func TestHealthEndpoint(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var h service.Health
	if err := json.NewDecoder(rec.Body).Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Status != "ok" {
		t.Errorf("status field = %q", h.Status)
	}
	// The probe must never kick off initialization.
	if h.RuntimeReady {
		t.Error("runtimeReady = true without any execute")
	}
}

func TestHealthEndpointMethodNotAllowed(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest(http.MethodPost, "/api/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestExecuteEndpointRejectsEmptyCode(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest(http.MethodPost, "/api/execute",
		strings.NewReader(`{"code":""}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp service.Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Success || resp.Error == nil {
		t.Errorf("resp = %+v", resp)
	}
}

func TestExecuteEndpointRejectsInvalidJSON(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest(http.MethodPost, "/api/execute",
		strings.NewReader(`{"code": `))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestExecuteEndpointMethodNotAllowed(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest(http.MethodGet, "/api/execute", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestExecuteEndpointBackendFailure(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest(http.MethodPost, "/api/execute",
		strings.NewReader(`{"code":"1+1"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp service.Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// The client sees a generic message, not internal detail.
	if resp.Error == nil || strings.Contains(*resp.Error, "nonexistent") {
		t.Errorf("error leaked internals: %v", resp.Error)
	}
}

func TestExecuteEndpointBodyLimit(t *testing.T) {
	logger := log.New(io.Discard)
	mgr := runtime.NewManager(
		rlang.New(rlang.Config{WasmPath: "/nonexistent/R.wasm"}),
		runtime.Config{ScratchDir: t.TempDir()},
		logger,
	)
	t.Cleanup(func() { mgr.Close() })
	svc := service.New(mgr, service.Config{}, logger)
	mux := newServeMux(svc, logger, 64)

	big := `{"code":"` + strings.Repeat("x", 1024) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/execute", strings.NewReader(big))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for oversized body", rec.Code)
	}
}
