package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRecovery(t *testing.T) {
	handler := Recovery()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON envelope, got %s", ct)
	}

	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not the error envelope: %v", err)
	}
	if body.Success {
		t.Error("envelope should report success=false")
	}
	if body.Error == "" {
		t.Error("envelope should carry an error message")
	}
}

func TestRecoveryWithConfig(t *testing.T) {
	var loggedErr interface{}
	var loggedStack []byte

	cfg := RecoveryConfig{
		PrintStack: true,
		LogFunc: func(err interface{}, stack []byte) {
			loggedErr = err
			loggedStack = stack
		},
	}

	handler := RecoveryWithConfig(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("custom panic")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

	if loggedErr != "custom panic" {
		t.Errorf("expected 'custom panic', got %v", loggedErr)
	}
	if len(loggedStack) == 0 {
		t.Error("expected stack trace to be captured")
	}
}

func TestRecoveryNoPanic(t *testing.T) {
	handler := Recovery()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("success"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "success" {
		t.Errorf("expected 'success', got %s", rec.Body.String())
	}
}

func TestRecoveryWithoutStack(t *testing.T) {
	var loggedStack []byte
	var logCalled bool

	cfg := RecoveryConfig{
		PrintStack: false,
		LogFunc: func(err interface{}, stack []byte) {
			logCalled = true
			loggedStack = stack
		},
	}

	handler := RecoveryWithConfig(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("no-stack panic")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

	if !logCalled {
		t.Error("LogFunc should have been called")
	}
	if len(loggedStack) != 0 {
		t.Errorf("expected empty stack trace when PrintStack=false, got %d bytes", len(loggedStack))
	}
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestRecoveryNilLogFunc(t *testing.T) {
	cfg := RecoveryConfig{
		PrintStack: false,
		LogFunc:    nil,
	}

	handler := RecoveryWithConfig(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("nil-log panic")
	}))

	rec := httptest.NewRecorder()

	// Must not re-panic even with nothing to log to.
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}
