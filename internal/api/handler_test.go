//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/poten/internal/config"
	"github.com/ashureev/poten/internal/identity"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusTeapot, "short and stout")

	if w.Code != http.StatusTeapot {
		t.Errorf("Expected status 418, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}
	var got map[string]string
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["error"] != "short and stout" {
		t.Errorf("Unexpected error message %q", got["error"])
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Message string `json:"message"`
	}

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"message":"hi"}`))
	if err := DecodeJSON(httptest.NewRecorder(), r, &v); err != nil {
		t.Fatalf("DecodeJSON failed: %v", err)
	}
	if v.Message != "hi" {
		t.Errorf("Expected hi, got %q", v.Message)
	}

	r = httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	if err := DecodeJSON(httptest.NewRecorder(), r, &v); err != nil {
		t.Errorf("Empty body should decode cleanly, got %v", err)
	}

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"message":`))
	if err := DecodeJSON(httptest.NewRecorder(), r, &v); err == nil {
		t.Error("Expected error for truncated JSON")
	}

	big := `{"message":"` + strings.Repeat("a", DefaultMaxBodySize) + `"}`
	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(big))
	if err := DecodeJSON(httptest.NewRecorder(), r, &v); !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("Expected ErrBodyTooLarge, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	ok := PingFunc(func(context.Context) error { return nil })
	down := PingFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name   string
		checks map[string]Pinger
		want   int
		status string
	}{
		{"all healthy", map[string]Pinger{"database": ok}, http.StatusOK, "healthy"},
		{"database down", map[string]Pinger{"database": down, "tokens": ok}, http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			NewHealthHandler(tt.checks).Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
			var got struct {
				Status string            `json:"status"`
				Checks map[string]string `json:"checks"`
			}
			if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if got.Status != tt.status {
				t.Errorf("Expected status %q, got %q", tt.status, got.Status)
			}
			if got.Checks["api"] != "ok" {
				t.Errorf("Expected api check ok, got %q", got.Checks["api"])
			}
		})
	}
}

func TestGetMeGuest(t *testing.T) {
	h := NewAccountHandler(nil, &config.Config{})
	r := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	r = r.WithContext(identity.WithUser(r.Context(), identity.Guest("anon_"+strings.Repeat("0", 32))))
	w := httptest.NewRecorder()

	h.GetMe(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var got map[string]any
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["guest"] != true {
		t.Errorf("Expected guest=true, got %v", got["guest"])
	}
	if got["name"] != "guest-00000000" {
		t.Errorf("Unexpected name %v", got["name"])
	}
}

func TestGetMeWithoutIdentity(t *testing.T) {
	w := httptest.NewRecorder()
	NewAccountHandler(nil, &config.Config{}).GetMe(w, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestGetConfig(t *testing.T) {
	cfg := &config.Config{
		Greeting: "hello",
		OAuth:    config.OAuthConfig{ClientID: "id", ClientSecret: "secret"},
		LLM:      config.LLMConfig{Provider: config.ProviderGemini, Model: "gemini-2.5-flash"},
	}
	w := httptest.NewRecorder()
	NewAccountHandler(nil, cfg).GetConfig(w, httptest.NewRequest(http.MethodGet, "/api/config", nil))

	var got struct {
		LoginEnabled bool              `json:"login_enabled"`
		Provider     string            `json:"llm_provider"`
		Personas     []json.RawMessage `json:"personas"`
	}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !got.LoginEnabled || got.Provider != "gemini" || len(got.Personas) != 3 {
		t.Errorf("Unexpected config %+v", got)
	}
}
