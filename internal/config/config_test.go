package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_DRIVER", "sqlite")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "http://localhost:9090", cfg.PublicURL)
	assert.Equal(t, "http://localhost:9090/auth/callback", cfg.OAuth.RedirectURL)
	assert.Equal(t, []string{"openid", "email", "profile"}, cfg.OAuth.Scopes)
	assert.Equal(t, 50, cfg.History.Limit)
	assert.Equal(t, 10*time.Minute, cfg.Tokens.LoginTTL)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadSelectsDefaultModelPerProvider(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "gemini")
	t.Setenv("LLM_MODEL", "")

	cfg, err := Load()
	require.NoError(t, err)
	// An explicitly empty LLM_MODEL still falls back.
	assert.Equal(t, "gemini-2.5-flash", cfg.LLM.Model)
}

func TestValidateRejectsBadDrivers(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown store", map[string]string{"STORE_DRIVER": "postgres"}},
		{"mongo without uri", map[string]string{"STORE_DRIVER": "mongo"}},
		{"unknown provider", map[string]string{"LLM_PROVIDER": "llama"}},
		{"redis without addr", map[string]string{"TOKEN_STORE": "redis"}},
		{"zero history", map[string]string{"HISTORY_LIMIT": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestGetEnvDurationFallsBackOnGarbage(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "soon")
	assert.Equal(t, time.Minute, getEnvDuration("SWEEP_INTERVAL", time.Minute))

	t.Setenv("SWEEP_INTERVAL", "30s")
	assert.Equal(t, 30*time.Second, getEnvDuration("SWEEP_INTERVAL", time.Minute))
}

func TestIsDevelopment(t *testing.T) {
	cfg := &Config{FrontendURL: "https://poten.example.com"}
	assert.False(t, cfg.IsDevelopment())

	cfg.FrontendURL = "http://127.0.0.1:5173"
	assert.True(t, cfg.IsDevelopment())
}
