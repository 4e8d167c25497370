package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/poten/internal/analysis"
	"github.com/ashureev/poten/internal/config"
	"github.com/ashureev/poten/internal/identity"
	"github.com/ashureev/poten/internal/store"
)

// AccountHandler serves the caller's identity and client configuration.
type AccountHandler struct {
	repo store.Repository
	cfg  *config.Config
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(repo store.Repository, cfg *config.Config) *AccountHandler {
	return &AccountHandler{repo: repo, cfg: cfg}
}

// RegisterRoutes registers account routes on a router mounted at /api.
func (h *AccountHandler) RegisterRoutes(r chi.Router) {
	r.Get("/me", h.GetMe)
	r.Get("/config", h.GetConfig)
}

// GetMe returns the current user's information.
func (h *AccountHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	user := identity.UserFromContext(r.Context())
	if user == nil {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	resp := map[string]interface{}{
		"user_id":  user.UserID,
		"name":     user.Name,
		"guest":    user.IsGuest(),
		"email":    user.Email,
		"picture":  user.Picture,
		"provider": user.Provider,
	}
	if !user.IsGuest() {
		logins, err := h.repo.ListLogins(r.Context(), user.Email, 1)
		if err == nil && len(logins) > 0 {
			resp["last_login"] = logins[0].LoginTime
		}
	}
	JSON(w, http.StatusOK, resp)
}

// GetConfig returns the server configuration for the frontend.
func (h *AccountHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"login_enabled": h.cfg.OAuth.Enabled(),
		"llm_provider":  h.cfg.LLM.Provider,
		"llm_model":     h.cfg.LLM.Model,
		"greeting":      h.cfg.Greeting,
		"history_limit": h.cfg.History.Limit,
		"personas":      analysis.Personas(),
		"panel_rounds": map[string]int{
			"default": analysis.DefaultPanelRounds,
			"max":     analysis.MaxPanelRounds,
		},
	})
}
