package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/poten/internal/api"
	"github.com/ashureev/poten/internal/domain"
	"github.com/ashureev/poten/internal/identity"
	"github.com/ashureev/poten/internal/store"
	"github.com/ashureev/poten/internal/tokens"
)

const (
	stateCookieName = "oauth_state"
	stateCookieTTL  = 10 * time.Minute
)

// Handler serves the /auth routes.
type Handler struct {
	provider     Provider
	bridge       *Bridge
	repo         store.Repository
	frontendURL  string
	isDev        bool
	historyLimit int
}

// NewHandler creates an auth handler. provider may be nil when sign-in is not
// configured; the login routes then answer 503.
func NewHandler(provider Provider, bridge *Bridge, repo store.Repository, frontendURL string, isDev bool, historyLimit int) *Handler {
	return &Handler{
		provider:     provider,
		bridge:       bridge,
		repo:         repo,
		frontendURL:  frontendURL,
		isDev:        isDev,
		historyLimit: historyLimit,
	}
}

// RegisterRoutes registers auth routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", h.Login)
		r.Get("/callback", h.Callback)
		r.Post("/exchange", h.Exchange)
		r.Post("/logout", h.Logout)
	})
}

func (h *Handler) setState(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    value,
		Path:     "/auth",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !h.isDev,
	})
}

// Login returns the consent URL. The UI opens it in a new window.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if h.provider == nil {
		api.Error(w, http.StatusServiceUnavailable, "login is not configured")
		return
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		slog.Error("Failed to generate oauth state", "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to start login")
		return
	}
	state := hex.EncodeToString(buf)
	h.setState(w, state, int(stateCookieTTL.Seconds()))

	api.JSON(w, http.StatusOK, map[string]string{
		"authorization_url": h.provider.AuthCodeURL(state),
	})
}

// Callback completes the OAuth flow and hands a login token to the frontend.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	if h.provider == nil {
		api.Error(w, http.StatusServiceUnavailable, "login is not configured")
		return
	}

	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		api.Error(w, http.StatusBadRequest, "login was cancelled: "+e)
		return
	}
	c, err := r.Cookie(stateCookieName)
	if err != nil || c.Value == "" || c.Value != q.Get("state") {
		api.Error(w, http.StatusBadRequest, "invalid_state")
		return
	}
	h.setState(w, "", -1)

	code := q.Get("code")
	if code == "" {
		api.Error(w, http.StatusBadRequest, "missing authorization code")
		return
	}

	info, err := h.provider.Exchange(r.Context(), code)
	if err != nil {
		slog.Error("OAuth exchange failed", "error", err)
		api.Error(w, http.StatusBadGateway, "login failed")
		return
	}

	user, err := h.upsertUser(r, info)
	if err != nil {
		slog.Error("Failed to save user", "email", info.Email, "error", err)
		api.Error(w, http.StatusInternalServerError, "login failed")
		return
	}

	token, err := h.bridge.MintLogin(r.Context(), user)
	if err != nil {
		slog.Error("Failed to mint login token", "user_id", user.UserID, "error", err)
		api.Error(w, http.StatusInternalServerError, "login failed")
		return
	}

	slog.Info("User signed in", "user_id", user.UserID, "provider", user.Provider, "ip", identity.IPFromRequest(r))
	http.Redirect(w, r, h.redirectURL(token), http.StatusFound)
}

func (h *Handler) upsertUser(r *http.Request, info *UserInfo) (*domain.User, error) {
	ctx := r.Context()
	now := time.Now()

	existing, err := h.repo.GetUser(ctx, info.Email)
	if err != nil {
		return nil, err
	}
	user := &domain.User{
		UserID:    info.Email,
		Email:     info.Email,
		Name:      info.Name,
		Picture:   info.Picture,
		Provider:  h.provider.Name(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing != nil {
		user.CreatedAt = existing.CreatedAt
	}
	if user.Name == "" {
		user.Name = info.Email
	}
	if err := h.repo.UpsertUser(ctx, user); err != nil {
		return nil, err
	}

	if err := h.repo.LogLogin(ctx, domain.LoginEvent{
		Email:     user.Email,
		Name:      user.Name,
		Provider:  user.Provider,
		LoginTime: now,
	}); err != nil {
		slog.Warn("Failed to log login event", "user_id", user.UserID, "error", err)
	}
	return user, nil
}

func (h *Handler) redirectURL(token string) string {
	base := h.frontendURL
	if base == "" {
		base = "/"
	}
	u, err := url.Parse(base)
	if err != nil {
		u = &url.URL{Path: "/"}
	}
	q := u.Query()
	q.Set("login_token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

type exchangeRequest struct {
	LoginToken string `json:"login_token"`
}

// Exchange redeems a login token, sets the auth cookie and returns the user
// with their history. The device's guest conversation is adopted.
func (h *Handler) Exchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}
	if req.LoginToken == "" {
		req.LoginToken = r.URL.Query().Get("login_token")
	}
	if req.LoginToken == "" {
		api.Error(w, http.StatusBadRequest, "login_token is required")
		return
	}

	ctx := r.Context()
	authToken, tok, err := h.bridge.Redeem(ctx, req.LoginToken)
	switch {
	case errors.Is(err, tokens.ErrNotFound), errors.Is(err, tokens.ErrUsed),
		errors.Is(err, tokens.ErrExpired), errors.Is(err, ErrWrongTokenKind):
		api.Error(w, http.StatusUnauthorized, "login token is invalid or expired")
		return
	case err != nil:
		slog.Error("Failed to redeem login token", "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to complete login")
		return
	}

	user, err := h.repo.GetUser(ctx, tok.UserID)
	if err != nil || user == nil {
		slog.Error("Signed-in user missing", "user_id", tok.UserID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to complete login")
		return
	}
	identity.SetAuthCookie(w, authToken, h.bridge.AuthTTL(), h.isDev)

	var adopted int64
	if anonID := identity.AnonIDFromContext(ctx); domain.IsGuestID(anonID) {
		adopted, err = h.repo.ReassignGuest(ctx, anonID, user.UserID)
		if err != nil {
			slog.Warn("Failed to adopt guest history", "user_id", user.UserID, "error", err)
		}
	}

	history, err := h.repo.ListMessages(ctx, user.UserID, "", h.historyLimit)
	if err != nil {
		slog.Warn("Failed to load history after login", "user_id", user.UserID, "error", err)
		history = []domain.ChatMessage{}
	}

	api.JSON(w, http.StatusOK, map[string]interface{}{
		"user":             user,
		"history":          history,
		"adopted_messages": adopted,
	})
}

// Logout revokes the auth token and clears the cookie.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(identity.AuthCookieName); err == nil && c.Value != "" {
		if err := h.bridge.Revoke(r.Context(), c.Value); err != nil && !errors.Is(err, tokens.ErrNotFound) {
			slog.Warn("Failed to revoke auth token", "error", err)
		}
	}
	identity.ClearAuthCookie(w, h.isDev)
	api.JSON(w, http.StatusOK, map[string]bool{"ok": true})
}
