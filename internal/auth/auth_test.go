package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/ashureev/poten/internal/config"
	"github.com/ashureev/poten/internal/domain"
	"github.com/ashureev/poten/internal/identity"
	"github.com/ashureev/poten/internal/store"
	"github.com/ashureev/poten/internal/tokens"
)

type fakeProvider struct {
	info *UserInfo
	err  error
}

func (f *fakeProvider) Name() string { return domain.ProviderGoogle }

func (f *fakeProvider) AuthCodeURL(state string) string {
	return "https://accounts.example.com/o/oauth2/auth?state=" + state
}

func (f *fakeProvider) Exchange(_ context.Context, code string) (*UserInfo, error) {
	if code != "good-code" {
		return nil, errors.New("bad code")
	}
	return f.info, f.err
}

type fixture struct {
	repo   store.Repository
	bridge *Bridge
	router http.Handler
	anonID string
}

func newFixture(t *testing.T, provider Provider) *fixture {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	ts, err := tokens.NewStore(tokens.DriverStore, tokens.WithRepository(repo))
	require.NoError(t, err)

	f := &fixture{
		repo:   repo,
		bridge: NewBridge(ts, 10*time.Minute, 24*time.Hour),
		anonID: "anon_" + strings.Repeat("c", 32),
	}
	h := NewHandler(provider, f.bridge, repo, "http://localhost:5173/app", true, 50)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(identity.WithAnonID(r.Context(), f.anonID)))
		})
	})
	h.RegisterRoutes(r)
	f.router = r
	return f
}

func cookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

var founder = &UserInfo{Email: "founder@example.com", Name: "Founder", Picture: "https://example.com/p.png"}

func (f *fixture) signIn(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	state := cookie(rec, stateCookieName)
	require.NotNil(t, state)

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=good-code&state="+state.Value, nil)
	req.AddCookie(state)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/app", loc.Path)
	token := loc.Query().Get("login_token")
	require.NotEmpty(t, token)
	return token
}

func (f *fixture) exchange(t *testing.T, token string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/exchange",
		strings.NewReader(`{"login_token":"`+token+`"}`)))
	return rec
}

func TestLoginReturnsAuthorizationURL(t *testing.T) {
	f := newFixture(t, &fakeProvider{info: founder})

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	state := cookie(rec, stateCookieName)
	require.NotNil(t, state)
	assert.Len(t, state.Value, 32)
	assert.Contains(t, got["authorization_url"], "state="+state.Value)
}

func TestLoginDisabled(t *testing.T) {
	f := newFixture(t, nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCallbackRejectsBadState(t *testing.T) {
	f := newFixture(t, &fakeProvider{info: founder})

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=good-code&state=forged", nil)
	req.AddCookie(&http.Cookie{Name: stateCookieName, Value: "real"})
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_state")

	req = httptest.NewRequest(http.MethodGet, "/auth/callback?code=bad-code&state=s", nil)
	req.AddCookie(&http.Cookie{Name: stateCookieName, Value: "s"})
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestFullSignInAdoptsGuestHistory(t *testing.T) {
	f := newFixture(t, &fakeProvider{info: founder})
	ctx := context.Background()

	require.NoError(t, f.repo.AppendMessage(ctx, &domain.ChatMessage{
		ID: uuid.NewString(), UserID: f.anonID, Role: domain.RoleUser,
		Content: "guest idea", Timestamp: time.Now(),
	}))

	token := f.signIn(t)

	user, err := f.repo.GetUser(ctx, founder.Email)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, domain.ProviderGoogle, user.Provider)

	logins, err := f.repo.ListLogins(ctx, founder.Email, 5)
	require.NoError(t, err)
	assert.Len(t, logins, 1)

	rec := f.exchange(t, token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	auth := cookie(rec, identity.AuthCookieName)
	require.NotNil(t, auth)
	assert.True(t, auth.HttpOnly)

	var got struct {
		User    domain.User          `json:"user"`
		History []domain.ChatMessage `json:"history"`
		Adopted int64                `json:"adopted_messages"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, founder.Email, got.User.UserID)
	assert.EqualValues(t, 1, got.Adopted)
	require.Len(t, got.History, 1)
	assert.Equal(t, "guest idea", got.History[0].Content)

	// The login token is single use.
	rec = f.exchange(t, token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The auth token cannot be replayed as a login token.
	rec = f.exchange(t, auth.Value)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExchangeValidation(t *testing.T) {
	f := newFixture(t, &fakeProvider{info: founder})

	rec := f.exchange(t, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.exchange(t, "never-issued")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExpiredLoginToken(t *testing.T) {
	f := newFixture(t, &fakeProvider{info: founder})
	token := f.signIn(t)

	f.bridge.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	rec := f.exchange(t, token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutRevokesAuthToken(t *testing.T) {
	f := newFixture(t, &fakeProvider{info: founder})
	rec := f.exchange(t, f.signIn(t))
	auth := cookie(rec, identity.AuthCookieName)
	require.NotNil(t, auth)

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(auth)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	cleared := cookie(rec, identity.AuthCookieName)
	require.NotNil(t, cleared)
	assert.Equal(t, -1, cleared.MaxAge)

	_, err := f.repo.GetToken(context.Background(), auth.Value)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGoogleProviderExchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"at-123","token_type":"Bearer","expires_in":3600}`))
		case "/userinfo":
			if r.Header.Get("Authorization") != "Bearer at-123" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"email":"founder@example.com","name":"Founder","email_verified":true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewGoogleProvider(config.OAuthConfig{
		ClientID: "id", ClientSecret: "secret",
		RedirectURL: "http://localhost:8080/auth/callback",
		Scopes:      []string{"openid", "email", "profile"},
	})
	p.oauth.Endpoint = oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"}
	p.userInfoURL = srv.URL + "/userinfo"

	authURL := p.AuthCodeURL("xyz")
	assert.Contains(t, authURL, "state=xyz")
	assert.Contains(t, authURL, "scope=openid+email+profile")

	info, err := p.Exchange(context.Background(), "code")
	require.NoError(t, err)
	assert.Equal(t, "founder@example.com", info.Email)
	assert.True(t, info.EmailVerified)
}

func TestGoogleProviderRejectsUnverifiedEmail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"at-123","token_type":"Bearer","expires_in":3600}`))
		case "/userinfo":
			_, _ = w.Write([]byte(`{"email":"founder@example.com","name":"Impostor","email_verified":false}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewGoogleProvider(config.OAuthConfig{ClientID: "id", ClientSecret: "secret"})
	p.oauth.Endpoint = oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"}
	p.userInfoURL = srv.URL + "/userinfo"

	info, err := p.Exchange(context.Background(), "code")
	assert.ErrorIs(t, err, ErrEmailUnverified)
	assert.Nil(t, info)
}

func TestRedirectURLKeepsExistingQuery(t *testing.T) {
	h := &Handler{frontendURL: "https://poten.example.com/?tab=chat"}
	u, err := url.Parse(h.redirectURL("tok"))
	require.NoError(t, err)
	assert.Equal(t, "chat", u.Query().Get("tab"))
	assert.Equal(t, "tok", u.Query().Get("login_token"))

	h.frontendURL = ""
	assert.Equal(t, "/?login_token=tok", h.redirectURL("tok"))
}
