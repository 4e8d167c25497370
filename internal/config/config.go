// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers.
const (
	StoreSQLite = "sqlite"
	StoreMongo  = "mongo"
)

// LLM providers.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Token store drivers.
const (
	TokensStore = "store"
	TokensRedis = "redis"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	PublicURL       string
	Greeting        string
	SweepInterval   time.Duration
	Store           StoreConfig
	OAuth           OAuthConfig
	LLM             LLMConfig
	Tokens          TokenConfig
	History         HistoryConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
}

// StoreConfig selects and configures the document store.
type StoreConfig struct {
	Driver        string
	SQLitePath    string
	MongoURI      string
	MongoDatabase string
}

// OAuthConfig holds the Google OAuth client credentials.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// Enabled reports whether login is configured at all.
func (o OAuthConfig) Enabled() bool {
	return o.ClientID != "" && o.ClientSecret != ""
}

// LLMConfig selects the model provider.
type LLMConfig struct {
	Provider      string
	Model         string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	GeminiAPIKey  string
	Timeout       time.Duration
}

// TokenConfig controls login-bridge and auth tokens.
type TokenConfig struct {
	Driver         string
	RedisAddr      string
	RedisPassword  string
	LoginTTL       time.Duration
	AuthSessionTTL time.Duration
}

// HistoryConfig bounds how much conversation is loaded and sent to the model.
type HistoryConfig struct {
	Limit           int
	ContextMessages int
	ContextTokens   int
}

// RateLimitConfig bounds LLM-backed requests per user.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	port := getEnv("PORT", "8080")
	publicURL := strings.TrimRight(getEnv("PUBLIC_URL", "http://localhost:"+port), "/")

	cfg := &Config{
		Port:          port,
		FrontendURL:   getEnv("FRONTEND_URL", ""),
		PublicURL:     publicURL,
		Greeting:      getEnv("CHAT_GREETING", "What can I help you with?"),
		SweepInterval: getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		Store: StoreConfig{
			Driver:        strings.ToLower(getEnv("STORE_DRIVER", StoreSQLite)),
			SQLitePath:    getEnv("DB_PATH", "./data/poten.db"),
			MongoURI:      getEnv("MONGO_URI", ""),
			MongoDatabase: getEnv("MONGO_DATABASE", "chat_db"),
		},
		OAuth: OAuthConfig{
			ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
			RedirectURL:  getEnv("OAUTH_REDIRECT_URL", publicURL+"/auth/callback"),
			Scopes:       strings.Fields(getEnv("OAUTH_SCOPES", "openid email profile")),
		},
		LLM: LLMConfig{
			Provider:      strings.ToLower(getEnv("LLM_PROVIDER", ProviderOpenAI)),
			Model:         getEnv("LLM_MODEL", ""),
			OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
			OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
			GeminiAPIKey:  getEnv("GEMINI_API_KEY", ""),
			Timeout:       getEnvDuration("LLM_TIMEOUT", 90*time.Second),
		},
		Tokens: TokenConfig{
			Driver:         strings.ToLower(getEnv("TOKEN_STORE", TokensStore)),
			RedisAddr:      getEnv("REDIS_ADDR", ""),
			RedisPassword:  getEnv("REDIS_PASSWORD", ""),
			LoginTTL:       getEnvDuration("LOGIN_TOKEN_TTL", 10*time.Minute),
			AuthSessionTTL: getEnvDuration("AUTH_SESSION_TTL", 30*24*time.Hour),
		},
		History: HistoryConfig{
			Limit:           getEnvInt("HISTORY_LIMIT", 50),
			ContextMessages: getEnvInt("CONTEXT_MESSAGES", 40),
			ContextTokens:   getEnvInt("CONTEXT_TOKENS", 12000),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 10),
			Burst:             getEnvInt("RATE_LIMIT_BURST", 3),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: queueSize,
		},
	}

	if cfg.LLM.Model == "" {
		cfg.LLM.Model = DefaultModel(cfg.LLM.Provider)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultModel returns the model used when LLM_MODEL is unset.
func DefaultModel(provider string) string {
	if provider == ProviderGemini {
		return "gemini-2.5-flash"
	}
	return "gpt-4o"
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.Store.Driver {
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case StoreMongo:
		if c.Store.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required when STORE_DRIVER=mongo")
		}
		if c.Store.MongoDatabase == "" {
			return fmt.Errorf("MONGO_DATABASE cannot be empty")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreSQLite, StoreMongo, c.Store.Driver)
	}
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderGemini:
	default:
		return fmt.Errorf("LLM_PROVIDER must be %q or %q, got %q", ProviderOpenAI, ProviderGemini, c.LLM.Provider)
	}
	switch c.Tokens.Driver {
	case TokensStore:
	case TokensRedis:
		if c.Tokens.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when TOKEN_STORE=redis")
		}
	default:
		return fmt.Errorf("TOKEN_STORE must be %q or %q, got %q", TokensStore, TokensRedis, c.Tokens.Driver)
	}
	if c.Tokens.LoginTTL <= 0 {
		return fmt.Errorf("LOGIN_TOKEN_TTL must be > 0")
	}
	if c.Tokens.AuthSessionTTL <= 0 {
		return fmt.Errorf("AUTH_SESSION_TTL must be > 0")
	}
	if c.History.Limit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be > 0")
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// APIKey returns the key for the selected provider.
func (c LLMConfig) APIKey() string {
	if c.Provider == ProviderGemini {
		return c.GeminiAPIKey
	}
	return c.OpenAIAPIKey
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
