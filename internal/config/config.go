package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config holds all environment configuration values for the sync agent.
// These values are loaded from a .env file at startup.
type Config struct {
	// ServerPort is the port the agent's HTTP server listens on
	ServerPort string

	// APIBaseURL is the upstream conversation REST API, e.g. http://host/api
	APIBaseURL string

	// APIToken is the bearer token passed through to the REST API and the
	// pusher handshake
	APIToken string

	// UserID is the current viewer. Derived from the token claims when unset.
	UserID int64

	// Pusher relay settings. PusherHost overrides the cluster host when set
	// (self-hosted relays such as soketi).
	PusherKey     string
	PusherCluster string
	PusherHost    string

	// PollInterval is how often the polling fallback refetches messages
	PollInterval time.Duration

	// PollAllConversations also polls every conversation in the list, not
	// just the one being viewed
	PollAllConversations bool

	// TypingTimeout is the quiet window after which a typing indicator expires
	TypingTimeout time.Duration

	// HTTPTimeout bounds each upstream REST call
	HTTPTimeout time.Duration

	CORSOrigins []string

	// Environment selects the logger flavour ("development" or "production")
	Environment string
}

// Load reads environment variables and returns a populated Config struct.
// It will load from a .env file if present, then read from environment variables.
// Falls back to sensible defaults if values are not set.
func Load() (*Config, error) {
	// A missing .env file is fine in production
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort:           getEnv("PORT", "8080"),
		APIBaseURL:           strings.TrimRight(getEnv("API_BASE_URL", "http://localhost:8000/api"), "/"),
		APIToken:             getEnv("API_TOKEN", ""),
		PusherKey:            getEnv("PUSHER_KEY", ""),
		PusherCluster:        getEnv("PUSHER_CLUSTER", "mt1"),
		PusherHost:           getEnv("PUSHER_HOST", ""),
		PollAllConversations: getEnv("POLL_ALL_CONVERSATIONS", "false") == "true",
		CORSOrigins:          splitOrigins(getEnv("CORS_ORIGINS", "")),
		Environment:          getEnv("APP_ENV", "production"),
	}

	var err error
	if cfg.PollInterval, err = getDuration("POLL_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.TypingTimeout, err = getDuration("TYPING_TIMEOUT", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = getDuration("HTTP_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	if raw := getEnv("USER_ID", ""); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid USER_ID %q: %w", raw, err)
		}
		cfg.UserID = id
	} else if cfg.APIToken != "" {
		id, err := UserIDFromToken(cfg.APIToken)
		if err != nil {
			return nil, fmt.Errorf("USER_ID not set and token has no usable subject: %w", err)
		}
		cfg.UserID = id
	}

	return cfg, nil
}

// Warnings lists settings that are missing but not fatal.
func (c *Config) Warnings() []string {
	var w []string
	if c.APIToken == "" {
		w = append(w, "API_TOKEN is not set")
	}
	if c.UserID == 0 {
		w = append(w, "USER_ID is not set, unread accounting will treat every message as foreign")
	}
	if c.PusherKey == "" {
		w = append(w, "PUSHER_KEY is not set, running on polling only")
	}
	return w
}

// NewLogger builds the process logger for the configured environment.
func (c *Config) NewLogger() (*zap.Logger, error) {
	if c.Environment == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// UserIDFromToken extracts the viewer id from the bearer token's claims.
// The signature is not verified; the agent only forwards the token.
func UserIDFromToken(token string) (int64, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0, err
	}
	for _, key := range []string{"user_id", "sub", "id"} {
		switch v := claims[key].(type) {
		case float64:
			return int64(v), nil
		case string:
			if id, err := strconv.ParseInt(v, 10, 64); err == nil {
				return id, nil
			}
		}
	}
	return 0, errors.New("no numeric user_id or sub claim")
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, raw)
	}
	return d, nil
}

// splitOrigins parses a comma-separated origin list.
// Format: "http://localhost:5173,https://dashboard.example.com"
func splitOrigins(raw string) []string {
	if raw == "" {
		// Default to localhost for development
		return []string{"http://localhost:5173", "http://localhost:3000"}
	}
	origins := strings.Split(raw, ",")
	for i, origin := range origins {
		origins[i] = strings.TrimSpace(origin)
	}
	return origins
}
