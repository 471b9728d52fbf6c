package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server ServerConfig
	Auth   AuthConfig
	Sync   SyncConfig
	Log    LogConfig
}

type ServerConfig struct {
	// WSURL is the websocket endpoint, e.g. wss://api.worklane.io/ws
	WSURL string
	// APIBaseURL is the REST base used by the fallback path,
	// e.g. https://api.worklane.io/api/v1
	APIBaseURL string
	Env        string
}

type AuthConfig struct {
	// Token is the bearer token issued at login. It is attached to the
	// websocket dial and to fallback REST requests.
	Token string
}

type SyncConfig struct {
	// RequestTimeout bounds every correlated request.
	RequestTimeout time.Duration
	// TypingEventsPerSec throttles outgoing typing indicators.
	TypingEventsPerSec int
	// MaxReconnectWait caps the reconnect backoff.
	MaxReconnectWait time.Duration
}

type LogConfig struct {
	Level string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	timeoutMs, err := strconv.Atoi(getEnv("REQUEST_TIMEOUT_MS", "10000"))
	if err != nil || timeoutMs <= 0 {
		timeoutMs = 10000
	}

	typingRate, err := strconv.Atoi(getEnv("TYPING_EVENTS_PER_SEC", "2"))
	if err != nil || typingRate <= 0 {
		typingRate = 2
	}

	reconnectSec, err := strconv.Atoi(getEnv("MAX_RECONNECT_WAIT_SECONDS", "30"))
	if err != nil || reconnectSec <= 0 {
		reconnectSec = 30
	}

	cfg := &Config{
		Server: ServerConfig{
			WSURL:      getEnv("WS_URL", "ws://localhost:8080/ws"),
			APIBaseURL: getEnv("API_BASE_URL", "http://localhost:8080/api/v1"),
			Env:        getEnv("ENV", "development"),
		},
		Auth: AuthConfig{
			Token: getEnv("AUTH_TOKEN", ""),
		},
		Sync: SyncConfig{
			RequestTimeout:     time.Duration(timeoutMs) * time.Millisecond,
			TypingEventsPerSec: typingRate,
			MaxReconnectWait:   time.Duration(reconnectSec) * time.Second,
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	// Validate required fields
	if cfg.Auth.Token == "" && cfg.Server.Env == "production" {
		return nil, fmt.Errorf("AUTH_TOKEN must be set in production")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
