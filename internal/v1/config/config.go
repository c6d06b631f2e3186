// Package config validates and loads process-wide configuration for the
// GameBuddies lobby core from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration.
type Config struct {
	// Required variables
	Port      string
	RedisAddr string

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisPassword string

	AllowedOrigins string
	SkipAPIKeyAuth bool     // dev-only: accept any non-empty X-API-Key without checking APIKeyHashes
	APIKeyHashes   []string // sha256 hex digests of valid external-game API keys

	// Rate limits (ulule/limiter formatted rates, e.g. "1000-M")
	RateLimitAPIGlobal   string
	RateLimitPollStatus  string
	RateLimitWsConnectIP string

	// Lobby timing, spec section 6.3
	MaxSessionAge        time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatDBDebounce  time.Duration
	StaleMemberThreshold time.Duration
	HostGrace            time.Duration
	ReturnGrace          time.Duration
	RoomIdleReap         time.Duration
	RoomAgeReap          time.Duration
	SessionTokenTTL      time.Duration
	MinPlayers           int
	MaxPlayers           int
	RoomCodeAlphabet     string
	ConnMessageRateLimit float64 // messages/sec ceiling per connection

	// URL construction, spec section 6.2. GameURLTemplate substitutes
	// {gameType} to build the per-game landing page that session tokens
	// are appended to as ?session=<token>[&room=<roomCode>].
	PublicHost      string
	GameURLTemplate string
}

// ValidateEnv validates all required environment variables and returns a
// Config object. Returns an error if any required variable is missing or
// invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Redis backs the durable Store; enabled by default, can be disabled
	// for tests that run entirely against the in-memory Store.
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") != "false"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.SkipAPIKeyAuth = os.Getenv("SKIP_API_KEY_AUTH") == "true"
	if raw := os.Getenv("GB_API_KEY_HASHES"); raw != "" {
		for _, h := range strings.Split(raw, ",") {
			if h = strings.TrimSpace(h); h != "" {
				cfg.APIKeyHashes = append(cfg.APIKeyHashes, strings.ToLower(h))
			}
		}
	}
	if !cfg.SkipAPIKeyAuth && len(cfg.APIKeyHashes) == 0 {
		errs = append(errs, "GB_API_KEY_HASHES is required unless SKIP_API_KEY_AUTH=true")
	}

	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitPollStatus = getEnvOrDefault("RATE_LIMIT_POLL_STATUS", "30-M")
	cfg.RateLimitWsConnectIP = getEnvOrDefault("RATE_LIMIT_WS_CONNECT_IP", "100-M")

	var err error
	if cfg.MaxSessionAge, err = getDurationOrDefault("MAX_SESSION_AGE", 24*time.Hour); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.HeartbeatInterval, err = getDurationOrDefault("HEARTBEAT_INTERVAL", 25*time.Second); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.HeartbeatDBDebounce, err = getDurationOrDefault("HEARTBEAT_DB_DEBOUNCE", 10*time.Second); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.StaleMemberThreshold, err = getDurationOrDefault("STALE_MEMBER_THRESHOLD", 5*time.Minute); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.HostGrace, err = getDurationOrDefault("HOST_GRACE", 30*time.Second); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.ReturnGrace, err = getDurationOrDefault("RETURN_GRACE", 30*time.Second); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.RoomIdleReap, err = getDurationOrDefault("ROOM_IDLE_REAP", 30*time.Minute); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.RoomAgeReap, err = getDurationOrDefault("ROOM_AGE_REAP", 24*time.Hour); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.SessionTokenTTL, err = getDurationOrDefault("SESSION_TOKEN_TTL", 3*time.Hour); err != nil {
		errs = append(errs, err.Error())
	}

	cfg.MinPlayers = getIntOrDefault("MIN_PLAYERS", 2)
	cfg.MaxPlayers = getIntOrDefault("MAX_PLAYERS", 50)
	if cfg.MinPlayers < 1 || cfg.MinPlayers > cfg.MaxPlayers {
		errs = append(errs, fmt.Sprintf("MIN_PLAYERS (%d) must be >= 1 and <= MAX_PLAYERS (%d)", cfg.MinPlayers, cfg.MaxPlayers))
	}

	cfg.RoomCodeAlphabet = getEnvOrDefault("ROOM_CODE_ALPHABET", "ABCDEFGHJKLMNPQRSTUVWXYZ23456789")

	cfg.PublicHost = getEnvOrDefault("PUBLIC_HOST", "gamebuddies.io")
	cfg.GameURLTemplate = getEnvOrDefault("GAME_URL_TEMPLATE", "https://{gameType}.gamebuddies.io")

	rateStr := getEnvOrDefault("CONN_MESSAGE_RATE_LIMIT", "30")
	rate, err := strconv.ParseFloat(rateStr, 64)
	if err != nil || rate <= 0 {
		errs = append(errs, fmt.Sprintf("CONN_MESSAGE_RATE_LIMIT must be a positive number (got '%s')", rateStr))
	}
	cfg.ConnMessageRateLimit = rate

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return parts[0] != ""
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"max_players", cfg.MaxPlayers,
		"min_players", cfg.MinPlayers,
		"session_token_ttl", cfg.SessionTokenTTL,
		"host_grace", cfg.HostGrace,
		"return_grace", cfg.ReturnGrace,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration (got '%s'): %w", key, v, err)
	}
	return d, nil
}
