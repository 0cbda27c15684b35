package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	ServerPort string
	LogLevel   slog.Level
	// TrustProxyHeaders takes the client address from X-Forwarded-For / X-Real-IP.
	// Only enable behind a proxy that overwrites them.
	TrustProxyHeaders bool

	JWTSecret     string
	SessionMaxAge time.Duration
	SecureCookies bool

	RedisURL string

	FingerprintSecret   string
	PairingCodeTTL      time.Duration
	PairingCodeAttempts int
	PairingBaseURL      string

	DeviceTokenTTL time.Duration

	SweepInterval     time.Duration
	RegistrationGrace time.Duration
	TokenRetention    time.Duration

	RateLimitPerMinute int
	StoreRetryAttempts int
}

func LoadConfig() (*Config, error) {
	err := godotenv.Load()
	if err != nil {
		slog.Info("no .env file found, relying on environment variables")
	}

	serverPort := os.Getenv("SERVER_PORT")
	if serverPort == "" {
		serverPort = "8080"
	}

	pairingBaseURL := os.Getenv("PAIRING_BASE_URL")
	if pairingBaseURL == "" {
		pairingBaseURL = "http://localhost:" + serverPort + "/link"
	}

	sslMode := os.Getenv("DB_SSLMODE")
	if sslMode == "" {
		sslMode = "require"
	}

	cfg := &Config{
		DBHost:     os.Getenv("DB_HOST"),
		DBPort:     os.Getenv("DB_PORT"),
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     os.Getenv("DB_NAME"),
		DBSSLMode:  sslMode,

		ServerPort:        serverPort,
		LogLevel:          parseLevel(os.Getenv("LOG_LEVEL")),
		TrustProxyHeaders: getBool("TRUST_PROXY_HEADERS", false),

		JWTSecret:     os.Getenv("JWT_SECRET"),
		SessionMaxAge: getDuration("SESSION_MAX_AGE", 12*time.Hour),
		SecureCookies: getBool("SECURE_COOKIES", true),

		RedisURL: os.Getenv("REDIS_URL"),

		FingerprintSecret:   os.Getenv("FINGERPRINT_SECRET"),
		PairingCodeTTL:      getDuration("PAIRING_CODE_TTL", 10*time.Minute),
		PairingCodeAttempts: getInt("PAIRING_CODE_ATTEMPTS", 5),
		PairingBaseURL:      pairingBaseURL,

		DeviceTokenTTL: getDuration("DEVICE_TOKEN_TTL", 30*24*time.Hour),

		SweepInterval:     getDuration("SWEEP_INTERVAL", time.Minute),
		RegistrationGrace: getDuration("REGISTRATION_GRACE", time.Hour),
		TokenRetention:    getDuration("TOKEN_RETENTION", 7*24*time.Hour),

		RateLimitPerMinute: getInt("RATE_LIMIT_PER_MINUTE", 30),
		StoreRetryAttempts: getInt("STORE_RETRY_ATTEMPTS", 3),
	}

	if cfg.FingerprintSecret == "" {
		cfg.FingerprintSecret = cfg.JWTSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server must not start with.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.PairingCodeTTL <= 0 {
		return errors.New("PAIRING_CODE_TTL must be positive")
	}
	if c.DeviceTokenTTL <= 0 {
		return errors.New("DEVICE_TOKEN_TTL must be positive")
	}
	u, err := url.Parse(c.PairingBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("PAIRING_BASE_URL must be an absolute http(s) URL, got %q", c.PairingBaseURL)
	}
	return nil
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return d
}

func getInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		slog.Warn("invalid integer, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return v
}

func getBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("invalid boolean, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return v
}

func parseLevel(raw string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo
	}
	return level
}
