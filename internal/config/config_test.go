package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("PAIRING_CODE_TTL", "")
	t.Setenv("DEVICE_TOKEN_TTL", "")
	t.Setenv("FINGERPRINT_SECRET", "")
	t.Setenv("PAIRING_BASE_URL", "")
	t.Setenv("SERVER_PORT", "")
	t.Setenv("TRUST_PROXY_HEADERS", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.PairingCodeTTL != 10*time.Minute {
		t.Errorf("PairingCodeTTL = %v, want 10m", cfg.PairingCodeTTL)
	}
	if cfg.DeviceTokenTTL != 30*24*time.Hour {
		t.Errorf("DeviceTokenTTL = %v, want 720h", cfg.DeviceTokenTTL)
	}
	if cfg.FingerprintSecret != "test-secret" {
		t.Errorf("FingerprintSecret should fall back to JWT_SECRET, got %q", cfg.FingerprintSecret)
	}
	if cfg.PairingCodeAttempts != 5 {
		t.Errorf("PairingCodeAttempts = %d, want 5", cfg.PairingCodeAttempts)
	}
	if cfg.PairingBaseURL != "http://localhost:8080/link" {
		t.Errorf("PairingBaseURL = %q, want http://localhost:8080/link", cfg.PairingBaseURL)
	}
	if cfg.TrustProxyHeaders {
		t.Error("proxy headers must not be trusted by default")
	}
}

func TestLoadConfig_PairingBaseURLFollowsPort(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("PAIRING_BASE_URL", "")
	t.Setenv("SERVER_PORT", "9090")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PairingBaseURL != "http://localhost:9090/link" {
		t.Errorf("PairingBaseURL = %q", cfg.PairingBaseURL)
	}
}

func TestLoadConfig_RejectsRelativePairingBaseURL(t *testing.T) {
	for _, raw := range []string{"/link", "app.example.com/link", "ftp://files.example.com/link"} {
		t.Setenv("JWT_SECRET", "test-secret")
		t.Setenv("PAIRING_BASE_URL", raw)

		if _, err := LoadConfig(); err == nil {
			t.Errorf("PAIRING_BASE_URL=%q: expected error", raw)
		}
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("DEVICE_TOKEN_TTL", "24h")
	t.Setenv("PAIRING_CODE_ATTEMPTS", "8")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DeviceTokenTTL != 24*time.Hour {
		t.Errorf("DeviceTokenTTL = %v, want 24h", cfg.DeviceTokenTTL)
	}
	if cfg.PairingCodeAttempts != 8 {
		t.Errorf("PairingCodeAttempts = %d, want 8", cfg.PairingCodeAttempts)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
}

func TestLoadConfig_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("SWEEP_INTERVAL", "soon")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "-4")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SweepInterval != time.Minute {
		t.Errorf("SweepInterval = %v, want 1m", cfg.SweepInterval)
	}
	if cfg.RateLimitPerMinute != 30 {
		t.Errorf("RateLimitPerMinute = %d, want 30", cfg.RateLimitPerMinute)
	}
}

func TestLoadConfig_MissingSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error when JWT_SECRET is empty")
	}
}
