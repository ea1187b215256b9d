package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("STORE_BACKEND", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoreBackend != BackendMemory {
		t.Fatalf("expected memory backend got %q", cfg.StoreBackend)
	}
	if cfg.VendorAllocateTimeout != 30*time.Second || cfg.VendorStatusTimeout != 15*time.Second {
		t.Fatalf("unexpected vendor timeouts %v/%v", cfg.VendorAllocateTimeout, cfg.VendorStatusTimeout)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("unexpected address %q", cfg.Address())
	}
}

func TestLoadDurations(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("SHUTDOWN_TIMEOUT_SECONDS", "3")
	t.Setenv("IDEMPOTENCY_TTL", "90m")
	t.Setenv("RECONCILE_MAX_AGE", "5m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ShutdownPeriod != 3*time.Second {
		t.Fatalf("expected 3s shutdown got %v", cfg.ShutdownPeriod)
	}
	if cfg.IdempotencyTTL != 90*time.Minute {
		t.Fatalf("expected 90m ttl got %v", cfg.IdempotencyTTL)
	}
	if cfg.ReconcileMaxAge != 5*time.Minute {
		t.Fatalf("expected 5m max age got %v", cfg.ReconcileMaxAge)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"memory in production": {"APP_ENV": "production", "VENDOR_API_KEY": "k"},
		"redis without url":    {"APP_ENV": "development", "STORE_BACKEND": "redis"},
		"postgres without url": {"APP_ENV": "development", "STORE_BACKEND": "postgres"},
		"unknown backend":      {"APP_ENV": "development", "STORE_BACKEND": "mongo"},
		"jwt without secret":   {"APP_ENV": "development", "AUTH_MODE": "jwt"},
		"bad duration":         {"APP_ENV": "development", "VENDOR_STATUS_TIMEOUT": "soon"},
		"bad rate limit":       {"APP_ENV": "development", "RATE_LIMIT_PER_MINUTE": "lots"},
		"missing vendor key":   {"APP_ENV": "production", "STORE_BACKEND": "redis", "REDIS_URL": "redis://x"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
