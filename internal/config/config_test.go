package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.KeyBits != 4096 {
		t.Fatalf("expected default key bits 4096, got %d", cfg.KeyBits)
	}
	if cfg.KeyShareTTL != 7*24*time.Hour {
		t.Fatalf("unexpected key share ttl %s", cfg.KeyShareTTL)
	}
	if cfg.RotationLock != "memory" {
		t.Fatalf("unexpected rotation lock %q", cfg.RotationLock)
	}
	if len(cfg.CORSOrigins) != 0 || cfg.RateLimit != 300 {
		t.Fatalf("unexpected http defaults: origins=%v rate=%d", cfg.CORSOrigins, cfg.RateLimit)
	}
}

func TestLoadOverridesAndFallbacks(t *testing.T) {
	t.Setenv("KEY_BITS", "1024")
	t.Setenv("KEY_SHARE_TTL", "36h")
	t.Setenv("ROTATION_LOCK", "Redis")
	t.Setenv("BULK_CONCURRENCY", "zero")
	t.Setenv("AUTO_MIGRATE", "false")
	t.Setenv("ROTATION_MAX_AGE", "bogus")
	t.Setenv("CORS_ORIGINS", " https://app.example , ,https://admin.example")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "-5")

	cfg := Load()
	if cfg.KeyBits != 4096 {
		t.Fatalf("key bits below minimum should fall back, got %d", cfg.KeyBits)
	}
	if cfg.KeyShareTTL != 36*time.Hour {
		t.Fatalf("expected 36h ttl, got %s", cfg.KeyShareTTL)
	}
	if cfg.RotationLock != "redis" {
		t.Fatalf("expected redis lock, got %q", cfg.RotationLock)
	}
	if cfg.BulkConcurrency != 8 {
		t.Fatalf("invalid int should fall back, got %d", cfg.BulkConcurrency)
	}
	if cfg.AutoMigrate {
		t.Fatalf("expected auto migrate disabled")
	}
	if cfg.RotationMaxAge != 0 {
		t.Fatalf("invalid duration should fall back to 0, got %s", cfg.RotationMaxAge)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://admin.example" {
		t.Fatalf("unexpected cors origins %q", cfg.CORSOrigins)
	}
	if cfg.RateLimit != 0 {
		t.Fatalf("negative rate limit should disable limiting, got %d", cfg.RateLimit)
	}
}
