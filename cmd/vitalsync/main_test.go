package main

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
)

func TestConfigDefaults(t *testing.T) {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse defaults failed: %v", err)
	}
	if cfg.Addr != ":8081" {
		t.Fatalf("default addr = %q", cfg.Addr)
	}
	if cfg.PollInterval != 15*time.Second || cfg.PollJitter != 4*time.Second {
		t.Fatalf("default poll timing = %v/%v", cfg.PollInterval, cfg.PollJitter)
	}
	if cfg.SessionInterval != 10*time.Second {
		t.Fatalf("default session interval = %v", cfg.SessionInterval)
	}
	if cfg.PendingTTL != 90*time.Second {
		t.Fatalf("default pending ttl = %v", cfg.PendingTTL)
	}
	if cfg.DefaultMax != 20 {
		t.Fatalf("default max = %d", cfg.DefaultMax)
	}
	if !cfg.StartActive {
		t.Fatalf("expected start-active default")
	}
}

func TestConfigOverrides(t *testing.T) {
	t.Setenv("VITALSYNC_REMOTE_URL", "https://store.example/exec")
	t.Setenv("VITALSYNC_POLL_INTERVAL", "5s")
	t.Setenv("VITALSYNC_DEFAULT_MAX", "30")
	t.Setenv("VITALSYNC_START_ACTIVE", "false")

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse overrides failed: %v", err)
	}
	if cfg.RemoteURL != "https://store.example/exec" {
		t.Fatalf("remote url = %q", cfg.RemoteURL)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Fatalf("poll interval = %v", cfg.PollInterval)
	}
	if cfg.DefaultMax != 30 {
		t.Fatalf("default max = %d", cfg.DefaultMax)
	}
	if cfg.StartActive {
		t.Fatalf("expected start-active disabled")
	}
}
