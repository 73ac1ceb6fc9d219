package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BETRORA_TOKEN", "tok")
	t.Setenv("BETRORA_SESSION_ID", "sess-1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Token != "tok" || cfg.SessionID != "sess-1" {
		t.Errorf("required values not read: %+v", cfg)
	}
	if cfg.RestartCooldown != 8*time.Second {
		t.Errorf("restart_cooldown default: got %v", cfg.RestartCooldown)
	}
	if cfg.StaleOfferAfter != 3*time.Second {
		t.Errorf("stale_offer_after default: got %v", cfg.StaleOfferAfter)
	}
	if cfg.DedupWindow != 1000 {
		t.Errorf("dedup_window default: got %d", cfg.DedupWindow)
	}
	if cfg.HealthInterval != 2*time.Second {
		t.Errorf("health_interval default: got %v", cfg.HealthInterval)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BETRORA_TOKEN", "tok")
	t.Setenv("BETRORA_SESSION_ID", "sess-1")
	t.Setenv("BETRORA_RESTART_COOLDOWN", "15s")
	t.Setenv("BETRORA_VIEWER_ONLY", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RestartCooldown != 15*time.Second {
		t.Errorf("restart_cooldown override: got %v", cfg.RestartCooldown)
	}
	if !cfg.ViewerOnly {
		t.Error("viewer_only override not applied")
	}
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("BETRORA_TOKEN", "")
	t.Setenv("BETRORA_SESSION_ID", "")

	if _, err := Load(); err == nil {
		t.Error("expected error with no token")
	}
}
