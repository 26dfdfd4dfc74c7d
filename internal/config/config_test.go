package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadFallbacks(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DASHBOARD_TTL_SECONDS", "not-a-number")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "-5")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.DashboardTTLSeconds != 30 {
		t.Fatalf("expected dashboard TTL fallback 30, got %d", cfg.DashboardTTLSeconds)
	}
	if cfg.AccessTokenTTLMinutes != 480 {
		t.Fatalf("expected token TTL fallback 480, got %d", cfg.AccessTokenTTLMinutes)
	}
}
