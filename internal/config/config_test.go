package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BONUS_TIMEZONE", "UTC")
	t.Setenv("PRICING_OVERRIDES", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SignupGrant != 20 || cfg.DailyBonusAmount != 2 || cfg.ReferrerReward != 50 || cfg.RefereeReward != 25 {
		t.Fatalf("unexpected ledger defaults: %+v", cfg)
	}
	if cfg.LedgerStorageTimeout != 3*time.Second {
		t.Fatalf("expected 3s storage timeout, got %s", cfg.LedgerStorageTimeout)
	}
	if len(cfg.PricingOverrides) != 0 {
		t.Fatalf("expected no overrides, got %v", cfg.PricingOverrides)
	}
}

func TestLoadLedgerSettings(t *testing.T) {
	t.Setenv("BONUS_TIMEZONE", "Asia/Almaty")
	t.Setenv("PRICING_OVERRIDES", "chat=7, notes = 12")
	t.Setenv("LEDGER_MAX_RETRIES", "9")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com, https://admin.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BonusTimezone.String() != "Asia/Almaty" {
		t.Fatalf("unexpected timezone %s", cfg.BonusTimezone)
	}
	if cfg.PricingOverrides["chat"] != 7 || cfg.PricingOverrides["notes"] != 12 {
		t.Fatalf("unexpected overrides %v", cfg.PricingOverrides)
	}
	if cfg.LedgerMaxRetries != 9 {
		t.Fatalf("expected 9 retries, got %d", cfg.LedgerMaxRetries)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://admin.example.com" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("BONUS_TIMEZONE", "Mars/Olympus")
	if _, err := Load(); err == nil {
		t.Fatal("expected timezone error")
	}

	t.Setenv("BONUS_TIMEZONE", "UTC")
	t.Setenv("PRICING_OVERRIDES", "chat")
	if _, err := Load(); err == nil {
		t.Fatal("expected pricing error")
	}
}
