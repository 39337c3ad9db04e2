package config

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
	if cfg.MaxConcurrentTransfers != defaultMaxConcurrentTransfers {
		t.Errorf("unexpected default concurrency: %d", cfg.MaxConcurrentTransfers)
	}
	if cfg.Transfer.Tier != "free" {
		t.Errorf("unexpected default tier: %s", cfg.Transfer.Tier)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.MaxConcurrentTransfers = 0 }},
		{"negative concurrency", func(c *Config) { c.MaxConcurrentTransfers = -1 }},
		{"empty download dir", func(c *Config) { c.Transfer.DownloadDir = "" }},
		{"empty data dir", func(c *Config) { c.Transfer.DataDir = "" }},
		{"unknown tier", func(c *Config) { c.Transfer.Tier = "gold" }},
		{"empty api base", func(c *Config) { c.Provider.APIBase = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)

			if err := cfg.validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestZeroOr(t *testing.T) {
	if got := zeroOr(0, 7); got != 7 {
		t.Errorf("zeroOr(0, 7) = %d", got)
	}
	if got := zeroOr(3, 7); got != 3 {
		t.Errorf("zeroOr(3, 7) = %d", got)
	}
	if got := zeroOr("", "fallback"); got != "fallback" {
		t.Errorf("zeroOr(\"\", fallback) = %q", got)
	}
	if got := zeroOr(time.Duration(0), time.Minute); got != time.Minute {
		t.Errorf("zeroOr(0s, 1m) = %s", got)
	}
	if got := zeroOr((*TransferConfig)(nil), &TransferConfig{Tier: "free"}); got.Tier != "free" {
		t.Errorf("zeroOr(nil, default) did not fall back")
	}
}
