package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"verus/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if _, ok := cfg.Payment.Networks["hedera-testnet"]; !ok {
		t.Fatalf("default config missing dev network")
	}
	if _, ok := cfg.Payment.Prices["POST /submit-job"]; !ok {
		t.Fatalf("default config missing submit-job price")
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":3000" {
		t.Fatalf("addr = %s, want default", cfg.Server.Addr)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	data := `
actor:
  name: sponsor
  address: "0xsponsor"
server:
  addr: ":4000"
registry:
  feedback_auth_ttl: 48h
`
	if err := os.WriteFile(config.Path(dir), []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Actor.Name != "sponsor" || cfg.Actor.Address != "0xsponsor" {
		t.Fatalf("actor = %+v", cfg.Actor)
	}
	if cfg.Server.Addr != ":4000" {
		t.Fatalf("addr = %s", cfg.Server.Addr)
	}
	if cfg.Registry.FeedbackAuthTTL != 48*time.Hour {
		t.Fatalf("ttl = %s", cfg.Registry.FeedbackAuthTTL)
	}
	// Untouched sections keep their defaults.
	if len(cfg.Payment.Networks) == 0 {
		t.Fatalf("defaults lost on overlay")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(config.Path(dir), []byte("actor: ["), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.Load(dir); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	breakers := []struct {
		name  string
		mutate func(*config.Config)
	}{
		{"missing actor address", func(c *config.Config) { c.Actor.Address = "" }},
		{"no networks", func(c *config.Config) { c.Payment.Networks = nil }},
		{"network without key", func(c *config.Config) {
			c.Payment.Networks["hedera-testnet"] = config.NetworkConfig{}
		}},
		{"price on unknown network", func(c *config.Config) {
			p := c.Payment.Prices["POST /submit-job"]
			p.Network = "nope"
			c.Payment.Prices["POST /submit-job"] = p
		}},
		{"missing signing key", func(c *config.Config) { c.Registry.SigningKey = "" }},
		{"non-positive auth ttl", func(c *config.Config) { c.Registry.FeedbackAuthTTL = 0 }},
	}
	for _, tc := range breakers {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestPath(t *testing.T) {
	if got := config.Path("ws"); got != filepath.Join("ws", "verus.yml") {
		t.Fatalf("path = %s", got)
	}
	if got := config.Path(""); got != "verus.yml" {
		t.Fatalf("path = %s", got)
	}
}
