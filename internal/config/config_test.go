package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TRADING_MODE", "")
	t.Setenv("WORKSPACE_MODES", "")
	t.Setenv("IDEMPOTENCY_TTL", "")

	cfg := Load()
	if cfg.DefaultMode != ModePaper {
		t.Fatalf("expected paper by default, got %s", cfg.DefaultMode)
	}
	if cfg.Idempotency.SweepInterval != 60*time.Second {
		t.Fatalf("expected 60s sweep, got %v", cfg.Idempotency.SweepInterval)
	}
	if cfg.Live.MaxAttempts != 3 || cfg.Live.RecvWindowMs != 5000 {
		t.Fatalf("unexpected live defaults: %+v", cfg.Live)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestModeFor(t *testing.T) {
	t.Setenv("TRADING_MODE", "demo")
	t.Setenv("WORKSPACE_MODES", "alpha:live,beta:PAPER,gamma:margin")

	cfg := Load()
	if got := cfg.ModeFor("alpha"); got != ModeLive {
		t.Fatalf("alpha: expected live, got %s", got)
	}
	if got := cfg.ModeFor("beta"); got != ModePaper {
		t.Fatalf("beta: expected paper, got %s", got)
	}
	if got := cfg.ModeFor("gamma"); got != ModeDemo {
		t.Fatalf("gamma has an unknown mode and should use the default, got %s", got)
	}
	if !ModeDemo.Simulated() || ModeLive.Simulated() {
		t.Fatalf("unexpected Simulated() results")
	}
}

func TestLiveReady(t *testing.T) {
	cfg := &Config{}
	if cfg.LiveReady() == nil {
		t.Fatalf("expected missing credentials error")
	}
	cfg.Live.APIKey = "key"
	cfg.Live.APISecret = "changeme"
	if cfg.LiveReady() == nil {
		t.Fatalf("expected placeholder secret error")
	}
	cfg.Live.APISecret = "9f2c41d8b7e0"
	if err := cfg.LiveReady(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsBadBackend(t *testing.T) {
	t.Setenv("IDEMPOTENCY_BACKEND", "memcached")
	if err := Load().Validate(); err == nil {
		t.Fatalf("expected invalid backend error")
	}
}

func TestDSN(t *testing.T) {
	cfg := &Config{DBHost: "db", DBPort: 5432, DBUser: "u", DBPassword: "p", DBName: "spot"}
	if got := cfg.DSN(); got != "host=db port=5432 user=u password=p dbname=spot sslmode=disable" {
		t.Fatalf("unexpected DSN: %s", got)
	}
}
