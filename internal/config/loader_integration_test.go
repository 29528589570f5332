package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// End-to-end runs of the defaults < YAML < ENV < CLI pipeline.

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "botleague.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadWithCLI_EveryLayer(t *testing.T) {
	path := writeYAML(t, `
server:
  port: "9090"
  host: "https://liaison.yaml.example"
store:
  backend: badger
  in_memory: true
ledger:
  max_attempts: 4
`)
	t.Setenv("BOTLEAGUE_LIAISON_HOST", "https://liaison.env.example")
	t.Setenv("BOTLEAGUE_LEDGER_MAX_ATTEMPTS", "6")
	port := "7070"

	cfg, used, err := LoadWithCLI(CLIFlags{ConfigPath: &path, Port: &port})
	if err != nil {
		t.Fatalf("LoadWithCLI: %v", err)
	}
	if used != path {
		t.Errorf("used config %q, want %q", used, path)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("CLI should win: port %q", cfg.Server.Port)
	}
	if cfg.Server.Host != "https://liaison.env.example" {
		t.Errorf("env should win over YAML: host %q", cfg.Server.Host)
	}
	if cfg.Ledger.MaxAttempts != 6 {
		t.Errorf("env should win over YAML: max_attempts %d", cfg.Ledger.MaxAttempts)
	}
	if cfg.Store.Backend != "badger" || !cfg.Store.InMemory {
		t.Errorf("YAML store settings lost: %+v", cfg.Store)
	}
	if cfg.Reduce.ClaimTTL != 10*time.Minute {
		t.Errorf("untouched default changed: claim_ttl %v", cfg.Reduce.ClaimTTL)
	}
}

func TestLoadFrom_UnparsableEnvKeepsLowerLayer(t *testing.T) {
	path := writeYAML(t, `
breaker:
  timeout: 45s
reduce:
  claim_ttl: 2m
`)
	t.Setenv("BOTLEAGUE_BREAKER_TIMEOUT", "soon")
	t.Setenv("BOTLEAGUE_REDUCE_CLAIM_TTL", "later")
	t.Setenv("BOTLEAGUE_LEDGER_MAX_ATTEMPTS", "-1")
	t.Setenv("BOTLEAGUE_NATS_REDRIVE", "maybe")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Breaker.Timeout != 45*time.Second {
		t.Errorf("breaker.timeout = %v, want YAML 45s", cfg.Breaker.Timeout)
	}
	if cfg.Reduce.ClaimTTL != 2*time.Minute {
		t.Errorf("reduce.claim_ttl = %v, want YAML 2m", cfg.Reduce.ClaimTTL)
	}
	if cfg.Ledger.MaxAttempts != 10 {
		t.Errorf("ledger.max_attempts = %d, want default 10", cfg.Ledger.MaxAttempts)
	}
	if !cfg.NATS.Redrive {
		t.Error("nats.redrive should keep its default")
	}
}

func TestLoadFrom_OperatorSurface(t *testing.T) {
	path := writeYAML(t, `
server:
  rate_limit: 5
  rate_burst: 10
  secrets_dir: /run/secrets/botleague
github:
  provider: none
`)
	t.Setenv("BOTLEAGUE_IDEMPOTENCY_TTL", "1h")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.RateLimit != 5 || cfg.Server.RateBurst != 10 {
		t.Errorf("rate limit = %v/%d", cfg.Server.RateLimit, cfg.Server.RateBurst)
	}
	if cfg.Server.SecretsDir != "/run/secrets/botleague" {
		t.Errorf("secrets_dir = %q", cfg.Server.SecretsDir)
	}
	if cfg.GitHub.Provider != "none" {
		t.Errorf("github.provider = %q", cfg.GitHub.Provider)
	}
	if cfg.NATS.IdempotencyTTL != time.Hour {
		t.Errorf("idempotency ttl = %v", cfg.NATS.IdempotencyTTL)
	}
}

func TestLoadFrom_MalformedYAML(t *testing.T) {
	if _, err := LoadFrom(writeYAML(t, `{{{`)); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestLoadWithCLI_InvalidBackendFromFlag(t *testing.T) {
	path := writeYAML(t, "")
	backend := "sqlite"
	if _, _, err := LoadWithCLI(CLIFlags{ConfigPath: &path, Backend: &backend}); err == nil {
		t.Fatal("expected validation to reject an unknown backend")
	}
}
