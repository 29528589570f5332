package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.MaxConns != 15 {
		t.Errorf("expected max_conns 15, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Breaker.Timeout != 30*time.Second {
		t.Errorf("expected breaker timeout 30s, got %v", cfg.Breaker.Timeout)
	}
	if cfg.Evaluator.Timeout != 10*time.Second {
		t.Errorf("expected evaluator timeout 10s, got %v", cfg.Evaluator.Timeout)
	}
	if cfg.Store.Backend != "nats" {
		t.Errorf("expected nats backend, got %s", cfg.Store.Backend)
	}
	if cfg.Ledger.MaxAttempts != 10 {
		t.Errorf("expected 10 ledger attempts, got %d", cfg.Ledger.MaxAttempts)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
  operator_token: "op-secret"
store:
  backend: badger
  in_memory: true
reduce:
  claim_ttl: 2m
logging:
  level: "debug"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.OperatorToken != "op-secret" {
		t.Errorf("expected operator token op-secret, got %s", cfg.Server.OperatorToken)
	}
	if cfg.Store.Backend != "badger" || !cfg.Store.InMemory {
		t.Errorf("expected in-memory badger, got %+v", cfg.Store)
	}
	if cfg.Reduce.ClaimTTL != 2*time.Minute {
		t.Errorf("expected claim ttl 2m, got %v", cfg.Reduce.ClaimTTL)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	// Unchanged fields keep defaults
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL, got %s", cfg.NATS.URL)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	err := loadYAML(&cfg, "/nonexistent/path.yaml")
	if err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("BOTLEAGUE_PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/test")
	t.Setenv("BOTLEAGUE_PG_MAX_CONNS", "25")
	t.Setenv("BOTLEAGUE_LOG_LEVEL", "warn")
	t.Setenv("BOTLEAGUE_BREAKER_TIMEOUT", "1m")
	t.Setenv("BOTLEAGUE_LEDGER_MAX_ATTEMPTS", "3")
	t.Setenv("BOTLEAGUE_EVALUATOR_REPLACE_HOST", "localhost:8000")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.DSN != "postgres://test:test@db:5432/test" {
		t.Errorf("expected test DSN, got %s", cfg.Postgres.DSN)
	}
	if cfg.Postgres.MaxConns != 25 {
		t.Errorf("expected max_conns 25, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Logging.Level)
	}
	if cfg.Breaker.Timeout != time.Minute {
		t.Errorf("expected breaker timeout 1m, got %v", cfg.Breaker.Timeout)
	}
	if cfg.Ledger.MaxAttempts != 3 {
		t.Errorf("expected 3 ledger attempts, got %d", cfg.Ledger.MaxAttempts)
	}
	if cfg.Evaluator.ReplaceHost != "localhost:8000" {
		t.Errorf("expected replace host, got %s", cfg.Evaluator.ReplaceHost)
	}
}

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{
			name:   "empty port",
			modify: func(c *Config) { c.Server.Port = "" },
			errMsg: "server.port is required",
		},
		{
			name:   "empty NATS URL",
			modify: func(c *Config) { c.NATS.URL = "" },
			errMsg: "nats.url is required",
		},
		{
			name: "empty DSN",
			modify: func(c *Config) {
				c.Store.Backend = "postgres"
				c.Postgres.DSN = ""
			},
			errMsg: "postgres.dsn is required",
		},
		{
			name: "zero max_conns",
			modify: func(c *Config) {
				c.Store.Backend = "postgres"
				c.Postgres.MaxConns = 0
			},
			errMsg: "postgres.max_conns must be >= 1",
		},
		{
			name: "badger without path",
			modify: func(c *Config) {
				c.Store.Backend = "badger"
				c.Store.BadgerPath = ""
			},
			errMsg: "store.badger_path is required",
		},
		{
			name:   "unknown backend",
			modify: func(c *Config) { c.Store.Backend = "redis" },
			errMsg: `store.backend "redis" is not one of nats, postgres, badger`,
		},
		{
			name:   "rate limit without burst",
			modify: func(c *Config) { c.Server.RateBurst = 0 },
			errMsg: "server.rate_burst must be >= 1 when rate_limit is set",
		},
		{
			name:   "zero breaker failures",
			modify: func(c *Config) { c.Breaker.MaxFailures = 0 },
			errMsg: "breaker.max_failures must be >= 1",
		},
		{
			name:   "zero ledger attempts",
			modify: func(c *Config) { c.Ledger.MaxAttempts = 0 },
			errMsg: "ledger.max_attempts must be >= 1",
		},
		{
			name:   "zero evaluator timeout",
			modify: func(c *Config) { c.Evaluator.Timeout = 0 },
			errMsg: "evaluator.timeout must be > 0",
		},
		{
			name:   "empty league repo",
			modify: func(c *Config) { c.GitHub.Repo = "" },
			errMsg: "github.repo is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := validate(&cfg)
			if err == nil {
				t.Fatalf("expected error %q, got nil", tt.errMsg)
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Defaults()
	if err := validate(&cfg); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestValidateInMemoryBadgerNeedsNoPath(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Backend = "badger"
	cfg.Store.BadgerPath = ""
	cfg.Store.InMemory = true
	if err := validate(&cfg); err != nil {
		t.Errorf("in-memory badger should validate, got %v", err)
	}
}

func TestApplyCLI(t *testing.T) {
	cfg := Defaults()

	port := "3333"
	logLevel := "error"
	backend := "postgres"

	applyCLI(&cfg, CLIFlags{
		Port:     &port,
		LogLevel: &logLevel,
		Backend:  &backend,
	})

	if cfg.Server.Port != "3333" {
		t.Errorf("expected port 3333, got %s", cfg.Server.Port)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("expected log level error, got %s", cfg.Logging.Level)
	}
	if cfg.Store.Backend != "postgres" {
		t.Errorf("expected CLI backend, got %s", cfg.Store.Backend)
	}
}

func TestApplyCLINilFlags(t *testing.T) {
	cfg := Defaults()
	original := cfg

	// All-nil flags should change nothing.
	applyCLI(&cfg, CLIFlags{})

	if cfg.Server.Port != original.Server.Port {
		t.Errorf("port changed from %s to %s", original.Server.Port, cfg.Server.Port)
	}
	if cfg.Logging.Level != original.Logging.Level {
		t.Errorf("log level changed from %s to %s", original.Logging.Level, cfg.Logging.Level)
	}
}

func TestCLIOverridesEnv(t *testing.T) {
	t.Setenv("BOTLEAGUE_PORT", "7070")
	t.Setenv("BOTLEAGUE_LOG_LEVEL", "warn")

	port, level, missing := "3333", "error", "/nonexistent/botleague.yaml"
	cfg, _, err := LoadWithCLI(CLIFlags{ConfigPath: &missing, Port: &port, LogLevel: &level})
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "3333" {
		t.Errorf("expected CLI port 3333 to override ENV 7070, got %s", cfg.Server.Port)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("expected CLI log-level error to override ENV warn, got %s", cfg.Logging.Level)
	}
}

func TestLoadWithCLICustomConfig(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "custom.yaml")
	content := `
server:
  port: "5555"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, resolvedPath, err := LoadWithCLI(CLIFlags{ConfigPath: &yamlPath})
	if err != nil {
		t.Fatal(err)
	}

	if resolvedPath != yamlPath {
		t.Errorf("expected resolved path %s, got %s", yamlPath, resolvedPath)
	}
	if cfg.Server.Port != "5555" {
		t.Errorf("expected port 5555 from custom YAML, got %s", cfg.Server.Port)
	}
}
