package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "botleague.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "BOTLEAGUE_PORT")
	setDuration(&cfg.Server.RequestLimit, "BOTLEAGUE_REQUEST_TIMEOUT")
	setString(&cfg.Server.Host, "BOTLEAGUE_LIAISON_HOST")
	setString(&cfg.Server.OperatorToken, "BOTLEAGUE_OPERATOR_TOKEN")
	setFloat64(&cfg.Server.RateLimit, "BOTLEAGUE_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "BOTLEAGUE_RATE_BURST")
	setString(&cfg.Server.SecretsDir, "BOTLEAGUE_SECRETS_DIR")
	setString(&cfg.Logging.Level, "BOTLEAGUE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "BOTLEAGUE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "BOTLEAGUE_LOG_ASYNC")

	// Store
	setString(&cfg.Store.Backend, "BOTLEAGUE_STORE_BACKEND")
	setString(&cfg.Store.Bucket, "BOTLEAGUE_STORE_BUCKET")
	setInt(&cfg.Store.Replicas, "BOTLEAGUE_STORE_REPLICAS")
	setString(&cfg.Store.BadgerPath, "BOTLEAGUE_BADGER_PATH")
	setBool(&cfg.Store.InMemory, "BOTLEAGUE_STORE_IN_MEMORY")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "BOTLEAGUE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "BOTLEAGUE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "BOTLEAGUE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "BOTLEAGUE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "BOTLEAGUE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "BOTLEAGUE_NATS_STREAM")
	setString(&cfg.NATS.IdempotencyBucket, "BOTLEAGUE_IDEMPOTENCY_BUCKET")
	setDuration(&cfg.NATS.IdempotencyTTL, "BOTLEAGUE_IDEMPOTENCY_TTL")
	setBool(&cfg.NATS.Redrive, "BOTLEAGUE_NATS_REDRIVE")

	// Evaluator dispatch
	setDuration(&cfg.Evaluator.Timeout, "BOTLEAGUE_EVALUATOR_TIMEOUT")
	setString(&cfg.Evaluator.ReplaceHost, "BOTLEAGUE_EVALUATOR_REPLACE_HOST")
	setInt(&cfg.Breaker.MaxFailures, "BOTLEAGUE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "BOTLEAGUE_BREAKER_TIMEOUT")

	// Coordination
	setUint(&cfg.Ledger.MaxAttempts, "BOTLEAGUE_LEDGER_MAX_ATTEMPTS")
	setDuration(&cfg.Ledger.InitialBackoff, "BOTLEAGUE_LEDGER_INITIAL_BACKOFF")
	setDuration(&cfg.Ledger.MaxBackoff, "BOTLEAGUE_LEDGER_MAX_BACKOFF")
	setDuration(&cfg.Reduce.ClaimTTL, "BOTLEAGUE_REDUCE_CLAIM_TTL")
	setInt(&cfg.Orchestrator.MaxParallel, "BOTLEAGUE_ORCH_MAX_PARALLEL")

	// GitHub
	setString(&cfg.GitHub.Provider, "BOTLEAGUE_GIT_PROVIDER")
	setString(&cfg.GitHub.Repo, "BOTLEAGUE_GITHUB_REPO")
	setString(&cfg.GitHub.StatusContext, "BOTLEAGUE_GITHUB_STATUS_CONTEXT")
	setString(&cfg.GitHub.MergeMessage, "BOTLEAGUE_GITHUB_MERGE_MESSAGE")
	setString(&cfg.GitHub.Hostname, "BOTLEAGUE_GITHUB_HOST")

	// League clone
	setString(&cfg.League.Dir, "BOTLEAGUE_LEAGUE_DIR")
	setBool(&cfg.League.Pull, "BOTLEAGUE_LEAGUE_PULL")
	setInt(&cfg.League.MaxConcurrent, "BOTLEAGUE_GIT_MAX_CONCURRENT")

	// Reports
	setString(&cfg.Reports.Bucket, "BOTLEAGUE_REPORTS_BUCKET")
	setString(&cfg.Reports.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")
	setString(&cfg.Reports.Prefix, "BOTLEAGUE_REPORTS_PREFIX")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "BOTLEAGUE_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "BOTLEAGUE_CACHE_TTL")

	// OpenTelemetry
	setBool(&cfg.OTEL.Enabled, "BOTLEAGUE_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "BOTLEAGUE_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "BOTLEAGUE_OTEL_SAMPLE_RATE")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Store.Backend {
	case "nats":
		if cfg.NATS.URL == "" {
			return errors.New("nats.url is required")
		}
		if cfg.Store.Bucket == "" {
			return errors.New("store.bucket is required")
		}
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	case "badger":
		if !cfg.Store.InMemory && cfg.Store.BadgerPath == "" {
			return errors.New("store.badger_path is required")
		}
	default:
		return fmt.Errorf("store.backend %q is not one of nats, postgres, badger", cfg.Store.Backend)
	}
	if cfg.Server.RateLimit > 0 && cfg.Server.RateBurst < 1 {
		return errors.New("server.rate_burst must be >= 1 when rate_limit is set")
	}
	if cfg.Evaluator.Timeout <= 0 {
		return errors.New("evaluator.timeout must be > 0")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Ledger.MaxAttempts < 1 {
		return errors.New("ledger.max_attempts must be >= 1")
	}
	if cfg.Orchestrator.MaxParallel < 1 {
		return errors.New("orchestrator.max_parallel must be >= 1")
	}
	if cfg.GitHub.Repo == "" {
		return errors.New("github.repo is required")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setUint(dst *uint, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 0); err == nil {
			*dst = uint(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// CLIFlags holds command-line overrides. Nil fields were not given and leave
// the loaded value alone.
type CLIFlags struct {
	ConfigPath *string
	Port       *string
	LogLevel   *string
	Backend    *string
}

// LoadWithCLI loads configuration with the hierarchy
// defaults < YAML < ENV < CLI flags and returns the YAML path it used.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	path := DefaultConfigFile
	if flags.ConfigPath != nil && *flags.ConfigPath != "" {
		path = *flags.ConfigPath
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, path); err != nil {
		return nil, path, fmt.Errorf("config yaml: %w", err)
	}
	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, path, fmt.Errorf("config validate: %w", err)
	}
	return &cfg, path, nil
}

func applyCLI(cfg *Config, flags CLIFlags) {
	if flags.Port != nil {
		cfg.Server.Port = *flags.Port
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
	if flags.Backend != nil {
		cfg.Store.Backend = *flags.Backend
	}
}
