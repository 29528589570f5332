package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/botleague/internal/adapter/badger"
	"github.com/Strob0t/botleague/internal/adapter/evaluator"
	"github.com/Strob0t/botleague/internal/adapter/gcs"
	"github.com/Strob0t/botleague/internal/adapter/gitlocal"
	blnats "github.com/Strob0t/botleague/internal/adapter/nats"
	"github.com/Strob0t/botleague/internal/adapter/natskv"
	blotel "github.com/Strob0t/botleague/internal/adapter/otel"
	"github.com/Strob0t/botleague/internal/adapter/postgres"
	"github.com/Strob0t/botleague/internal/adapter/ristretto"
	"github.com/Strob0t/botleague/internal/adapter/tiered"
	"github.com/Strob0t/botleague/internal/config"
	"github.com/Strob0t/botleague/internal/git"
	"github.com/Strob0t/botleague/internal/port/gitprovider"
	"github.com/Strob0t/botleague/internal/port/messagequeue"
	"github.com/Strob0t/botleague/internal/port/recordstore"
	"github.com/Strob0t/botleague/internal/port/reportstore"
	"github.com/Strob0t/botleague/internal/resilience"
	"github.com/Strob0t/botleague/internal/secrets"
	"github.com/Strob0t/botleague/internal/service"
)

const badgerGCInterval = 10 * time.Minute

// app holds the wired services and everything that must be closed on exit.
type app struct {
	store     recordstore.Store
	queue     messagequeue.Queue
	evals     *service.EvaluationService
	problemCI *service.ProblemCIService
	ledgers   *service.LedgerService
	vault     *secrets.Vault
	checks    map[string]func(context.Context) error
	closers   []func()
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

// buildApp connects the configured infrastructure and wires the services.
func buildApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{checks: make(map[string]func(context.Context) error)}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	metrics, err := blotel.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("otel metrics: %w", err)
	}

	if err := a.openQueue(ctx, cfg); err != nil {
		return nil, err
	}
	if err := a.openStore(ctx, cfg, metrics); err != nil {
		return nil, err
	}

	envNames := append(append([]string{}, secrets.GitHubToken...), secrets.OperatorToken...)
	a.vault, err = secrets.NewVault(secrets.Merge(secrets.EnvLoader(envNames...), secrets.DirLoader(cfg.Server.SecretsDir)))
	if err != nil {
		return nil, err
	}
	gitProvider, err := gitprovider.New(cfg.GitHub.Provider, gitprovider.Config{
		Hostname: cfg.GitHub.Hostname,
		Token:    a.vault.Lookup(secrets.GitHubToken...),
	})
	if err != nil {
		return nil, fmt.Errorf("git provider: %w", err)
	}

	reports, err := a.openReports(ctx, cfg)
	if err != nil {
		return nil, err
	}

	dispatcher := evaluator.NewClient(cfg.Evaluator.Timeout,
		evaluator.WithReplaceHost(cfg.Evaluator.ReplaceHost),
		evaluator.WithBreakers(resilience.NewBreakerSet(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)),
		evaluator.WithMetrics(metrics),
	)

	retry := resilience.RetryPolicy{
		MaxAttempts:    cfg.Ledger.MaxAttempts,
		InitialBackoff: cfg.Ledger.InitialBackoff,
		MaxBackoff:     cfg.Ledger.MaxBackoff,
	}
	a.ledgers = service.NewLedgerService(a.store, retry, metrics)
	a.evals = service.NewEvaluationService(service.EvaluationDeps{
		Store:       a.store,
		Dispatcher:  dispatcher,
		Reports:     reports,
		Queue:       a.queue,
		Ledgers:     a.ledgers,
		Git:         gitProvider,
		GitHub:      cfg.GitHub,
		Retry:       retry,
		LiaisonHost: cfg.Server.Host,
		Metrics:     metrics,
	})
	reducer := service.NewReduceCoordinator(a.store, a.ledgers, cfg.Reduce.ClaimTTL, retry, metrics)
	a.problemCI = service.NewProblemCIService(service.ProblemCIDeps{
		Store:       a.store,
		Evaluations: a.evals,
		Reducer:     reducer,
		Ledgers:     a.ledgers,
		Registry:    gitlocal.NewRegistry(cfg.League.Dir, cfg.League.Pull, git.NewRunner(cfg.League.MaxConcurrent)),
		Queue:       a.queue,
		Git:         gitProvider,
		GitHub:      cfg.GitHub,
		MaxParallel: cfg.Orchestrator.MaxParallel,
		PublicHost:  cfg.Server.Host,
		Metrics:     metrics,
	})
	a.evals.SetCohortHandler(a.problemCI)
	return a, nil
}

// openQueue connects to NATS. Only the nats store backend requires it; the
// others fall back to discarding messages when no URL is configured.
func (a *app) openQueue(ctx context.Context, cfg *config.Config) error {
	if cfg.NATS.URL == "" {
		a.queue = blnats.Discard{}
		return nil
	}
	q, err := blnats.Connect(ctx, cfg.NATS.URL, cfg.NATS.Stream)
	if err != nil {
		if cfg.Store.Backend == "nats" {
			return fmt.Errorf("nats: %w", err)
		}
		slog.Warn("nats unavailable, messages will be discarded", "url", cfg.NATS.URL, "error", err)
		a.queue = blnats.Discard{}
		return nil
	}
	a.queue = q
	a.onClose(func() { _ = q.Drain() })
	a.checks["nats"] = func(context.Context) error {
		if !q.IsConnected() {
			return errors.New("not connected")
		}
		return nil
	}
	return nil
}

// openStore opens the configured record store and, when enabled, puts the
// in-process cache of frozen records in front of it.
func (a *app) openStore(ctx context.Context, cfg *config.Config, metrics *blotel.Metrics) error {
	var store recordstore.Store
	switch cfg.Store.Backend {
	case "nats":
		q, ok := a.queue.(*blnats.Queue)
		if !ok {
			return errors.New("nats store backend requires nats.url")
		}
		s, err := natskv.Open(ctx, q.JetStream(), cfg.Store.Bucket, cfg.Store.Replicas)
		if err != nil {
			return err
		}
		store = s
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.onClose(pool.Close)
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		a.checks["postgres"] = pool.Ping
		store = postgres.NewStore(pool)
	case "badger":
		s, err := badger.Open(badger.Config{
			Path:           cfg.Store.BadgerPath,
			InMemory:       cfg.Store.InMemory,
			SyncWrites:     true,
			GCInterval:     badgerGCInterval,
			GCDiscardRatio: 0.5,
			Logger:         slog.Default().With("component", "badger"),
		})
		if err != nil {
			return err
		}
		a.onClose(func() { _ = s.Close() })
		store = s
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if cfg.Cache.L1MaxSizeMB > 0 {
		l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
		if err != nil {
			return fmt.Errorf("l1 cache: %w", err)
		}
		a.onClose(l1.Close)
		if err := metrics.ObserveCache("l1", l1.Stats); err != nil {
			slog.Warn("l1 cache metrics unavailable", "error", err)
		}
		store = tiered.New(l1, store, service.FrozenRecord, cfg.Cache.TTL)
	}
	a.store = store
	slog.Info("record store ready", "backend", cfg.Store.Backend, "l1_mb", cfg.Cache.L1MaxSizeMB)
	return nil
}

func (a *app) openReports(ctx context.Context, cfg *config.Config) (reportstore.Store, error) {
	if cfg.Reports.Bucket == "" {
		slog.Info("report publishing disabled")
		return gcs.Disabled{}, nil
	}
	s, err := gcs.New(ctx, gcs.Config{
		Bucket:          cfg.Reports.Bucket,
		Prefix:          cfg.Reports.Prefix,
		CredentialsFile: cfg.Reports.CredentialsFile,
	})
	if err != nil {
		return nil, fmt.Errorf("reports: %w", err)
	}
	a.onClose(func() { _ = s.Close() })
	return s, nil
}
