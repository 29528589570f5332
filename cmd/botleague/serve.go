package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	blhttp "github.com/Strob0t/botleague/internal/adapter/http"
	blnats "github.com/Strob0t/botleague/internal/adapter/nats"
	blotel "github.com/Strob0t/botleague/internal/adapter/otel"
	"github.com/Strob0t/botleague/internal/config"
	"github.com/Strob0t/botleague/internal/middleware"
	"github.com/Strob0t/botleague/internal/port/messagequeue"
	"github.com/Strob0t/botleague/internal/secrets"
)

var (
	servePort string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the liaison HTTP server",
		RunE:  runServe,
	}
)

func init() {
	serveCmd.Flags().StringVarP(&servePort, "port", "p", "", "listen port (overrides server.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTEL, err := blotel.Init(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTEL(flushCtx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := blhttp.RouteOptions{OperatorToken: a.vault.Func(cfg.Server.OperatorToken, secrets.OperatorToken...)}
	go reloadSecretsOnHangup(ctx, a.vault)
	if cfg.Server.RateLimit > 0 {
		rl := middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
		defer rl.StartCleanup(time.Minute, 10*time.Minute)()
		opts.RateLimit = rl.Handler
	}
	if q, ok := a.queue.(*blnats.Queue); ok {
		if opts.Idempotency, err = idempotency(ctx, q, cfg.NATS); err != nil {
			return err
		}
		if cfg.NATS.Redrive {
			cancel, err := q.Subscribe(ctx, messagequeue.SubjectEvaluationCompleted, a.problemCI.HandleEvaluationCompleted)
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", messagequeue.SubjectEvaluationCompleted, err)
			}
			defer cancel()
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(blhttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(cfg.Server.RequestLimit))
	r.Use(blotel.HTTPMiddleware(cfg.OTEL.ServiceName))
	r.Use(blhttp.SecurityHeaders)

	blhttp.MountRoutes(r, &blhttp.Handlers{
		Evaluations: a.evals,
		ProblemCI:   a.problemCI,
		Ledgers:     a.ledgers,
		Checks:      a.checks,
	}, opts)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestLimit + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", srv.Addr, "backend", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// reloadSecretsOnHangup rereads the secret sources on every SIGHUP until ctx
// ends. The operator token follows at once. The GitHub token is read when
// the provider is built and needs a restart.
func reloadSecretsOnHangup(ctx context.Context, v *secrets.Vault) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := v.Reload(); err != nil {
				slog.Error("secret reload failed", "error", err)
			}
		}
	}
}

// idempotency opens the KV bucket behind Idempotency-Key replay. An empty
// bucket name disables the feature.
func idempotency(ctx context.Context, q *blnats.Queue, cfg config.NATS) (func(http.Handler) http.Handler, error) {
	if cfg.IdempotencyBucket == "" {
		return nil, nil
	}
	kv, err := q.JetStream().CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.IdempotencyBucket,
		Description: "botleague liaison idempotent responses",
		TTL:         cfg.IdempotencyTTL,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("idempotency bucket %s: %w", cfg.IdempotencyBucket, err)
	}
	return middleware.Idempotency(middleware.KVResponses(kv)), nil
}
