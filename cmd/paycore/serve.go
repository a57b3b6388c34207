package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kenhuangus/agent-payment-platform/pkg/api"
	"github.com/kenhuangus/agent-payment-platform/pkg/observability"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the approval sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return opts.serve(ctx)
		},
	}
}

func (o *rootOptions) serve(ctx context.Context) error {
	cfg, logger, err := o.load()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		logger.WarnContext(ctx, "auth.jwt_secret is empty; cosign and review endpoints will reject every request")
	}

	telemetry, err := observability.New(ctx, &cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	limiter := api.NewRateLimiter(float64(cfg.Server.RateLimitRPS), cfg.Server.RateLimitBurst)
	srv, err := api.NewServer(api.Deps{
		Payments:  a.orchestrator,
		Consents:  a.consents,
		Ledger:    a.ledger,
		Validator: api.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Limiter:   limiter,
		Telemetry: telemetry,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.InfoContext(gctx, "paycore listening", "addr", cfg.Server.Addr, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return httpServer.Shutdown(sctx)
	})
	g.Go(func() error {
		sweepApprovals(gctx, a, cfg.Server.SweepInterval)
		return nil
	})
	g.Go(func() error {
		limiter.Run(gctx)
		return nil
	})

	err = g.Wait()

	dctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if derr := a.orchestrator.Shutdown(dctx); derr != nil {
		logger.Warn("workflows still running at shutdown", "error", derr)
	}
	return err
}

// sweepApprovals ends workflows whose cosign or review request has expired.
func sweepApprovals(ctx context.Context, a *app, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.orchestrator.SweepExpired(ctx)
			if err != nil {
				a.logger.ErrorContext(ctx, "approval sweep failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.InfoContext(ctx, "expired approvals swept", "workflows", n)
			}
		}
	}
}
