package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/kenhuangus/agent-payment-platform/pkg/config"
	"github.com/kenhuangus/agent-payment-platform/pkg/consent"
	"github.com/kenhuangus/agent-payment-platform/pkg/cosign"
	"github.com/kenhuangus/agent-payment-platform/pkg/database"
	"github.com/kenhuangus/agent-payment-platform/pkg/ledger"
	"github.com/kenhuangus/agent-payment-platform/pkg/orchestrator"
	"github.com/kenhuangus/agent-payment-platform/pkg/rails"
	"github.com/kenhuangus/agent-payment-platform/pkg/risk"
	"github.com/kenhuangus/agent-payment-platform/pkg/router"
)

// app is the wired payment core shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db    *sql.DB
	redis *redis.Client

	consents     *consent.Store
	ledger       *ledger.Ledger
	approvals    *cosign.Manager
	orchestrator *orchestrator.Orchestrator
}

// openLedger wires storage only. Read-side commands stop here.
func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var store ledger.Storage
	if cfg.Database.URL == config.MemoryURL {
		logger.WarnContext(ctx, "using in-memory storage; nothing survives a restart")
		store = ledger.NewMemoryStorage()
	} else {
		db, dialect, err := database.Open(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		a.db = db
		sqlStore := ledger.NewSQLStorage(db)
		if err := sqlStore.Init(ctx); err != nil {
			_ = a.close()
			return nil, err
		}
		logger.InfoContext(ctx, "ledger storage ready", "dialect", dialect)
		store = sqlStore
	}
	a.ledger = ledger.New(store).WithLogger(logger)
	return a, nil
}

// buildApp wires the full workflow engine on top of openLedger.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := a.wire(ctx); err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	var repo consent.Repository = consent.NewMemoryRepository()
	if a.db != nil {
		sqlRepo := consent.NewSQLRepository(a.db)
		if err := sqlRepo.Init(ctx); err != nil {
			return err
		}
		repo = sqlRepo
	}

	var window consent.UsageWindow = consent.NewMemoryWindow()
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		window = consent.NewRedisWindow(a.redis, cfg.Redis.Prefix)
		a.logger.InfoContext(ctx, "usage window shared through redis", "addr", cfg.Redis.Addr)
	}

	policy, err := cfg.ConsentPolicy()
	if err != nil {
		return err
	}
	store, err := consent.NewStore(repo, window, policy)
	if err != nil {
		return err
	}
	a.consents = store.WithLogger(a.logger)

	rules, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}
	rates, err := cfg.RateTable()
	if err != nil {
		return err
	}
	gate, err := risk.NewCELGate(rules.Risk, rates)
	if err != nil {
		return err
	}
	rt, err := router.New(rules.Router)
	if err != nil {
		return err
	}

	a.approvals = cosign.NewManager(cfg.Consent.CosignTimeout)
	orch, err := orchestrator.New(orchestrator.Deps{
		Consents:  a.consents,
		Risk:      gate.WithLogger(a.logger),
		Router:    rt.WithLogger(a.logger),
		Ledger:    a.ledger,
		Rails:     rails.NewResilient(rails.NewSimulator(), cfg.Rails).WithLogger(a.logger),
		Approvals: a.approvals,
	}, cfg.Orchestrator)
	if err != nil {
		return err
	}
	a.orchestrator = orch.WithLogger(a.logger)
	return nil
}

func (a *app) close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
